package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/realtime"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const historyQueueSize = 256

// HistoryRecorder persists accepted prompts and batch outcomes.
type HistoryRecorder interface {
	RecordPrompt(ctx context.Context, partyID string, item domain.PromptItem) error
	RecordBatch(ctx context.Context, partyID string, batch domain.Batch) error
}

type PartyConfig struct {
	ID         string
	WorkingDir string
	MainUser   string

	Session      session.Config
	Launcher     session.Launcher
	WriteTimeout time.Duration

	Merger        Merger
	DedupeWindow  time.Duration
	MinPrompts    int
	PollInterval  time.Duration
	MergeTimeout  time.Duration
	RequeueFailed bool

	// Tokens, Records and History are optional.
	Tokens  storage.ResumeTokenStorage
	Records storage.Storage
	History HistoryRecorder

	EventBuffer int
	Logger      *slog.Logger
}

// Party is one hosted session and everyone connected to it.
type Party struct {
	cfg    PartyConfig
	logger *slog.Logger

	events    *EventBroadcaster
	hub       *realtime.Hub
	sup       *session.Supervisor
	writer    *session.Writer
	scheduler *Scheduler

	history chan func(context.Context)
}

func NewParty(cfg PartyConfig) *Party {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("party", cfg.ID)

	p := &Party{
		cfg:     cfg,
		logger:  logger,
		events:  NewEventBroadcaster(cfg.EventBuffer),
		hub:     realtime.NewHub(cfg.MainUser, logger),
		history: make(chan func(context.Context), historyQueueSize),
	}
	p.events.AddSink(p.hub)
	p.hub.SetAnnouncer(p.events)

	scfg := cfg.Session
	scfg.PartyID = cfg.ID
	scfg.WorkingDir = cfg.WorkingDir
	p.sup = session.NewSupervisor(scfg, cfg.Launcher, p.events, logger)
	p.sup.OnResumeToken(p.saveResumeToken)
	p.writer = session.NewWriter(p.sup, cfg.WriteTimeout, logger)

	p.scheduler = NewScheduler(SchedulerConfig{
		Gate:          p.sup.Gate(),
		Merger:        cfg.Merger,
		Writer:        p.writer,
		Broadcaster:   p.events,
		Logger:        logger,
		DedupeWindow:  cfg.DedupeWindow,
		MinPrompts:    cfg.MinPrompts,
		PollInterval:  cfg.PollInterval,
		MergeTimeout:  cfg.MergeTimeout,
		RequeueFailed: cfg.RequeueFailed,
		OnPrompt:      p.recordPrompt,
		OnBatch:       p.recordBatch,
	})
	return p
}

func (p *Party) ID() string { return p.cfg.ID }

func (p *Party) Hub() *realtime.Hub { return p.hub }

func (p *Party) Events() *EventBroadcaster { return p.events }

func (p *Party) Supervisor() *session.Supervisor { return p.sup }

// Run starts the session and schedules prompts until ctx is done, then
// shuts the session down.
func (p *Party) Run(ctx context.Context) error {
	if err := p.sup.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.scheduler.Run(gctx)
	})
	g.Go(func() error {
		p.drainHistory(gctx)
		return nil
	})
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Session.StopTimeout+5*time.Second)
	defer cancel()
	if serr := p.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown terminates the session, disconnects participants and saves the
// party record.
func (p *Party) Shutdown(ctx context.Context) error {
	err := p.sup.Shutdown(ctx)
	p.hub.CloseAll()
	p.flushHistory(ctx)
	if p.cfg.Records != nil {
		if serr := p.cfg.Records.Save(p.sup.Status().SessionSnapshot); serr != nil {
			p.logger.Warn("saving party record", "error", serr)
		}
	}
	return err
}

// Submit queues a prompt from author.
func (p *Party) Submit(author, text string) error {
	_, err := p.scheduler.Enqueue(author, text)
	return err
}

// Join connects a participant and returns the name it was given.
func (p *Party) Join(name string, participant realtime.Participant) string {
	return p.hub.Join(name, participant)
}

func (p *Party) Leave(name string, participant realtime.Participant) {
	p.hub.Leave(name, participant)
}

// Restart is the manual intervention path.
func (p *Party) Restart() error {
	return p.sup.Restart()
}

func (p *Party) Status() realtimeTypes.SessionStatus {
	return realtime.StatusFromSession(p.sup.Status(), realtime.PartyStats{
		MainUser:      p.hub.MainUser(),
		Pending:       p.scheduler.Pending(),
		Participants:  p.hub.Participants(),
		Subscribers:   p.events.SubscriberCount(),
		DroppedEvents: p.events.DroppedEventCount(),
	})
}

// Send delivers msg to one participant only.
func (p *Party) Send(name string, msg realtimeTypes.ServerEnvelope) bool {
	return p.hub.Send(name, msg)
}

func (p *Party) saveResumeToken(token string) {
	if p.cfg.Tokens == nil {
		return
	}
	if err := p.cfg.Tokens.SaveResumeToken(p.cfg.ID, p.cfg.WorkingDir, token); err != nil {
		p.logger.Warn("saving resume token", "error", err)
	}
}

func (p *Party) recordPrompt(item domain.PromptItem) {
	if p.cfg.History == nil {
		return
	}
	p.enqueueHistory(func(ctx context.Context) error {
		return p.cfg.History.RecordPrompt(ctx, p.cfg.ID, item)
	})
}

func (p *Party) recordBatch(batch domain.Batch) {
	if p.cfg.History == nil {
		return
	}
	p.enqueueHistory(func(ctx context.Context) error {
		return p.cfg.History.RecordBatch(ctx, p.cfg.ID, batch)
	})
}

// enqueueHistory hands a write to the history worker without blocking the
// caller.
func (p *Party) enqueueHistory(write func(context.Context) error) {
	job := func(ctx context.Context) {
		if err := write(ctx); err != nil {
			p.logger.Warn("recording history", "error", err)
		}
	}
	select {
	case p.history <- job:
	default:
		p.logger.Warn("history queue full; entry dropped")
	}
}

func (p *Party) drainHistory(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.history:
			job(context.WithoutCancel(ctx))
		}
	}
}

// flushHistory writes whatever is still queued.
func (p *Party) flushHistory(ctx context.Context) {
	for {
		select {
		case job := <-p.history:
			job(ctx)
		default:
			return
		}
	}
}
