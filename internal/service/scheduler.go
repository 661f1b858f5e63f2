package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/provider/buffer"
	"github.com/ricochet1k/concordia/internal/session"
)

var (
	ErrPromptRejected = errors.New("prompt rejected")
	ErrEmptyMerge     = errors.New("merge produced no text")
)

const (
	DefaultDedupeWindow = 3 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMergeTimeout = 60 * time.Second
)

// Merger combines a batch of prompts into one request.
type Merger interface {
	Merge(ctx context.Context, batch []domain.PromptItem) (string, error)
}

type MergeFunc func(ctx context.Context, batch []domain.PromptItem) (string, error)

func (f MergeFunc) Merge(ctx context.Context, batch []domain.PromptItem) (string, error) {
	return f(ctx, batch)
}

// Submitter writes one merged request to the session.
type Submitter interface {
	Submit(ctx context.Context, text string) error
}

// ReadinessGate is the read side of session.Gate.
type ReadinessGate interface {
	IsReady() bool
	Ready() <-chan struct{}
}

type SchedulerConfig struct {
	Gate        ReadinessGate
	Merger      Merger
	Writer      Submitter
	Broadcaster session.Broadcaster
	Logger      *slog.Logger

	DedupeWindow time.Duration
	MinPrompts   int
	PollInterval time.Duration
	MergeTimeout time.Duration
	// RequeueFailed puts the prompts of a failed batch back at the head of
	// the queue instead of dropping them.
	RequeueFailed bool

	// OnPrompt and OnBatch observe accepted prompts and finished batches.
	OnPrompt func(domain.PromptItem)
	OnBatch  func(domain.Batch)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler collects prompts and, once arrivals have been quiet for the
// dedupe window, merges them and hands the result to the writer. It only
// acts while the gate is open; otherwise prompts keep accumulating.
type Scheduler struct {
	cfg    SchedulerConfig
	queue  *buffer.PromptQueue
	logger *slog.Logger

	cycleMu sync.Mutex

	heldMu sync.Mutex
	held   *domain.Batch
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.DedupeWindow < 0 {
		cfg.DedupeWindow = 0
	}
	if cfg.MinPrompts < 1 {
		cfg.MinPrompts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = DefaultMergeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = session.BroadcastFunc(func(domain.Event) {})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		queue:  buffer.NewPromptQueue(),
		logger: logger.With("component", "scheduler"),
	}
}

// Enqueue validates and queues a prompt. Empty text is rejected without
// changing any state.
func (s *Scheduler) Enqueue(author, text string) (domain.PromptItem, error) {
	item, err := domain.NewPromptItem(author, text, s.cfg.Now())
	if err != nil {
		return domain.PromptItem{}, fmt.Errorf("%w: %w", ErrPromptRejected, err)
	}
	s.queue.Append(item)
	s.logger.Debug("prompt queued", "author", item.Author, "pending", s.queue.Len())
	if s.cfg.OnPrompt != nil {
		s.cfg.OnPrompt(item)
	}
	return item, nil
}

// Pending returns the number of prompts not yet written, including those of
// a held batch.
func (s *Scheduler) Pending() int {
	s.heldMu.Lock()
	n := 0
	if s.held != nil {
		n = len(s.held.Items)
	}
	s.heldMu.Unlock()
	return n + s.queue.Len()
}

// Run drives scheduling cycles until ctx is done. It wakes on new prompts,
// when the gate opens, when the dedupe window of the last prompt expires,
// and on a slow poll as a fallback.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		s.cycle(ctx)

		var readyC <-chan struct{}
		if !s.cfg.Gate.IsReady() {
			readyC = s.cfg.Gate.Ready()
		}

		var deadline <-chan time.Time
		var timer *time.Timer
		if d := s.untilDue(); d > 0 {
			timer = time.NewTimer(d)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.queue.Notify():
		case <-readyC:
		case <-deadline:
		case <-poll.C:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// untilDue is how long until the dedupe window of the newest prompt ends.
func (s *Scheduler) untilDue() time.Duration {
	if s.queue.Len() == 0 {
		return 0
	}
	return s.queue.LastAt().Add(s.cfg.DedupeWindow).Sub(s.cfg.Now())
}

// cycle runs one scheduling decision and reports whether a batch was taken.
// A held batch goes first, so its prompts keep their place ahead of anything
// queued since.
func (s *Scheduler) cycle(ctx context.Context) bool {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if ctx.Err() != nil || !s.cfg.Gate.IsReady() {
		return false
	}
	if held := s.takeHeld(); held != nil {
		logger := s.logger.With("batch", held.ID, "prompts", len(held.Items))
		logger.Debug("retrying held batch")
		s.report(s.submit(context.WithoutCancel(ctx), *held, logger))
		return true
	}
	now := s.cfg.Now()
	batch := s.queue.DrainIf(func(pending int, lastAt time.Time) bool {
		return pending >= s.cfg.MinPrompts && now.Sub(lastAt) >= s.cfg.DedupeWindow
	})
	if batch == nil {
		return false
	}
	s.process(ctx, batch, now)
	return true
}

// process merges and submits a drained batch. Once taken, a batch runs to
// completion even if ctx is cancelled; only the merge timeout and the
// writer's own timeout bound it.
func (s *Scheduler) process(ctx context.Context, items []domain.PromptItem, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	batch := domain.Batch{
		ID:        uuid.NewString(),
		Items:     items,
		CreatedAt: now,
	}
	logger := s.logger.With("batch", batch.ID, "prompts", len(items))

	mctx, cancel := context.WithTimeout(ctx, s.cfg.MergeTimeout)
	merged, err := s.cfg.Merger.Merge(mctx, items)
	cancel()
	if err != nil {
		batch.Status = domain.BatchMergeFailed
		batch.Error = err.Error()
		logger.Warn("merge failed", "error", err)
		s.cfg.Broadcaster.Broadcast(domain.NewErrorEvent("merge failed: "+err.Error(), domain.CodeMergeFailed))
		s.failed(items)
		s.report(batch)
		return
	}
	merged = strings.TrimSpace(merged)
	if merged == "" {
		batch.Status = domain.BatchEmptyMerge
		batch.Error = ErrEmptyMerge.Error()
		logger.Warn("merge produced no text")
		s.cfg.Broadcaster.Broadcast(domain.NewErrorEvent(ErrEmptyMerge.Error(), domain.CodeMergeFailed))
		s.failed(items)
		s.report(batch)
		return
	}
	batch.Merged = merged

	s.cfg.Broadcaster.Broadcast(domain.NewBatchEvent(batch.ID, merged, batch.Authors()))
	s.report(s.submit(ctx, batch, logger))
}

// submit hands merged text to the writer. When the session cannot take it
// yet the batch is held as merged and announced, to be written unchanged
// once the gate reopens.
func (s *Scheduler) submit(ctx context.Context, batch domain.Batch, logger *slog.Logger) domain.Batch {
	err := s.cfg.Writer.Submit(ctx, batch.Merged)
	switch {
	case err == nil:
		batch.Status = domain.BatchSubmitted
		batch.Error = ""
		logger.Info("batch submitted", "authors", batch.Authors())
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrRestartsExhausted):
		// Nothing reached the session, so the prompts are not lost.
		batch.Status = domain.BatchRequeued
		batch.Error = err.Error()
		s.hold(batch)
		logger.Info("batch held until the session is ready", "error", err)
		s.cfg.Broadcaster.Broadcast(domain.NewSystemEvent("session not ready; batch will be sent once it is"))
	default:
		batch.Status = domain.BatchWriteFailed
		batch.Error = err.Error()
		logger.Warn("batch write failed", "error", err)
		s.failed(batch.Items)
	}
	return batch
}

func (s *Scheduler) report(batch domain.Batch) {
	if s.cfg.OnBatch != nil {
		s.cfg.OnBatch(batch)
	}
}

func (s *Scheduler) hold(batch domain.Batch) {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	s.held = &batch
}

func (s *Scheduler) takeHeld() *domain.Batch {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	b := s.held
	s.held = nil
	return b
}

// failed applies the failed-batch policy.
func (s *Scheduler) failed(items []domain.PromptItem) {
	if s.cfg.RequeueFailed {
		s.queue.PushFront(items)
		// Retry after another quiet window rather than immediately.
		s.queue.Touch(s.cfg.Now())
		s.cfg.Broadcaster.Broadcast(domain.NewSystemEvent(
			fmt.Sprintf("%d prompt(s) returned to the queue", len(items))))
		return
	}
	s.cfg.Broadcaster.Broadcast(domain.NewSystemEvent(
		fmt.Sprintf("%d prompt(s) from the failed batch were dropped", len(items))))
}
