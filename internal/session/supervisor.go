package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/provider/circuit"
	"github.com/ricochet1k/concordia/internal/provider/process"
)

var (
	ErrAlreadyStarted    = errors.New("session already started")
	ErrNotReady          = errors.New("session is not ready")
	ErrTerminated        = errors.New("session terminated")
	ErrRestartsExhausted = errors.New("session restart attempts exhausted")
)

// Handle is one running instance of the external session process.
type Handle interface {
	Write(ctx context.Context, p []byte) error
	Stdout() io.Reader
	// Stderr may be nil when the process has no separate error stream.
	Stderr() io.Reader
	Wait() error
	Stop(timeout time.Duration) error
	Pid() int
	// ResumeToken is the continuity token the instance was started with.
	ResumeToken() string
}

// Launcher starts a new Handle, resuming resumeToken when it is non-empty.
type Launcher interface {
	Launch(ctx context.Context, resumeToken string) (Handle, error)
}

type LaunchFunc func(ctx context.Context, resumeToken string) (Handle, error)

func (f LaunchFunc) Launch(ctx context.Context, resumeToken string) (Handle, error) {
	return f(ctx, resumeToken)
}

// ProcessLauncher launches real processes.
func ProcessLauncher(l *process.Launcher) Launcher {
	return LaunchFunc(func(ctx context.Context, resumeToken string) (Handle, error) {
		m, err := l.Launch(ctx, resumeToken)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
}

// Broadcaster receives every event the session produces.
type Broadcaster interface {
	Broadcast(event domain.Event)
}

type BroadcastFunc func(event domain.Event)

func (f BroadcastFunc) Broadcast(event domain.Event) { f(event) }

type Config struct {
	PartyID    string
	WorkingDir string
	Protocol   Protocol
	// ResumeToken seeds the first launch.
	ResumeToken string

	StartupGrace    time.Duration
	ResponseTimeout time.Duration
	StopTimeout     time.Duration

	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	MaxRestarts           int
	WriteFailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.Protocol == nil {
		c.Protocol = streamJSONProtocol{terminator: "\n"}
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 2 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	domain.SessionSnapshot
	Protocol  string
	GateReady bool
	Exhausted bool
	// WriteFailures is the current run of failed writes; WriteRestarts counts
	// the restarts such runs have forced.
	WriteFailures int
	WriteRestarts int
}

// Supervisor owns the session process. Every state change goes through it,
// and the Gate mirrors its state: open exactly while the state is Ready.
// Components never hold a Handle across a restart; they ask the supervisor
// for the current one and present the generation they got it with.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	out      Broadcaster
	logger   *slog.Logger

	gate    *Gate
	record  *domain.Session
	backoff *circuit.Backoff
	breaker *circuit.Breaker

	mu           sync.Mutex
	handle       Handle
	gen          uint64
	genCancel    context.CancelFunc
	runCtx       context.Context
	runCancel    context.CancelFunc
	lastOutput   time.Time
	exhausted    bool
	restartTimer *time.Timer
	onToken      func(string)

	wg sync.WaitGroup
}

func NewSupervisor(cfg Config, launcher Launcher, out Broadcaster, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = BroadcastFunc(func(domain.Event) {})
	}
	record := domain.NewSession(cfg.PartyID, cfg.WorkingDir)
	if cfg.ResumeToken != "" {
		record.SetResumeToken(cfg.ResumeToken)
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		out:      out,
		logger:   logger.With("component", "supervisor"),
		gate:     NewGate(),
		record:   record,
		backoff:  circuit.NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff, cfg.MaxRestarts),
		breaker:  circuit.NewBreaker(cfg.WriteFailureThreshold),
	}
}

// Gate returns the readiness gate. Callers may probe and wait on it only.
func (s *Supervisor) Gate() Readiness {
	return s.gate
}

func (s *Supervisor) Protocol() Protocol {
	return s.cfg.Protocol
}

func (s *Supervisor) State() domain.SessionState {
	return s.record.GetState()
}

func (s *Supervisor) ResumeToken() string {
	return s.record.GetResumeToken()
}

// OnResumeToken registers fn to be called whenever a new resume token is
// learned. fn runs outside the supervisor lock.
func (s *Supervisor) OnResumeToken(fn func(token string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onToken = fn
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	exhausted := s.exhausted
	s.mu.Unlock()
	return Status{
		SessionSnapshot: s.record.Snapshot(),
		Protocol:        s.cfg.Protocol.Name(),
		GateReady:       s.gate.IsReady(),
		Exhausted:       exhausted,
		WriteFailures:   s.breaker.FailureCount(),
		WriteRestarts:   s.breaker.Trips(),
	}
}

// Start launches the session. A launch failure is reported to participants
// and retried with backoff; it is not returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.launch("party started")
	return nil
}

// Restart replaces the current process immediately, clearing any restart
// exhaustion. It is the manual intervention path.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return s.Start(context.Background())
	}
	var fx effects
	switch s.record.GetState() {
	case domain.SessionStateTerminated:
		s.mu.Unlock()
		return ErrTerminated
	case domain.SessionStateStarting, domain.SessionStateReady, domain.SessionStateBusy:
		s.transitionLocked(domain.SessionStateCrashed, "manual restart")
		s.releaseHandleLocked()
		fx.system("session restart requested")
	}
	s.exhausted = false
	s.backoff.Reset()
	s.breaker.Reset()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.mu.Unlock()
	s.flush(fx)

	s.launch("manual restart")
	return nil
}

// Shutdown terminates the process and stops all session goroutines. No
// restart happens afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.record.GetState() == domain.SessionStateTerminated {
		s.mu.Unlock()
		return nil
	}
	s.transitionLocked(domain.SessionStateTerminated, "shutdown")
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	h := s.handle
	s.handle = nil
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	s.gen++
	s.mu.Unlock()

	if h != nil {
		if err := h.Stop(s.cfg.StopTimeout); err != nil {
			s.logger.Warn("stopping session process", "error", err)
		}
	}
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	var fx effects
	fx.system("session terminated")
	s.flush(fx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch moves Unstarted or Crashed to Starting and starts a new process.
func (s *Supervisor) launch(reason string) {
	s.mu.Lock()
	state := s.record.GetState()
	if state != domain.SessionStateUnstarted && state != domain.SessionStateCrashed {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(domain.SessionStateStarting, reason)
	s.gen++
	gen := s.gen
	runCtx := s.runCtx
	token := s.record.GetResumeToken()
	s.mu.Unlock()

	var fx effects
	if token != "" {
		fx.system("starting session (resuming " + token + ")")
	} else {
		fx.system("starting session")
	}
	s.flush(fx)

	h, err := s.launcher.Launch(runCtx, token)

	s.mu.Lock()
	if gen != s.gen || s.record.GetState() != domain.SessionStateStarting {
		s.mu.Unlock()
		if h != nil {
			_ = h.Stop(s.cfg.StopTimeout)
		}
		return
	}
	fx = effects{}
	if err != nil {
		msg := fmt.Sprintf("session failed to start: %v", err)
		s.record.SetError(msg)
		s.transitionLocked(domain.SessionStateCrashed, "start failed")
		fx.system("session crashed: start failed")
		fx.errorf(domain.CodeStartFailed, "%s", msg)
		s.scheduleRestartLocked(&fx)
		s.mu.Unlock()
		s.flush(fx)
		return
	}

	s.handle = h
	s.record.SetPid(h.Pid())
	s.record.SetError("")
	if t := h.ResumeToken(); t != "" && t != token {
		s.record.SetResumeToken(t)
		fx.token = t
		fx.tokenFn = s.onToken
	}
	genCtx, cancel := context.WithCancel(runCtx)
	s.genCancel = cancel
	s.lastOutput = time.Now()

	stdout, stderr := h.Stdout(), h.Stderr()
	s.wg.Add(2)
	go s.pumpStdout(gen, stdout)
	go s.watchExit(gen, h)
	if stderr != nil {
		s.wg.Add(1)
		go s.pumpStderr(gen, stderr)
	}
	s.wg.Add(1)
	go s.startupGrace(genCtx, gen)
	if s.cfg.ResponseTimeout > 0 {
		s.wg.Add(1)
		go s.watchdog(genCtx, gen)
	}
	s.mu.Unlock()

	s.logger.Info("session process started", "pid", h.Pid(), "resume_token", h.ResumeToken())
	s.flush(fx)
}

// beginWrite moves Ready to Busy and hands out the handle for one write.
func (s *Supervisor) beginWrite() (Handle, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.record.GetState() {
	case domain.SessionStateTerminated:
		return nil, 0, ErrTerminated
	case domain.SessionStateReady:
	default:
		if s.exhausted {
			return nil, 0, ErrRestartsExhausted
		}
		return nil, 0, ErrNotReady
	}
	if s.handle == nil {
		return nil, 0, ErrNotReady
	}
	s.transitionLocked(domain.SessionStateBusy, "writing batch")
	s.lastOutput = time.Now()
	return s.handle, s.gen, nil
}

// endWrite finishes a write begun with beginWrite. On success the session
// stays Busy until the response ends. On failure the gate is reopened, and
// a run of failures demotes the session to Crashed.
func (s *Supervisor) endWrite(gen uint64, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if gen != s.gen || s.record.GetState() != domain.SessionStateBusy {
		s.mu.Unlock()
		return
	}
	var fx effects
	code := domain.CodeWriteFailed
	if errors.Is(err, ErrWriteTimeout) {
		code = domain.CodeWriteTimeout
	}
	fx.errorf(code, "write to session failed: %v", err)
	s.transitionLocked(domain.SessionStateReady, "write failed")
	fx.system("session ready")
	if s.breaker.RecordFailure() {
		s.crashLocked(&fx, "repeated write failures")
	}
	s.mu.Unlock()
	s.flush(fx)
}

// lineSeen handles one stdout line from generation gen.
func (s *Supervisor) lineSeen(gen uint64, raw string, line Line) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	var fx effects
	text := line.Display
	if text == "" {
		text = raw
	}
	fx.events = append(fx.events, domain.NewOutputEvent(domain.StreamStdout, text))
	s.lastOutput = time.Now()

	if line.ResumeToken != "" && line.ResumeToken != s.record.GetResumeToken() {
		s.record.SetResumeToken(line.ResumeToken)
		fx.token = line.ResumeToken
		fx.tokenFn = s.onToken
	}

	switch s.record.GetState() {
	case domain.SessionStateStarting:
		s.transitionLocked(domain.SessionStateReady, "first output")
		fx.system("session ready")
	case domain.SessionStateBusy:
		if line.Kind == EndOfResponse {
			s.transitionLocked(domain.SessionStateReady, "response complete")
			s.backoff.Reset()
			s.breaker.RecordSuccess()
			fx.system("response complete; session ready")
		}
	}
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Supervisor) stderrLine(gen uint64, raw string) {
	s.mu.Lock()
	current := gen == s.gen
	s.mu.Unlock()
	if current {
		s.out.Broadcast(domain.NewOutputEvent(domain.StreamStderr, raw))
	}
}

// streamClosed handles EOF or a read error on stdout.
func (s *Supervisor) streamClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.liveLocked() {
		s.mu.Unlock()
		return
	}
	var fx effects
	fx.system("session disconnected")
	reason := "output stream closed"
	if err != nil {
		reason = fmt.Sprintf("output stream failed: %v", err)
	}
	s.crashLocked(&fx, reason)
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Supervisor) processExited(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.liveLocked() {
		s.mu.Unlock()
		return
	}
	var fx effects
	reason := "session process exited"
	if err != nil {
		reason = fmt.Sprintf("session process exited: %v", err)
	}
	fx.system("session disconnected")
	s.crashLocked(&fx, reason)
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Supervisor) graceElapsed(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.record.GetState() != domain.SessionStateStarting {
		s.mu.Unlock()
		return
	}
	var fx effects
	s.transitionLocked(domain.SessionStateReady, "startup grace elapsed")
	fx.system("session ready")
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Supervisor) checkResponse(gen uint64, now time.Time) {
	s.mu.Lock()
	if gen != s.gen || s.record.GetState() != domain.SessionStateBusy {
		s.mu.Unlock()
		return
	}
	if now.Sub(s.lastOutput) < s.cfg.ResponseTimeout {
		s.mu.Unlock()
		return
	}
	var fx effects
	fx.errorf(domain.CodeResponseTimeout, "session produced no output for %s", s.cfg.ResponseTimeout)
	s.crashLocked(&fx, "response timed out")
	s.mu.Unlock()
	s.flush(fx)
}

func (s *Supervisor) liveLocked() bool {
	switch s.record.GetState() {
	case domain.SessionStateStarting, domain.SessionStateReady, domain.SessionStateBusy:
		return true
	}
	return false
}

// crashLocked demotes the session to Crashed, stops the process and
// schedules a restart.
func (s *Supervisor) crashLocked(fx *effects, reason string) {
	if !s.transitionLocked(domain.SessionStateCrashed, reason) {
		return
	}
	s.record.SetError(reason)
	s.releaseHandleLocked()
	fx.system("session crashed: " + reason)
	s.scheduleRestartLocked(fx)
}

// releaseHandleLocked detaches the current process and stops it in the
// background. Output still arriving from it is ignored.
func (s *Supervisor) releaseHandleLocked() {
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	h := s.handle
	s.handle = nil
	s.gen++
	if h == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := h.Stop(s.cfg.StopTimeout); err != nil {
			s.logger.Debug("stopping crashed session process", "error", err)
		}
	}()
}

func (s *Supervisor) scheduleRestartLocked(fx *effects) {
	if s.record.GetState() != domain.SessionStateCrashed {
		return
	}
	delay, ok := s.backoff.Next()
	if !ok {
		s.exhausted = true
		fx.errorf(domain.CodeRestartsExhausted,
			"session restart failed %d times; restart it manually to continue", s.backoff.MaxAttempts())
		return
	}
	s.record.IncrementRestarts()
	gen := s.gen
	s.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := gen == s.gen && s.record.GetState() == domain.SessionStateCrashed
		s.mu.Unlock()
		if current {
			s.launch("restart")
		}
	})
	if limit := s.backoff.MaxAttempts(); limit > 0 {
		fx.system(fmt.Sprintf("restarting session in %s (attempt %d of %d)", delay, s.backoff.Attempts(), limit))
	} else {
		fx.system(fmt.Sprintf("restarting session in %s", delay))
	}
}

// transitionLocked applies a state change and keeps the gate in step.
func (s *Supervisor) transitionLocked(to domain.SessionState, reason string) bool {
	tr, err := s.record.TransitionTo(to, reason)
	if err != nil {
		s.logger.Debug("ignoring transition", "to", to.String(), "reason", reason, "error", err)
		return false
	}
	if to == domain.SessionStateReady {
		s.gate.markReady()
	} else {
		s.gate.markBusy()
	}
	s.logger.Info("session state changed", "from", tr.From.String(), "to", tr.To.String(), "reason", reason)
	return true
}

// effects are collected under the lock and delivered after it is released,
// so broadcasting never runs while the supervisor is locked.
type effects struct {
	events  []domain.Event
	token   string
	tokenFn func(string)
}

func (fx *effects) system(msg string) {
	fx.events = append(fx.events, domain.NewSystemEvent(msg))
}

func (fx *effects) errorf(code, format string, args ...any) {
	fx.events = append(fx.events, domain.NewErrorEvent(fmt.Sprintf(format, args...), code))
}

func (s *Supervisor) flush(fx effects) {
	for _, ev := range fx.events {
		switch ev.Type {
		case domain.EventTypeSystem:
			if d, ok := ev.System(); ok {
				s.logger.Info(d.Message)
			}
		case domain.EventTypeError:
			if d, ok := ev.Error(); ok {
				s.logger.Warn(d.Message, "code", d.Code)
			}
		}
		s.out.Broadcast(ev)
	}
	if fx.token != "" && fx.tokenFn != nil {
		fx.tokenFn(fx.token)
	}
}
