package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/concordia/internal/provider/process"
)

var (
	ErrEmptyText    = errors.New("text is empty")
	ErrWriteTimeout = errors.New("write to session timed out")
	ErrWriteFailed  = errors.New("write to session failed")
	// ErrWriteAborted is reported when a write exits without finishing,
	// e.g. by panicking.
	ErrWriteAborted = errors.New("write to session aborted")
)

// Writer is the only path that writes to the session's stdin.
type Writer struct {
	sup     *Supervisor
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex
}

func NewWriter(sup *Supervisor, timeout time.Duration, logger *slog.Logger) *Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		sup:     sup,
		timeout: timeout,
		logger:  logger.With("component", "writer"),
	}
}

// Submit writes text as one request. Empty text is rejected without
// touching the session. Otherwise the session goes Busy for the write, and
// on any failure the supervisor reopens the gate before Submit returns.
func (w *Writer) Submit(ctx context.Context, text string) (err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	h, gen, err := w.sup.beginWrite()
	if err != nil {
		return err
	}
	err = ErrWriteAborted
	defer func() {
		w.sup.endWrite(gen, err)
	}()

	payload, encErr := w.sup.Protocol().Encode(text)
	if encErr != nil {
		err = fmt.Errorf("%w: %v", ErrWriteFailed, encErr)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	if werr := h.Write(wctx, payload); werr != nil {
		if errors.Is(werr, process.ErrWriteTimeout) || errors.Is(wctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrWriteTimeout, w.timeout, werr)
		} else {
			err = fmt.Errorf("%w: %v", ErrWriteFailed, werr)
		}
		return err
	}

	w.logger.Debug("wrote request", "bytes", len(payload), "elapsed", time.Since(start))
	err = nil
	return nil
}
