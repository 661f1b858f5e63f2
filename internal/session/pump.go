package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// pumpStdout forwards every stdout line and lets the protocol decide
// whether it ends the response. It runs until the stream closes.
func (s *Supervisor) pumpStdout(gen uint64, r io.Reader) {
	defer s.wg.Done()
	if r == nil {
		s.streamClosed(gen, errors.New("process has no output stream"))
		return
	}

	proto := s.cfg.Protocol
	err := readLines(r, func(raw string) {
		s.lineSeen(gen, raw, proto.Classify(raw))
	})
	s.streamClosed(gen, err)
}

// pumpStderr forwards stderr lines. Closing stderr says nothing about the
// session's health.
func (s *Supervisor) pumpStderr(gen uint64, r io.Reader) {
	defer s.wg.Done()
	err := readLines(r, func(raw string) {
		s.stderrLine(gen, raw)
	})
	if err != nil {
		s.logger.Debug("stderr closed", "error", err)
	}
}

func (s *Supervisor) watchExit(gen uint64, h Handle) {
	defer s.wg.Done()
	s.processExited(gen, h.Wait())
}

func (s *Supervisor) startupGrace(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	timer := time.NewTimer(s.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.graceElapsed(gen)
	case <-ctx.Done():
	}
}

// watchdog demotes a Busy session that has gone quiet for longer than the
// response timeout.
func (s *Supervisor) watchdog(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	interval := s.cfg.ResponseTimeout / 10
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.checkResponse(gen, now)
		case <-ctx.Done():
			return
		}
	}
}

// readLines calls fn for each line of r with the line ending removed. A
// final unterminated line is delivered too. It returns nil on a clean EOF.
func readLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
