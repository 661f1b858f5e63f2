package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ricochet1k/concordia/internal/logging"
	"github.com/ricochet1k/concordia/internal/merge"
	"github.com/ricochet1k/concordia/internal/provider/process"
	"github.com/ricochet1k/concordia/internal/session"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func ValidModes() []string {
	return []string{string(process.ModePipe), string(process.ModePTY)}
}

func ValidProtocols() []string {
	return []string{session.ProtocolStreamJSON, session.ProtocolMarker, session.ProtocolEOF}
}

func ValidProviders() []string {
	return []string{merge.ProviderAuto, merge.ProviderGemini, merge.ProviderOpenAI, merge.ProviderFallback}
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func ValidLogFormats() []string {
	return []string{logging.FormatText, logging.FormatJSON, logging.FormatPretty}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Party.Port < 0 || c.Party.Port > 65535 {
		add("party.port", c.Party.Port, "must be between 0 and 65535")
	}

	s := c.Session
	if strings.TrimSpace(s.Command) == "" {
		add("session.command", s.Command, "must not be empty")
	}
	if !slices.Contains(ValidModes(), s.Mode) {
		add("session.mode", s.Mode, "must be one of "+strings.Join(ValidModes(), ", "))
	}
	if !slices.Contains(ValidProtocols(), s.Protocol) {
		add("session.protocol", s.Protocol, "must be one of "+strings.Join(ValidProtocols(), ", "))
	}
	if s.Protocol == session.ProtocolMarker && strings.TrimSpace(s.EndMarker) == "" {
		add("session.end_marker", s.EndMarker, "is required by the marker protocol")
	}
	if s.WriteTimeout <= 0 {
		add("session.write_timeout", s.WriteTimeout, "must be positive")
	}
	if s.StartupGrace < 0 {
		add("session.startup_grace", s.StartupGrace, "must not be negative")
	}
	if s.ResponseTimeout < 0 {
		add("session.response_timeout", s.ResponseTimeout, "must not be negative (0 disables)")
	}
	if s.StopTimeout < 0 {
		add("session.stop_timeout", s.StopTimeout, "must not be negative")
	}

	r := c.Restart
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		add("restart.initial_backoff", r.InitialBackoff, "backoff must not be negative")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		add("restart.max_backoff", r.MaxBackoff, "must not be less than restart.initial_backoff")
	}
	if r.MaxAttempts < 0 {
		add("restart.max_attempts", r.MaxAttempts, "must not be negative (0 means unlimited)")
	}
	if r.WriteFailureThreshold < 0 {
		add("restart.write_failure_threshold", r.WriteFailureThreshold, "must not be negative")
	}

	sc := c.Scheduler
	if sc.MinPrompts < 1 {
		add("scheduler.min_prompts", sc.MinPrompts, "must be at least 1")
	}
	if sc.DedupeWindow < 0 {
		add("scheduler.dedupe_window", sc.DedupeWindow, "must not be negative")
	}
	if sc.PollInterval < 0 {
		add("scheduler.poll_interval", sc.PollInterval, "must not be negative")
	}

	if !slices.Contains(ValidProviders(), strings.ToLower(c.Merge.Provider)) {
		add("merge.provider", c.Merge.Provider, "must be one of "+strings.Join(ValidProviders(), ", "))
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		add("logging.format", c.Logging.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}

	return errs
}
