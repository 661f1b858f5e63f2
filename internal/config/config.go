package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ricochet1k/concordia/internal/provider/common/claude"
	"github.com/ricochet1k/concordia/internal/provider/process"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
)

const EnvPrefix = "CONCORDIA"

// Config is the complete concordia configuration.
type Config struct {
	Party     PartyConfig     `mapstructure:"party"`
	Session   SessionConfig   `mapstructure:"session"`
	Restart   RestartConfig   `mapstructure:"restart"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PartyConfig controls the listener and the invite code.
type PartyConfig struct {
	User string `mapstructure:"user"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PublicHost goes into invite codes. Empty means detect it.
	PublicHost string `mapstructure:"public_host"`
	// Token is the invite secret. Empty means generate one per run.
	Token string `mapstructure:"token"`
}

// SessionConfig describes the interactive CLI being supervised.
type SessionConfig struct {
	Command string `mapstructure:"command"`
	// Args overrides the arguments derived from Claude.
	Args           []string          `mapstructure:"args"`
	ResumeArgs     []string          `mapstructure:"resume_args"`
	SessionIDArgs  []string          `mapstructure:"session_id_args"`
	WorkingDir     string            `mapstructure:"working_dir"`
	Mode           string            `mapstructure:"mode"`
	Protocol       string            `mapstructure:"protocol"`
	EndMarker      string            `mapstructure:"end_marker"`
	LineTerminator string            `mapstructure:"line_terminator"`
	Env            map[string]string `mapstructure:"env"`
	StripEnv       []string          `mapstructure:"strip_env"`

	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	StartupGrace    time.Duration `mapstructure:"startup_grace"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`

	Claude claude.Options `mapstructure:"claude"`
}

type RestartConfig struct {
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	WriteFailureThreshold int           `mapstructure:"write_failure_threshold"`
}

type SchedulerConfig struct {
	DedupeWindow  time.Duration `mapstructure:"dedupe_window"`
	MinPrompts    int           `mapstructure:"min_prompts"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RequeueFailed bool          `mapstructure:"requeue_failed"`
	MergeTimeout  time.Duration `mapstructure:"merge_timeout"`
}

type MergeConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	History bool   `mapstructure:"history"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Party: PartyConfig{
			User: DefaultUser(),
			Host: "0.0.0.0",
			Port: 8765,
		},
		Session: SessionConfig{
			Command:         "claude",
			ResumeArgs:      claude.ResumeArgs(process.TokenPlaceholder),
			Mode:            string(process.ModePipe),
			Protocol:        session.ProtocolStreamJSON,
			LineTerminator:  "\n",
			Env:             map[string]string{},
			StripEnv:        []string{"ANTHROPIC_API_KEY"},
			WriteTimeout:    5 * time.Second,
			StartupGrace:    2 * time.Second,
			ResponseTimeout: 10 * time.Minute,
			StopTimeout:     2 * time.Second,
			Claude: claude.Options{
				SkipPermissions: true,
			},
		},
		Restart: RestartConfig{
			InitialBackoff:        time.Second,
			MaxBackoff:            30 * time.Second,
			MaxAttempts:           5,
			WriteFailureThreshold: 3,
		},
		Scheduler: SchedulerConfig{
			DedupeWindow: 3 * time.Second,
			MinPrompts:   1,
			PollInterval: 500 * time.Millisecond,
			MergeTimeout: 60 * time.Second,
		},
		Merge: MergeConfig{
			Provider: "auto",
		},
		Storage: StorageConfig{
			DataDir: storage.DefaultBaseDir(),
			History: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("party.user", d.Party.User)
	v.SetDefault("party.host", d.Party.Host)
	v.SetDefault("party.port", d.Party.Port)
	v.SetDefault("party.public_host", d.Party.PublicHost)
	v.SetDefault("party.token", d.Party.Token)

	v.SetDefault("session.command", d.Session.Command)
	v.SetDefault("session.args", d.Session.Args)
	v.SetDefault("session.resume_args", d.Session.ResumeArgs)
	v.SetDefault("session.session_id_args", d.Session.SessionIDArgs)
	v.SetDefault("session.working_dir", d.Session.WorkingDir)
	v.SetDefault("session.mode", d.Session.Mode)
	v.SetDefault("session.protocol", d.Session.Protocol)
	v.SetDefault("session.end_marker", d.Session.EndMarker)
	v.SetDefault("session.line_terminator", d.Session.LineTerminator)
	v.SetDefault("session.env", d.Session.Env)
	v.SetDefault("session.strip_env", d.Session.StripEnv)
	v.SetDefault("session.write_timeout", d.Session.WriteTimeout)
	v.SetDefault("session.startup_grace", d.Session.StartupGrace)
	v.SetDefault("session.response_timeout", d.Session.ResponseTimeout)
	v.SetDefault("session.stop_timeout", d.Session.StopTimeout)
	v.SetDefault("session.claude.model", d.Session.Claude.Model)
	v.SetDefault("session.claude.system_prompt", d.Session.Claude.SystemPrompt)
	v.SetDefault("session.claude.append_system_prompt", d.Session.Claude.AppendSystemPrompt)
	v.SetDefault("session.claude.permission_mode", d.Session.Claude.PermissionMode)
	v.SetDefault("session.claude.allowed_tools", d.Session.Claude.AllowedTools)
	v.SetDefault("session.claude.disallowed_tools", d.Session.Claude.DisallowedTools)
	v.SetDefault("session.claude.skip_permissions", d.Session.Claude.SkipPermissions)

	v.SetDefault("restart.initial_backoff", d.Restart.InitialBackoff)
	v.SetDefault("restart.max_backoff", d.Restart.MaxBackoff)
	v.SetDefault("restart.max_attempts", d.Restart.MaxAttempts)
	v.SetDefault("restart.write_failure_threshold", d.Restart.WriteFailureThreshold)

	v.SetDefault("scheduler.dedupe_window", d.Scheduler.DedupeWindow)
	v.SetDefault("scheduler.min_prompts", d.Scheduler.MinPrompts)
	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.requeue_failed", d.Scheduler.RequeueFailed)
	v.SetDefault("scheduler.merge_timeout", d.Scheduler.MergeTimeout)

	v.SetDefault("merge.provider", d.Merge.Provider)
	v.SetDefault("merge.model", d.Merge.Model)
	v.SetDefault("merge.api_key", d.Merge.APIKey)
	v.SetDefault("merge.base_url", d.Merge.BaseURL)

	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.history", d.Storage.History)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

// Init prepares v: defaults, config file lookup, environment binding and
// the .env file holding API keys. A missing config file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	// CONCORDIA_SCHEDULER_DEDUPE_WINDOW for scheduler.dedupe_window
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	if err := LoadDotEnv(EnvPath()); err != nil {
		return err
	}
	return nil
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Party.User == "" {
		cfg.Party.User = DefaultUser()
	}
	if cfg.Session.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Session.WorkingDir = wd
		}
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = storage.DefaultBaseDir()
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// SessionArgs returns the configured arguments, or the claude stream-json
// flags when none are configured and the protocol is stream-json.
func (c *SessionConfig) SessionArgs() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	if c.Protocol == session.ProtocolStreamJSON || c.Protocol == "" {
		return claude.BuildArgs(c.Claude)
	}
	return nil
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "concordia")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concordia"
	}
	return filepath.Join(home, ".config", "concordia")
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnvPath is the .env file API keys are read from and saved to.
func EnvPath() string {
	return filepath.Join(ConfigDir(), ".env")
}

// DefaultUser is the login name, or "user".
func DefaultUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if u := os.Getenv(k); u != "" {
			return u
		}
	}
	return "user"
}
