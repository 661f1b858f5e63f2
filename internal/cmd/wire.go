package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/ricochet1k/concordia/internal/config"
	"github.com/ricochet1k/concordia/internal/logging"
	"github.com/ricochet1k/concordia/internal/merge"
	"github.com/ricochet1k/concordia/internal/provider/process"
	"github.com/ricochet1k/concordia/internal/service"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
)

// loadConfig decodes and validates the configuration and opens the logger.
func loadConfig(v *viper.Viper) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening log: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

// newMerger builds the configured merge collaborator. A provider without a
// key degrades to the template merger instead of failing the host.
func newMerger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (merge.Merger, error) {
	m, err := merge.New(ctx, cfg.MergeSettings(), logger)
	if errors.Is(err, merge.ErrMissingAPIKey) {
		logger.Warn("merge provider has no API key; using template merge", "provider", cfg.Merge.Provider)
		return merge.Fallback{}, nil
	}
	return m, err
}

// partyResources are the stores a party holds open while it runs.
type partyResources struct {
	party   *service.Party
	history *storage.HistoryStore
}

func (r *partyResources) Close() error {
	if r.history != nil {
		return r.history.Close()
	}
	return nil
}

// buildParty turns the configuration into a ready-to-run party. With resume
// set, the last resume token saved for the working directory seeds the first
// launch.
func buildParty(ctx context.Context, cfg *config.Config, logger *slog.Logger, resume bool) (*partyResources, error) {
	workingDir, err := filepath.Abs(cfg.Session.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("resolving working dir: %w", err)
	}
	partyID := storage.PartyID(workingDir)

	records, err := storage.NewJSONFileStorage(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	var resumeToken string
	if resume {
		resumeToken, err = records.LoadResumeToken(partyID)
		switch {
		case errors.Is(err, storage.ErrResumeTokenNotFound):
			logger.Warn("no saved session to resume; starting fresh", "working_dir", workingDir)
		case err != nil:
			return nil, err
		default:
			logger.Info("resuming session", "token", resumeToken)
		}
	}

	protocol, err := session.NewProtocol(session.ProtocolConfig{
		Name:           cfg.Session.Protocol,
		EndMarker:      cfg.Session.EndMarker,
		LineTerminator: cfg.Session.LineTerminator,
	})
	if err != nil {
		return nil, err
	}

	launcher := &process.Launcher{
		Config: process.Config{
			Command:     cfg.Session.Command,
			Args:        cfg.Session.SessionArgs(),
			WorkingDir:  workingDir,
			Environment: cfg.Session.Env,
			StripEnv:    cfg.Session.StripEnv,
			Mode:        process.Mode(cfg.Session.Mode),
			StopTimeout: cfg.Session.StopTimeout,
		},
		ResumeArgs:    cfg.Session.ResumeArgs,
		SessionIDArgs: cfg.Session.SessionIDArgs,
	}

	merger, err := newMerger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	res := &partyResources{}
	pcfg := service.PartyConfig{
		ID:         partyID,
		WorkingDir: workingDir,
		MainUser:   cfg.Party.User,
		Session: session.Config{
			Protocol:              protocol,
			ResumeToken:           resumeToken,
			StartupGrace:          cfg.Session.StartupGrace,
			ResponseTimeout:       cfg.Session.ResponseTimeout,
			StopTimeout:           cfg.Session.StopTimeout,
			InitialBackoff:        cfg.Restart.InitialBackoff,
			MaxBackoff:            cfg.Restart.MaxBackoff,
			MaxRestarts:           cfg.Restart.MaxAttempts,
			WriteFailureThreshold: cfg.Restart.WriteFailureThreshold,
		},
		Launcher:      session.ProcessLauncher(launcher),
		WriteTimeout:  cfg.Session.WriteTimeout,
		Merger:        merger,
		DedupeWindow:  cfg.Scheduler.DedupeWindow,
		MinPrompts:    cfg.Scheduler.MinPrompts,
		PollInterval:  cfg.Scheduler.PollInterval,
		MergeTimeout:  cfg.Scheduler.MergeTimeout,
		RequeueFailed: cfg.Scheduler.RequeueFailed,
		Tokens:        records,
		Records:       records,
		Logger:        logger,
	}

	if cfg.Storage.History {
		res.history, err = storage.NewHistoryStore(storage.HistoryPath(cfg.Storage.DataDir), logger)
		if err != nil {
			return nil, err
		}
		pcfg.History = res.history
	}

	res.party = service.NewParty(pcfg)
	return res, nil
}
