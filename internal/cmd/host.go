package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/concordia/internal/api"
	"github.com/ricochet1k/concordia/internal/client"
	"github.com/ricochet1k/concordia/internal/config"
	"github.com/ricochet1k/concordia/internal/invite"
)

const (
	publicIPTimeout = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	localDialTries  = 10
	localDialDelay  = 500 * time.Millisecond
)

type hostOptions struct {
	resume      bool
	noLocalREPL bool
}

func newHostCmd(root *rootOptions) *cobra.Command {
	opts := &hostOptions{}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a party around a new session",
		Long: `Start the session CLI in the working directory, listen for participants
and print an invite code. Unless --no-local-repl is given, the host also
joins the party from this terminal.`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(root.v, cmd.Flags(), map[string]string{
				"party.user":              "user",
				"party.host":              "host",
				"party.port":              "port",
				"party.public_host":       "public-host",
				"session.working_dir":     "working-dir",
				"session.command":         "command",
				"scheduler.dedupe_window": "dedupe-window",
				"scheduler.min_prompts":   "min-prompts",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), root, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringP("user", "u", config.DefaultUser(), "your name in the party")
	f.String("host", "0.0.0.0", "address to listen on")
	f.IntP("port", "p", 8765, "port to listen on")
	f.String("public-host", "", "host to put in the invite code (default: detected)")
	f.StringP("working-dir", "C", "", "directory the session runs in (default: current directory)")
	f.String("command", "claude", "session command to run")
	f.Duration("dedupe-window", 3*time.Second, "how long to collect prompts before merging")
	f.Int("min-prompts", 1, "prompts needed before a batch is sent")
	f.BoolVar(&opts.resume, "resume", false, "resume the last session saved for the working directory")
	f.BoolVar(&opts.noLocalREPL, "no-local-repl", false, "do not join the party from this terminal")
	return cmd
}

func runHost(ctx context.Context, root *rootOptions, opts *hostOptions, stdout, stderr io.Writer) error {
	cfg, logger, closer, err := loadConfig(root.v)
	if err != nil {
		return err
	}
	defer closer.Close()

	if _, err := cfg.EnsureAPIKey(os.Stdin, stderr); err != nil {
		logger.Warn("could not save API key", "error", err)
	}

	token := cfg.Party.Token
	if token == "" {
		if token, err = invite.GenerateToken(invite.DefaultTokenLength); err != nil {
			return err
		}
	}

	res, err := buildParty(ctx, cfg, logger, opts.resume)
	if err != nil {
		return err
	}
	defer res.Close()
	party := res.party

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Party.Host, strconv.Itoa(cfg.Party.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ipCtx, cancelIP := context.WithTimeout(ctx, publicIPTimeout)
	publicHost := invite.PublicHost(ipCtx, cfg.Party.PublicHost, &http.Client{Timeout: publicIPTimeout})
	cancelIP()
	code := invite.Format(publicHost, port, token)

	hcfg := api.HandlerConfig{
		Party:      party,
		Token:      token,
		InviteCode: code,
		Logger:     logger,
	}
	if res.history != nil {
		hcfg.History = res.history
	}
	srv := &http.Server{
		Handler:           api.NewRouter(api.NewHandler(hcfg)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(stdout, party.ID(), cfg.Session.WorkingDir, ln.Addr().String(), code)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return party.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	if !opts.noLocalREPL {
		g.Go(func() error {
			// Leaving the local REPL stops the party.
			defer cancel()
			return runLocalREPL(gctx, cfg, port, token, stdout, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loopbackHost maps a wildcard listen address to one the host can dial.
func loopbackHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return host
}

func runLocalREPL(ctx context.Context, cfg *config.Config, port int, token string, out io.Writer, logger *slog.Logger) error {
	local := invite.Invite{Host: loopbackHost(cfg.Party.Host), Port: port, Token: token}
	conn, err := client.DialRetry(ctx, local.WebSocketURL(), cfg.Party.User, token, localDialTries, localDialDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("joining local party: %w", err)
	}
	defer conn.Close()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	repl := &client.REPL{
		Sender:   conn,
		Renderer: client.NewRenderer(out),
		In:       os.Stdin,
		Restart: func(ctx context.Context) (string, error) {
			return client.RestartSession(ctx, httpClient, local.BaseURL(), token)
		},
	}
	err = client.Run(ctx, conn, repl)
	if errors.Is(err, client.ErrDisconnected) {
		logger.Info("local participant disconnected", "error", err)
		return nil
	}
	return err
}

func printBanner(out io.Writer, partyID, workingDir, addr, code string) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	codeColor := color.New(color.FgGreen, color.Bold)

	title.Fprintln(out, "concordia party started")
	label.Fprint(out, "  party:     ")
	fmt.Fprintln(out, partyID)
	label.Fprint(out, "  directory: ")
	fmt.Fprintln(out, workingDir)
	label.Fprint(out, "  listening: ")
	fmt.Fprintln(out, addr)
	label.Fprint(out, "  invite:    ")
	codeColor.Fprintln(out, code)
	label.Fprintln(out, "share the invite code; others join with: concordia join <code>")
}
