package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ricochet1k/concordia/internal/client"
	"github.com/ricochet1k/concordia/internal/config"
	"github.com/ricochet1k/concordia/internal/invite"
)

func newJoinCmd(root *rootOptions) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a party with an invite code",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(root.v, cmd.Flags(), map[string]string{
				"party.user": "user",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := invite.Parse(args[0])
			if err != nil {
				return err
			}
			return runJoin(cmd.Context(), joinOptions{
				invite: inv,
				user:   root.v.GetString("party.user"),
				plain:  plain,
				in:     cmd.InOrStdin(),
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
			})
		},
	}
	cmd.Flags().StringP("user", "u", config.DefaultUser(), "your name in the party")
	cmd.Flags().BoolVar(&plain, "plain", false, "use the line-based prompt instead of the full-screen interface")
	return cmd
}

type joinOptions struct {
	invite invite.Invite
	user   string
	plain  bool
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func runJoin(ctx context.Context, opts joinOptions) error {
	user := opts.user
	if user == "" {
		user = config.DefaultUser()
	}
	conn, err := client.Dial(ctx, opts.invite.WebSocketURL(), user, opts.invite.Token)
	if err != nil {
		return err
	}
	defer conn.Close()

	in := opts.in
	if in == nil {
		in = os.Stdin
	}
	feed := client.NewFeed(conn)

	if !opts.plain && isTerminal(in) && isTerminal(opts.out) {
		err := client.RunTUI(ctx, feed, client.TUIConfig{
			Sender: conn,
			Self:   user,
			In:     in,
			Out:    opts.out,
		})
		if !errors.Is(err, client.ErrTUIUnavailable) {
			return err
		}
		if opts.errOut != nil {
			fmt.Fprintf(opts.errOut, "%v; using the plain prompt\n", err)
		}
	}

	repl := &client.REPL{
		Sender:   conn,
		Renderer: client.NewRenderer(opts.out),
		In:       in,
	}
	return client.Run(ctx, feed, repl)
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
