package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/concordia/internal/invite"
)

func newInviteCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite [CODE]",
		Short: "Decode an invite code, or make one for the configured host",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(root.v, cmd.Flags(), map[string]string{
				"party.public_host": "public-host",
				"party.port":        "port",
				"party.token":       "token",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return describeInvite(cmd.OutOrStdout(), args[0])
			}
			host := root.v.GetString("party.public_host")
			if host == "" {
				host = invite.GuessLocalHost()
			}
			token := root.v.GetString("party.token")
			if token == "" {
				var err error
				if token, err = invite.GenerateToken(invite.DefaultTokenLength); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), invite.Format(host, root.v.GetInt("party.port"), token))
			return nil
		},
	}
	f := cmd.Flags()
	f.String("public-host", "", "host to put in the code (default: local address)")
	f.IntP("port", "p", 8765, "port to put in the code")
	f.String("token", "", "token to put in the code (default: random)")
	return cmd
}

func describeInvite(out io.Writer, code string) error {
	inv, err := invite.Parse(code)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "host:      %s\n", inv.Host)
	fmt.Fprintf(out, "port:      %d\n", inv.Port)
	fmt.Fprintf(out, "token:     %s\n", inv.Token)
	fmt.Fprintf(out, "websocket: %s\n", inv.WebSocketURL())
	return nil
}
