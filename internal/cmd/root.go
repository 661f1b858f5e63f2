package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ricochet1k/concordia/internal/config"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

// NewRootCmd builds the concordia command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}

	root := &cobra.Command{
		Use:   "concordia",
		Short: "Multi-user prompt party for an interactive coding CLI",
		Long: `Concordia hosts one interactive CLI session that several people drive
together. Prompts sent within a short window are merged into one request,
and everyone sees the same output.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Init(opts.v, opts.cfgFile)
		},
	}
	root.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/concordia/config.yaml)")

	root.AddCommand(
		newHostCmd(opts),
		newJoinCmd(opts),
		newHistoryCmd(opts),
		newSummaryCmd(opts),
		newInviteCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return NewRootCmd().ExecuteContext(ctx)
}

// bindFlags maps config keys to the running command's flags. Binding happens
// in PreRunE so commands sharing a key do not override each other.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, flag := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}
