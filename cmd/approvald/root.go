package main

import (
	"log/slog"
	"os"

	"github.com/blingmoon/buyplan-approval/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string

	config *config.Config
}

// NewRootCommand creates the root command for approvald.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "approvald",
		Short:         "买货计划审批服务",
		Long:          "Approval workflow service for budgets, OTB plans and SKU proposals.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.ConfigFile)
			if err != nil {
				return err
			}
			opts.config = cfg
			setupLogger(cfg.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to config file (default ./approval.yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	return cmd
}

func setupLogger(cfg config.LogConfig) {
	handlerOpts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}
