package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewSweepCommand 执行一次超时升级, 适合交给外部定时任务调用
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "扫描一次超时节点并升级",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApplication(ctx, rootOpts.config)
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.scheduler.SweepOnce(ctx)
			if err != nil {
				return errors.WithMessage(err, "sweep failed")
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
}
