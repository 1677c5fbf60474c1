package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tapcast/broker/internal/mock"
)

type SimulateFlags struct {
	Rate       time.Duration
	CrashAfter int
	Seed       int64
}

func newSimulateCommand() *cobra.Command {
	flags := &SimulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write synthetic probe output to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen := mock.NewGenerator(cmd.OutOrStdout(), mock.Options{
				Rate:       flags.Rate,
				CrashAfter: flags.CrashAfter,
				Seed:       flags.Seed,
			})
			return gen.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&flags.Rate, "rate", 200*time.Millisecond, "interval between event batches")
	cmd.Flags().IntVar(&flags.CrashAfter, "crash-after", 0, "exit non-zero after this many telemetry lines (0 = never)")
	cmd.Flags().Int64Var(&flags.Seed, "seed", 0, "random seed (0 = time based)")
	return cmd
}
