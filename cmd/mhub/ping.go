package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poelstra/mhub-sub000/pkg/version"
)

func newPingCmd() *cobra.Command {
	var (
		count    int
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure broker round-trip time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var total time.Duration
			for i := 0; i < count; i++ {
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				rtt := time.Since(start)
				total += rtt
				fmt.Fprintf(cmd.OutOrStdout(), "pong %d: %s\n", i+1, color.GreenString(rtt.String()))
				if i < count-1 {
					time.Sleep(interval)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "average: %s\n", (total / time.Duration(count)).String())
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 3, "number of pings to send")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between pings")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mhub %s (%s, built %s)\n",
				version.Version, version.GetShortCommit(), version.BuildDate)
		},
	}
}
