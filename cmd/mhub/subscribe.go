package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSubscribeCmd() *cobra.Command {
	var (
		pattern     string
		sessionName string
		window      int
	)

	cmd := &cobra.Command{
		Use:   "subscribe <node>",
		Short: "Follow messages from a broker node until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := args[0]

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(interrupt)
			go func() {
				<-interrupt
				cancel()
			}()

			dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
			defer dialCancel()
			c, err := connect(dialCtx)
			if err != nil {
				return err
			}
			defer c.Close()

			// A named session keeps subscription state across reconnects
			// and switches to windowed, explicitly acked delivery.
			acked := 0
			if sessionName != "" {
				if err := c.Session(dialCtx, sessionName); err != nil {
					return err
				}
			}
			if err := c.Subscribe(dialCtx, node, pattern, "default"); err != nil {
				return err
			}
			if sessionName != "" {
				if err := c.Ack("default", acked, &window); err != nil {
					return err
				}
			}

			topicColor := color.New(color.FgCyan)
			for {
				select {
				case m, ok := <-c.Messages():
					if !ok {
						return c.Err()
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", topicColor.Sprint(m.Topic), string(m.Data))
					if sessionName != "" {
						acked = m.Seq
						if err := c.Ack("default", acked, nil); err != nil {
							return err
						}
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "topic glob filter (empty matches everything)")
	cmd.Flags().StringVar(&sessionName, "session", "", "memory session name (enables acked delivery)")
	cmd.Flags().IntVar(&window, "window", 10, "delivery window when using a session")
	return cmd
}
