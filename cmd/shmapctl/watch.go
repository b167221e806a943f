package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shmap/shmap"
	"github.com/shmap/shmap/internal/xcmd"
)

var watchFlags struct {
	interval time.Duration
}

// watchCmd polls ApplyUpdate on an interval and prints the status snapshot
// whenever the full-dump generation or stream position moves, until the
// process receives SIGINT/SIGTERM. This is shmapctl's long-running command,
// the counterpart of a server's request loop: it needs the same graceful
// shutdown-on-signal handling rather than a one-shot RunE.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the map and print a status line whenever it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMap(cmd, shmap.MustAttach)
		if err != nil {
			return err
		}
		defer m.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			err := xcmd.WaitInterrupted(ctx)
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				fmt.Println("received", interrupted.Signal, ", stopping")
			}
			cancel()
		}()

		var lastGen, lastPos uint64
		ticker := time.NewTicker(watchFlags.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := m.ApplyUpdate(); err != nil {
					return err
				}
				status := m.Status()
				if status.FullDumpGeneration != lastGen || status.StreamPosition != lastPos {
					lastGen, lastPos = status.FullDumpGeneration, status.StreamPosition
					if err := printJSON(status); err != nil {
						return err
					}
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchFlags.interval, "interval", 500*time.Millisecond, "Poll interval")
	rootCmd.AddCommand(watchCmd)
}
