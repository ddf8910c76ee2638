package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/types"
)

var replayDeadCmd = &cobra.Command{
	Use:   "replay-dead <seq>",
	Short: "Re-enqueue a dead-lettered item",
	Long: `Moves one item from the dead-letter table back onto the queue with a
fresh attempt counter. The sequence number comes from the stats
command or the dead_items table.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return types.NewValidationError("seq", "must be an integer")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		q, err := queue.New(store.UnderlyingDB(), queue.Options{MaxAttempts: cfg.QueueMaxAttempts})
		if err != nil {
			return err
		}
		newSeq, err := q.ReplayDead(cmd.Context(), seq)
		if err != nil {
			return err
		}
		fmt.Printf("dead item %d re-enqueued as %d\n", seq, newSeq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayDeadCmd)
}
