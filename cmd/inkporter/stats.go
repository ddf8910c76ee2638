package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/queue"
	"github.com/inkporter/inkporter/internal/ui"
	"github.com/inkporter/inkporter/internal/vector"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		fmt.Println(ui.Header("inkporter stats"))

		notes, err := store.CountNotes(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ui.KV("notes", notes))

		q, err := queue.New(store.UnderlyingDB(), queue.Options{MaxAttempts: cfg.QueueMaxAttempts})
		if err != nil {
			return err
		}
		depth, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ui.KV("queue depth", depth))

		done, err := q.CompletedCount(ctx)
		if err != nil {
			return err
		}
		fmt.Println(ui.KV("delivered", done))

		dead, err := q.DeadItems(ctx, 1000)
		if err != nil {
			return err
		}
		fmt.Println(ui.KV("dead letters", len(dead)))
		for _, d := range dead {
			fmt.Println(ui.KV(fmt.Sprintf("  dead %d", d.Seq), d.FinalError))
		}

		vectors, err := vector.Open(cfg.VectorsDir(), cfg.EmbedDim)
		if err != nil {
			return err
		}
		fmt.Println(ui.KV("vectors", vectors.Count()))
		_ = vectors.Close()

		gov := governor.New(store, nil, cfg.AIMonthlyTokenLimit, zerolog.Nop())
		used, err := gov.Usage(ctx)
		if err != nil {
			return err
		}
		mode, err := gov.Mode(ctx)
		if err != nil {
			return err
		}
		if cfg.AIMonthlyTokenLimit > 0 {
			fmt.Println(ui.KV("tokens this month", fmt.Sprintf("%d / %d", used, cfg.AIMonthlyTokenLimit)))
		} else {
			fmt.Println(ui.KV("tokens this month", used))
		}
		fmt.Println(ui.KV("governor mode", string(mode)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
