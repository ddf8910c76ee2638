package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/ai"
	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/embedding"
	"github.com/inkporter/inkporter/internal/governor"
	"github.com/inkporter/inkporter/internal/logging"
	"github.com/inkporter/inkporter/internal/syncer"
	"github.com/inkporter/inkporter/internal/types"
	"github.com/inkporter/inkporter/internal/vector"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one vector sync pass",
	Long: `Embeds notes whose vectors are stale, purges vectors of deleted
notes and compacts the vector log if needed, then exits. The same pass
runs periodically inside "run"; this command is for catching up after
downtime without starting the pipeline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.OpenAIAPIKey == "" {
			return types.NewConfigError("OPENAI_API_KEY", "required for embeddings")
		}
		log := logging.New(cfg.LogDir(), cfg.LogLevel)

		store, err := openStore(cfg, false)
		if err != nil {
			return err
		}
		defer store.Close()

		vectors, err := vector.Open(cfg.VectorsDir(), cfg.EmbedDim)
		if err != nil {
			return err
		}
		defer vectors.Close()

		embedder, err := ai.NewOpenAIEmbedder(cfg.OpenAIAPIKey, "text-embedding-3-small",
			ai.WithEmbedDimension(cfg.EmbedDim))
		if err != nil {
			return err
		}
		costs, err := loadCostTable(cfg)
		if err != nil {
			return err
		}
		gov := governor.New(store, costs, cfg.AIMonthlyTokenLimit, log)
		embeds := embedding.New(embedder, gov, log, 1024, time.Hour)

		vecSync := syncer.New(store, vectors, embeds, log, syncer.DefaultInterval)
		if err := vecSync.Reconcile(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("reconciled, %d vectors indexed\n", vectors.Count())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
