package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/auth"
	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/ui"
	"github.com/inkporter/inkporter/internal/vector"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check local state and remote access",
	Long: `Runs the startup health checks without starting the pipeline:
the relational store opens and its migrations are current, the vector
store loads and passes its canary, and the configured git credentials
can read the remote branch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Println(ui.Header("inkporter verify"))
		failed := false

		store, err := openStore(cfg, false)
		if err != nil {
			failed = true
			fmt.Println(ui.StatusLine(false, "store", err.Error()))
		} else {
			fmt.Println(ui.StatusLine(true, "store", cfg.StorePath()))
			_ = store.Close()
		}

		vectors, err := vector.Open(cfg.VectorsDir(), cfg.EmbedDim)
		if err != nil {
			failed = true
			fmt.Println(ui.StatusLine(false, "vectors", err.Error()))
		} else {
			fmt.Println(ui.StatusLine(true, "vectors", fmt.Sprintf("%d vectors, dim %d", vectors.Count(), cfg.EmbedDim)))
			_ = vectors.Close()
		}

		if cfg.GitRemoteURL == "" {
			failed = true
			fmt.Println(ui.StatusLine(false, "git", "GIT_REMOTE_URL not set"))
		} else if tokens, err := buildTokenSource(cfg); err != nil {
			failed = true
			fmt.Println(ui.StatusLine(false, "git", auth.Redact(err.Error())))
		} else {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			err = auth.VerifyAccess(ctx, cfg.GitRemoteURL, cfg.GitBranch, tokens)
			cancel()
			if err != nil {
				failed = true
				fmt.Println(ui.StatusLine(false, "git", auth.Redact(err.Error())))
			} else {
				fmt.Println(ui.StatusLine(true, "git", fmt.Sprintf("branch %s readable", cfg.GitBranch)))
			}
		}

		if failed {
			return unavailable(errors.New("one or more checks failed"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
