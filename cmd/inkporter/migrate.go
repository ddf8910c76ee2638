package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inkporter/inkporter/internal/config"
	"github.com/inkporter/inkporter/internal/storage/sqlite"
)

var migrateAllowMismatch bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Opens the relational store, applies any pending migrations and lists
every registered migration with its status.

A checksum mismatch on an already-applied migration means the database
was produced by a different build; the command aborts with exit code 65
unless --allow-checksum-mismatch is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, migrateAllowMismatch)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, m := range sqlite.ListMigrations(store.UnderlyingDB()) {
			status := "pending"
			if m.Applied {
				status = "applied"
			}
			fmt.Printf("%-48s %s\n", m.Name, status)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateAllowMismatch, "allow-checksum-mismatch", false,
		"accept applied migrations whose recorded checksums no longer match (recovered databases)")
	rootCmd.AddCommand(migrateCmd)
}
