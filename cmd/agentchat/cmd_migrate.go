package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/agentchat/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the SQLite database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		if cfg.Storage.Driver == "file" {
			return errors.New("migrate requires storage.driver=sqlite")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		ctx := context.Background()
		conn, res, err := db.OpenAndMigrate(ctx, cfg.StoragePath())
		if err != nil {
			return err
		}
		defer conn.Close()

		if len(res.Applied) == 0 {
			fmt.Println("Schema is up to date.")
		}
		for _, name := range res.Applied {
			fmt.Println("applied", name)
		}
		if res.Skipped > 0 {
			fmt.Printf("%d statements already applied, skipped.\n", res.Skipped)
		}

		all, err := db.Applied(ctx, conn)
		if err != nil {
			return err
		}
		fmt.Printf("%d migrations recorded in %s\n", len(all), cfg.StoragePath())
		return nil
	},
}
