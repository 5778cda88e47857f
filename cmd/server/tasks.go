package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"homeworkhelper/internal/config"
	"homeworkhelper/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create tables and indexes, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 打开存储时即完成迁移
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close(context.Background())
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", a.cfg.StoreDriver)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recount upvotes from the vote ledger once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		corrected, err := a.reconciler().Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "corrected %d question(s)\n", corrected)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.New(cfg.Environment, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer func() { _ = log.Sync() }()

		tok, err := newAuthenticator(cfg, log).Issue(userID, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id placed in the userId claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
