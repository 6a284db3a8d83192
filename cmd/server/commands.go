package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iliyamo/bookstore-auth/internal/config"
	"github.com/iliyamo/bookstore-auth/internal/database"
	"github.com/iliyamo/bookstore-auth/internal/security"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", v)
			}
			return nil
		},
	}
}

// hashPasswordCmd prints a PHC hash for seeding accounts. The password
// is read from the first line of stdin so it stays out of shell history.
func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password read from stdin with the configured Argon2id costs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hc, err := config.LoadHashing()
			if err != nil {
				return err
			}
			hasher, err := security.NewHasher(hc.Params(), 1)
			if err != nil {
				return err
			}

			in := bufio.NewScanner(cmd.InOrStdin())
			if !in.Scan() {
				if err := in.Err(); err != nil {
					return err
				}
				return errors.New("no password on stdin")
			}
			pw := strings.TrimRight(in.Text(), "\r")
			if pw == "" {
				return errors.New("empty password")
			}

			hash, err := hasher.Hash(cmd.Context(), pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
