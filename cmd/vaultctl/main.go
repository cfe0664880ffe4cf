// vaultctl is the operator tool for a Web Vault deployment: it mints vault
// tokens, hashes the admin key and inspects tree snapshots.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kevinMEH/web-vault/internal/auth"
	"github.com/kevinMEH/web-vault/internal/backup"
	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

const (
	flagVault       = "vault"
	flagTTL         = "ttl"
	flagSecret      = "secret"
	flagBackend     = "backend"
	flagDatabaseURL = "database-url"
)

func main() {
	logging.InitNop()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	r := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operator tool for Web Vault",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	r.AddCommand(tokenCmd(), hashAdminKeyCmd(), snapshotCmd())

	return r
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := cmd.Flags().GetString(flagVault)
			if err != nil {
				return err
			}
			if !vfs.ValidSegment(vault) {
				return fmt.Errorf("invalid vault name %q", vault)
			}
			ttl, err := cmd.Flags().GetDuration(flagTTL)
			if err != nil {
				return err
			}
			secret, err := cmd.Flags().GetString(flagSecret)
			if err != nil {
				return err
			}
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}

			token, expires, err := auth.New(secret, nil, "").Issue(vault, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().String(flagVault, "", "vault the token grants access to")
	c.Flags().Duration(flagTTL, 24*time.Hour, "token lifetime")
	c.Flags().String(flagSecret, "", "JWT signing secret (default $JWT_SECRET)")
	c.MarkFlagRequired(flagVault)

	return c
}

func hashAdminKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-admin-key [key]",
		Short: "Print the bcrypt hash to set as ADMIN_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAdminKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot subcommands",
	}

	c.AddCommand(inspectCmd())

	return c
}

func inspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect [path]",
		Short: "Summarize the latest snapshot in a backup store",
		Long: "Summarize the latest snapshot. path is the snapshot file for the file backend " +
			"or the database directory for the badger backend; postgres uses --database-url.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := cmd.Flags().GetString(flagBackend)
			if err != nil {
				return err
			}
			databaseURL, err := cmd.Flags().GetString(flagDatabaseURL)
			if err != nil {
				return err
			}
			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := openStore(ctx, backend, path, databaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := store.Load(ctx)
			if err != nil {
				return err
			}
			snap, err := backup.Decode(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stats := backup.Summarize(snap)
			fmt.Fprintf(out, "store:       %s\n", store.Type())
			fmt.Fprintf(out, "created:     %s\n", snap.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "vaults:      %d\n", stats.Vaults)
			fmt.Fprintf(out, "directories: %d\n", stats.Directories)
			fmt.Fprintf(out, "files:       %d\n", stats.Files)
			fmt.Fprintf(out, "bytes:       %d\n", stats.Bytes)
			if bs, ok := store.(*backup.BadgerStore); ok {
				if n, err := bs.History(); err == nil {
					fmt.Fprintf(out, "history:     %d\n", n)
				}
			}
			return nil
		},
	}

	c.Flags().String(flagBackend, "file", "backup store type (file, badger or postgres)")
	c.Flags().String(flagDatabaseURL, os.Getenv("DATABASE_URL"), "PostgreSQL URL for the postgres backend")

	return c
}

func openStore(ctx context.Context, backend, path, databaseURL string) (backup.Store, error) {
	switch backend {
	case "file", "badger":
		if path == "" {
			return nil, fmt.Errorf("path is required for the %s backend", backend)
		}
		if backend == "file" {
			return backup.NewFileStore(path)
		}
		return backup.NewBadgerStore(path)
	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
		}
		return backup.NewPostgresStore(ctx, databaseURL)
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}
