package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Admiral9633/fragebogen/internal/config"
	"github.com/Admiral9633/fragebogen/internal/domain/questionnaire"
	"github.com/Admiral9633/fragebogen/internal/platform/auth"
	"github.com/Admiral9633/fragebogen/internal/platform/db"
	"github.com/Admiral9633/fragebogen/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fragebogen-server",
		Short:        "Traffic-medicine questionnaire API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(sessionCmd())
	return rootCmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the questionnaire API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg.Env))
		},
	}
}

// migrationFiles prefers MIGRATIONS_DIR over the embedded schema.
func migrationFiles(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(cfg)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(cfg)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd, statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-8s %-40s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-8d %-40s %-8s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage admin tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint an admin bearer token signed with ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.AdminJWTTTL
			}
			token, expires, err := auth.IssueAdminToken([]byte(cfg.AdminJWTSecret), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().String("subject", "", "Staff member the token is issued to")
	issue.Flags().Duration("ttl", 0, "Token lifetime (default ADMIN_JWT_TTL)")
	_ = issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage questionnaire sessions",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print the patient link",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("session create needs STORAGE=%s, a %s store would be discarded on exit", config.StoragePostgres, cfg.Storage)
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := buildService(cfg, questionnaire.NewPGRepo(pool), logger, nil, loc)
			if err != nil {
				return err
			}
			sess, inv, err := svc.CreateSession(ctx, id, time.Now())
			if err != nil {
				return err
			}
			// Let a pending invitation finish before the process exits.
			svc.Wait()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, svc.Link(sess.Token))
			fmt.Fprintf(out, "expires %s\n", sess.ExpiresAt.In(loc).Format("02.01.2006 15:04"))
			if inv.Attempted {
				fmt.Fprintf(out, "invitation sent=%t pending=%t %s\n", inv.Sent, inv.Pending, inv.Error)
			}
			return nil
		},
	}
	create.Flags().String("last", "", "Patient last name")
	create.Flags().String("first", "", "Patient first name")
	create.Flags().String("email", "", "Patient email for the invitation")
	create.Flags().String("birth-date", "", "Birth date (YYYY-MM-DD or DD.MM.YYYY)")
	_ = create.MarkFlagRequired("last")
	_ = create.MarkFlagRequired("first")

	cmd.AddCommand(create)
	return cmd
}

func identityFromFlags(cmd *cobra.Command) (questionnaire.Identity, error) {
	last, _ := cmd.Flags().GetString("last")
	first, _ := cmd.Flags().GetString("first")
	email, _ := cmd.Flags().GetString("email")
	birth, _ := cmd.Flags().GetString("birth-date")

	id := questionnaire.Identity{LastName: last, FirstName: first, Email: strings.TrimSpace(email)}
	if birth = strings.TrimSpace(birth); birth != "" {
		d, err := questionnaire.ParseDate(birth)
		if err != nil {
			return id, fmt.Errorf("--birth-date: %w", err)
		}
		id.BirthDate = &d
	}
	return id, nil
}
