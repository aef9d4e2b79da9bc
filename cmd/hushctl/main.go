// Command hushctl is the hush operations CLI.
//
// Usage:
//
//	hushctl schema apply
//	hushctl deliver
//	hushctl deliver --loop --interval 10s
//	hushctl tune
//	hushctl tuning
//	hushctl offers expire
//	hushctl health
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/hush/internal/app"
	"github.com/albapepper/hush/internal/config"
	"github.com/albapepper/hush/internal/db"
	"github.com/albapepper/hush/internal/ghost"
	"github.com/albapepper/hush/internal/maintenance"
	"github.com/albapepper/hush/internal/store"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "hushctl",
		Short:        "hush operations CLI",
		SilenceUsage: true,
	}

	root.AddCommand(schemaCmd())
	root.AddCommand(deliverCmd())
	root.AddCommand(tuneCmd())
	root.AddCommand(tuningCmd())
	root.AddCommand(offersCmd())
	root.AddCommand(healthCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// schema command
// --------------------------------------------------------------------------

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Apply the embedded idempotent schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("schema apply requires HUSH_STORE=postgres")
			}
			if err := db.ApplySchemaURL(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// deliver command
// --------------------------------------------------------------------------

func deliverCmd() *cobra.Command {
	var (
		loop     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Run ghost delivery once, or in a loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				if loop {
					gc := a.Config.Ghost
					if interval > 0 {
						gc.PollInterval = interval
					}
					return ghost.New(a.Repo, gc, logger).Run(ctx)
				}
				res, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Info("Delivery tick finished",
					"claimed", res.Claimed, "delivered", res.Delivered, "deferred", res.Deferred)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep delivering until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval for --loop (default from config)")
	return cmd
}

// --------------------------------------------------------------------------
// tune / tuning commands
// --------------------------------------------------------------------------

func tuneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tune",
		Short: "Run the health tuning loop once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				return maintenance.RunTuning(ctx, a.Tuner, logger)
			})
		},
	}
}

func tuningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tuning",
		Short: "Print the current matching tuning and rolling health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetMatchingTuning(ctx)
				if err != nil {
					return err
				}
				h, err := a.Repo.GetGlobalMatchingHealth(ctx, time.Now().UTC(), a.Config.Tuning.WindowDays)
				if err != nil {
					return err
				}
				return printJSON(cmd, tuningView{Tuning: t, Health: h, WindowDays: a.Config.Tuning.WindowDays})
			})
		},
	}
}

type tuningView struct {
	Tuning     store.Tuning `json:"tuning"`
	Health     store.Health `json:"health"`
	WindowDays int          `json:"window_days"`
}

// --------------------------------------------------------------------------
// offers command
// --------------------------------------------------------------------------

func offersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "Manage second-touch offers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Expire unused offers past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				return maintenance.ExpireOffers(ctx, a.SecondTouch, logger)
			})
		},
	})
	return cmd
}

// --------------------------------------------------------------------------
// health command
// --------------------------------------------------------------------------

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check repository and KV connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app.App) error {
				status := map[string]string{"database": "connected", "kv": "connected"}
				var failed bool
				if err := a.Repo.Ping(ctx); err != nil {
					status["database"] = "disconnected"
					failed = true
				}
				if err := a.KV.Ping(ctx); err != nil {
					status["kv"] = "disconnected"
					failed = true
				}
				if err := printJSON(cmd, status); err != nil {
					return err
				}
				if failed {
					return fmt.Errorf("health check failed")
				}
				return nil
			})
		},
	}
}

// --------------------------------------------------------------------------
// helpers
// --------------------------------------------------------------------------

func runApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
