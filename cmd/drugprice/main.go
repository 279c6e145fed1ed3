package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/drugprice/drugprice/internal/config"
	"github.com/drugprice/drugprice/internal/domain/drug"
	"github.com/drugprice/drugprice/internal/domain/pipeline"
	"github.com/drugprice/drugprice/internal/platform/auth"
	"github.com/drugprice/drugprice/internal/platform/cache"
	"github.com/drugprice/drugprice/internal/platform/db"
	"github.com/drugprice/drugprice/internal/platform/metrics"
	"github.com/drugprice/drugprice/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drugprice",
		Short: "Medicaid drug utilization pricing service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(optimizeCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger builds the process logger. Development gets the console writer,
// everything else emits JSON.
func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// migrationsFS returns the on-disk directory when one is configured and the
// embedded migrations otherwise.
func migrationsFS(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

// app holds the wired dependencies shared by the server and the one-shot
// pipeline commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	pipeline *pipeline.Service
	drugs    *drug.Service
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newStores(pool *pgxpool.Pool) pipeline.Stores {
	return pipeline.Stores{
		Raw:         drug.NewRawRepoPG(pool),
		Definitions: drug.NewDefinitionRepoPG(pool),
		Prices:      drug.NewPriceRepoPG(pool),
		Summaries:   drug.NewSummaryRepoPG(pool),
	}
}

// newApp loads config, connects to postgres and redis, and wires the
// services. Callers must Close the result.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, closers: []func(){pool.Close}}
	logger.Info().Msg("connected to database")

	if cfg.AutoMigrate {
		n, err := db.NewMigrator(pool, migrationsFS(cfg)).Up(ctx)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	m := metrics.Default()
	stores := newStores(pool)

	a.pipeline = pipeline.NewService(stores, pipeline.Config{
		SourceFile:  cfg.SourceFile,
		BatchSize:   cfg.ImportBatchSize,
		Concurrency: cfg.ImportConcurrency,
	}, logger.With().Str("component", "pipeline").Logger())
	a.pipeline.SetMetrics(m)

	a.drugs = drug.NewService(stores.Definitions, stores.Prices, stores.Summaries)
	a.drugs.SetMetrics(m)
	a.drugs.SetLogger(logger.With().Str("component", "drugs").Logger())

	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		rc := cache.NewRankingCache(client, cfg.RankingCacheTTL)
		a.drugs.SetRankingCache(rc)
		a.pipeline.SetCacheInvalidator(rc)
		logger.Info().Dur("ttl", cfg.RankingCacheTTL).Msg("ranking cache enabled")
	}

	return a, nil
}

func printRun(run *pipeline.Run) {
	fmt.Printf("operation: %s\n", run.Operation)
	fmt.Printf("state:     %s\n", run.State)
	if run.Ingest != nil {
		if run.Ingest.Skipped {
			fmt.Println("ingest:    skipped (source file not found)")
		} else {
			fmt.Printf("ingest:    read=%d inserted=%d dropped=%d\n",
				run.Ingest.Read, run.Ingest.Inserted, run.Ingest.Dropped)
		}
	}
	if run.FinishedAt != nil {
		fmt.Printf("duration:  %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Printf("error:     %s\n", run.Error)
	}
}

func printStats(st drug.Stats) {
	fmt.Printf("%-14s %d\n", "raw records", st.Raw)
	fmt.Printf("%-14s %d\n", "definitions", st.Definitions)
	fmt.Printf("%-14s %d\n", "prices", st.Prices)
	fmt.Printf("%-14s %d\n", "summaries", st.Summaries)
}

// pipelineCmd builds a one-shot command that runs fn against a freshly
// wired app.
func pipelineCmd(use, short string, fn func(ctx context.Context, a *app) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(ctx, a)
		},
	}
}

func importCmd() *cobra.Command {
	return pipelineCmd("import", "Clear, ingest the source file and rebuild derived tables",
		func(ctx context.Context, a *app) error {
			run, err := a.pipeline.Import(ctx)
			if run != nil {
				printRun(run)
			}
			return err
		})
}

func optimizeCmd() *cobra.Command {
	return pipelineCmd("optimize", "Rebuild definitions, prices and summaries from raw records",
		func(ctx context.Context, a *app) error {
			run, err := a.pipeline.Optimize(ctx)
			if run != nil {
				printRun(run)
			}
			return err
		})
}

func clearCmd() *cobra.Command {
	return pipelineCmd("clear", "Delete all raw and derived records",
		func(ctx context.Context, a *app) error {
			if err := a.pipeline.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("All tables cleared.")
			return nil
		})
}

func statsCmd() *cobra.Command {
	return pipelineCmd("stats", "Show row counts for every table",
		func(ctx context.Context, a *app) error {
			st, err := a.pipeline.Stats(ctx)
			if err != nil {
				return err
			}
			printStats(st)
			return nil
		})
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			roles, _ := cmd.Flags().GetStringSlice("role")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is required to issue tokens")
			}

			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "admin", "Token subject")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringSlice("role", []string{auth.RoleAdmin}, "Roles granted by the token")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}
