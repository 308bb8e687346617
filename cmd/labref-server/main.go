package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ehr/labref/internal/config"
	"github.com/ehr/labref/internal/domain/refrange"
	"github.com/ehr/labref/internal/platform/db"
	"github.com/ehr/labref/internal/platform/middleware"
	"github.com/ehr/labref/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "labref-server",
		Short:        "Laboratory reference range service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(rangesCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reference range API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig loads and validates configuration, then installs the process
// logger so every command logs the same way.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	log.Logger = logger
	return cfg, logger, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// newMigrator reads migrations from dir when set and from the set embedded
// in the binary otherwise.
func newMigrator(pool *pgxpool.Pool, dir string) *db.Migrator {
	if dir == "" {
		return db.NewMigratorFS(pool, migrations.FS)
	}
	return db.NewMigrator(pool, dir)
}

func loadPolicy(path string) (*refrange.Policy, error) {
	if path == "" {
		return nil, nil
	}
	return refrange.LoadPolicyFile(path)
}

func newService(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (*refrange.Service, error) {
	policy, err := loadPolicy(cfg.CoveragePolicyFile)
	if err != nil {
		return nil, err
	}
	return refrange.NewService(refrange.NewRepo(pool), policy, refrange.CacheConfig{
		Size: cfg.RangeCacheSize,
		TTL:  cfg.RangeCacheTTL,
	}, logger)
}

func tenantFlag(cmd *cobra.Command, cfg *config.Config) string {
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		return cfg.DefaultTenant
	}
	return tenant
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		tenant := tenantFlag(cmd, cfg)
		if !db.ValidTenantID(tenant) {
			return fmt.Errorf("invalid tenant identifier: %s", tenant)
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		return fn(ctx, newMigrator(pool, dir), db.TenantSchema(tenant))
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	cmd.AddCommand(statusCmd)

	// migrate down
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recently applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, _ := cmd.Flags().GetInt("steps")
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				count, err := m.Down(ctx, schema, steps)
				if err != nil {
					return fmt.Errorf("rollback failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reverted %d migration(s) on schema %s.\n", count, schema)
				return nil
			})
		},
	}
	downCmd.Flags().Int("steps", 1, "Number of migrations to revert")
	cmd.AddCommand(downCmd)

	for _, c := range cmd.Commands() {
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
		c.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR, then the embedded set)")
	}
	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.TenantSchema(name)
			if err := db.CreateTenantSchema(ctx, pool, name, ""); err != nil {
				return err
			}
			count, err := newMigrator(pool, cfg.MigrationsDir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", schema, err)
			}
			logger.Info().Str("tenant", name).Int("migrations", count).Msg("tenant created")
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created in schema %s (%d migration(s) applied).\n", name, schema, count)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric and underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

// rangesCmd groups the batch maintenance operations. Each runs against a
// single tenant and prints its report as JSON.
func rangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranges",
		Short: "Reference range maintenance",
	}

	dedupeCmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Remove duplicate reference ranges, keeping the earliest of each group",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return runRanges(cmd, func(ctx context.Context, svc *refrange.Service) (any, error) {
				return svc.Deduplicate(ctx, dryRun)
			})
		},
	}
	dedupeCmd.Flags().Bool("dry-run", false, "Report duplicates without deleting them")
	cmd.AddCommand(dedupeCmd)

	synthCmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Fill missing age/sex coverage of a study from a canonical panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			panel, _ := cmd.Flags().GetString("panel")
			if panel == "" {
				return fmt.Errorf("--panel is required")
			}
			rawStudy, _ := cmd.Flags().GetString("study")
			if rawStudy == "" {
				return fmt.Errorf("--study is required")
			}
			studyID, err := uuid.Parse(rawStudy)
			if err != nil {
				return fmt.Errorf("invalid --study: %w", err)
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return runRanges(cmd, func(ctx context.Context, svc *refrange.Service) (any, error) {
				return svc.SynthesizeCoverage(ctx, panel, studyID, dryRun)
			})
		},
	}
	synthCmd.Flags().String("panel", "", "Canonical panel code (see GET /api/v1/panels)")
	synthCmd.Flags().String("study", "", "Study id")
	synthCmd.Flags().Bool("dry-run", false, "Report what would be created without writing")
	cmd.AddCommand(synthCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "audit",
		Short: "Report parameters and studies whose ranges cover a single sex",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRanges(cmd, func(ctx context.Context, svc *refrange.Service) (any, error) {
				return svc.AuditExclusivity(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Report malformed reference ranges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRanges(cmd, func(ctx context.Context, svc *refrange.Service) (any, error) {
				return svc.ValidateRanges(ctx)
			})
		},
	})

	for _, c := range cmd.Commands() {
		c.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	}
	return cmd
}

func runRanges(cmd *cobra.Command, fn func(ctx context.Context, svc *refrange.Service) (any, error)) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	tenant := tenantFlag(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := newService(pool, cfg, logger.With().Str("tenant", tenant).Logger())
	if err != nil {
		return err
	}

	var out any
	err = db.WithTenant(ctx, pool, tenant, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx, svc)
		return err
	})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newServer assembles the echo instance. Tenant scoping applies to the API
// group only so health checks work before any tenant schema exists.
func newServer(cfg *config.Config, pool *pgxpool.Pool, svc *refrange.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, cfg.DefaultTenant))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout,
		"/api/v1/reference-ranges/deduplicate",
		"/api/v1/studies/:id/coverage",
	))
	apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	refrange.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	svc, err := newService(pool, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build reference range service")
		return err
	}
	logger.Info().Str("policy_version", svc.Policy().Version).Int("cache_size", cfg.RangeCacheSize).Dur("cache_ttl", cfg.RangeCacheTTL).Msg("reference range engine ready")

	e := newServer(cfg, pool, svc, logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
