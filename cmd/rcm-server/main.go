package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zenthea/rcm/internal/config"
	"github.com/zenthea/rcm/internal/domain/access"
	"github.com/zenthea/rcm/internal/domain/billing"
	"github.com/zenthea/rcm/internal/platform/auth"
	"github.com/zenthea/rcm/internal/platform/cache"
	"github.com/zenthea/rcm/internal/platform/db"
	"github.com/zenthea/rcm/internal/platform/metrics"
	"github.com/zenthea/rcm/internal/platform/middleware"
	"github.com/zenthea/rcm/migrations"
)

const requestBodyLimit = "1M"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rcm-server",
		Short: "Revenue cycle billing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(invoicesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// migrationSource prefers an on-disk directory so schema changes can be
// tried without rebuilding; the embedded set is the default.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func formatStatus(s db.MigrationStatus) string {
	status := "pending"
	appliedAt := ""
	if s.Applied {
		status = "applied"
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
	}
	return fmt.Sprintf("%-10d %-40s %-10s %s", s.Version, s.Name, status, appliedAt)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				fmt.Println(formatStatus(s))
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			return nil
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			if !db.ValidTenantID(id) {
				return fmt.Errorf("invalid tenant id %q: use letters, digits or underscore", id)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenant(ctx, pool, id, name); err != nil {
				return err
			}
			fmt.Printf("Tenant %s registered.\n", id)
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Tenant identifier (letters, digits or underscore)")
	createCmd.Flags().String("name", "", "Display name (defaults to the identifier)")

	cmd.AddCommand(createCmd)
	return cmd
}

func invoicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Invoice maintenance jobs",
	}

	overdueCmd := &cobra.Command{
		Use:   "mark-overdue",
		Short: "Flag unpaid invoices past their due date",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenantID == "" {
				tenantID = cfg.DefaultTenant
			}
			logger := newLogger(cfg.Env, os.Stderr)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := buildService(ctx, cfg, pool, nil, logger)
			if err != nil {
				return err
			}
			n, err := svc.MarkOverdueInvoices(ctx, tenantID, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d invoice(s) overdue in tenant %s.\n", n, tenantID)
			return nil
		},
	}
	overdueCmd.Flags().String("tenant", "", "Tenant to sweep (defaults to DEFAULT_TENANT)")

	cmd.AddCommand(overdueCmd)
	return cmd
}

// buildService wires the billing service. bm may be nil for one-shot jobs.
func buildService(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, bm *metrics.BillingMetrics, logger zerolog.Logger) (*billing.Service, error) {
	numbers, err := billing.NewSnowflakeGenerator(cfg.SnowflakeNode)
	if err != nil {
		return nil, err
	}

	guard := access.NewGuard(access.NewDirectoryPG(pool))
	if bm != nil {
		guard.SetObserver(bm)
	}

	svc := billing.NewService(
		billing.NewClaimRepoPG(pool),
		billing.NewInvoiceRepoPG(pool),
		billing.NewPaymentRepoPG(pool),
		billing.NewReferenceRepoPG(pool),
		guard,
		db.NewTxRunner(pool),
		numbers,
	)
	svc.SetSplit(billing.PercentSplit(int64(cfg.PatientSharePercent)))
	svc.SetInvoiceDueDays(cfg.InvoiceDueDays)
	svc.SetLogger(logger.With().Str("component", "billing").Logger())
	if bm != nil {
		svc.SetMetrics(bm)
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		svc.SetCache(cache.New(client, cfg.RCMCacheTTL))
	}
	return svc, nil
}

// registerOps mounts the unauthenticated operational endpoints.
func registerOps(e *echo.Echo, gatherer prometheus.Gatherer, p db.Pinger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(p))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bm := metrics.NewBillingMetrics(reg)

	svc, err := buildService(ctx, cfg, pool, bm, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build billing service")
	}
	if cfg.RedisURL != "" {
		logger.Info().Dur("ttl", cfg.RCMCacheTTL).Msg("rcm result cache enabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(requestBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Tenant-ID", "X-Request-ID"},
	}))
	e.Use(bm.Middleware())

	// Auth
	switch cfg.ResolvedAuthMode() {
	case "development":
		logger.Warn().Msg("development auth mode: identity is taken from request headers")
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	registerOps(e, reg, pool)

	api := e.Group("/api/v1", db.TenantMiddleware(pool, cfg.DefaultTenant))
	billing.NewHandler(svc).RegisterRoutes(api)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
