package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amir0631/noskhe-resan-backend/internal/config"
	"github.com/amir0631/noskhe-resan-backend/internal/domain/pharmacy"
	"github.com/amir0631/noskhe-resan-backend/internal/domain/prescription"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/auth"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/db"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/events"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/middleware"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/reporting"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/telemetry"
	"github.com/amir0631/noskhe-resan-backend/internal/platform/websocket"
	"github.com/amir0631/noskhe-resan-backend/migrations"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
	poolStatsPeriod = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "noskhe-server",
		Short: "Prescription order service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pharmacyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource reads dir when given, otherwise the embedded schema.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: MIGRATIONS_DIR, then embedded)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: MIGRATIONS_DIR, then embedded)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, schema string, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func pharmacyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pharmacy",
		Short: "Manage the pharmacy directory",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a pharmacy",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := pharmacy.CreateRequest{}
			req.Name, _ = cmd.Flags().GetString("name")
			req.Address, _ = cmd.Flags().GetString("address")
			req.Latitude, _ = cmd.Flags().GetFloat64("lat")
			req.Longitude, _ = cmd.Flags().GetFloat64("lng")

			ctx := context.Background()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			p, err := pharmacy.NewService(pharmacy.NewRepoPG(pool)).Create(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created pharmacy %d (%s).\n", p.ID, p.Name)
			return nil
		},
	}
	addCmd.Flags().String("name", "", "Pharmacy name")
	addCmd.Flags().String("address", "", "Street address")
	addCmd.Flags().Float64("lat", 0, "Latitude")
	addCmd.Flags().Float64("lng", 0, "Longitude")

	cmd.AddCommand(addCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// memoryPinger reports the in-process store as always reachable.
type memoryPinger struct{}

func (memoryPinger) Ping(context.Context) error { return nil }

// stores is the storage handle chosen by STORE_DRIVER.
type stores struct {
	orders     prescription.Repository
	pharmacies pharmacy.Repository
	pinger     db.Pinger
	pool       *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return &stores{
			orders:     prescription.NewRepoMem(cfg.LockTimeout),
			pharmacies: pharmacy.NewRepoMem(),
			pinger:     memoryPinger{},
		}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &stores{
		orders:     prescription.NewRepoPG(pool, cfg.LockTimeout),
		pharmacies: pharmacy.NewRepoPG(pool),
		pinger:     pool,
		pool:       pool,
	}, nil
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// newPublisher fans status changes out to the live feed and to the
// configured broker.
func newPublisher(cfg *config.Config, hub *websocket.Hub, failures events.FailureRecorder, logger zerolog.Logger) (*events.Fanout, error) {
	fanout := events.NewFanout(logger, failures).Add("websocket", events.NewHubPublisher(hub))
	switch cfg.EventBroker {
	case config.EventBrokerRabbitMQ:
		p, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		fanout.Add("rabbitmq", p)
	case config.EventBrokerKafka:
		fanout.Add("kafka", events.NewKafkaPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic))
	}
	return fanout, nil
}

// app holds everything newRouter wires into the HTTP surface.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	stores    *stores
	telemetry *telemetry.Provider
	hub       *websocket.Hub
	publisher events.Publisher
	orders    *prescription.Service
}

func newApp(cfg *config.Config, logger zerolog.Logger, st *stores, tel *telemetry.Provider, hub *websocket.Hub, pub events.Publisher) *app {
	directory := pharmacy.NewService(st.pharmacies)
	executor := prescription.NewExecutor(st.orders, directory, logger)
	executor.SetRecorder(tel)
	executor.SetPublisher(pub)

	orders := prescription.NewService(st.orders, executor, directory, cfg.WorklistWindow, logger)
	hub.SetRecheck(orders)

	return &app{
		cfg:       cfg,
		logger:    logger,
		stores:    st,
		telemetry: tel,
		hub:       hub,
		publisher: pub,
		orders:    orders,
	}
}

func (a *app) newRouter() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("1M"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.stores.pinger))
	e.GET("/metrics", a.telemetry.Handler())

	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		a.logger.Warn().
			Str("env", cfg.Env).
			Str("default_principal", "dev-admin").
			Msg("DEVELOPMENT MODE: DevAuthMiddleware is active and requests without X-Dev-* headers act as admin. Set ENV=production with AUTH_SIGNING_KEY or AUTH_JWKS_URL before exposing this server")
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	public := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	api := e.Group("/api/v1", authn, middleware.RateLimit(rateLimitCfg))

	pharmacy.NewHandler(pharmacy.NewService(a.stores.pharmacies)).RegisterRoutes(public, api)
	prescription.NewHandler(a.orders).RegisterRoutes(api)
	if a.stores.pool != nil {
		reporting.NewHandler(a.stores.pool).RegisterRoutes(api)
	}

	ws := e.Group("", authn)
	websocket.NewHandler(a.hub, a.orders, cfg.CORSOrigins, a.logger).RegisterRoutes(ws)

	return e
}

// reportPoolStats samples the connection pool until ctx ends.
func (a *app) reportPoolStats(ctx context.Context) error {
	if a.stores.pool == nil {
		return nil
	}
	ticker := time.NewTicker(poolStatsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stat := a.stores.pool.Stat()
			a.telemetry.SetDBPool(stat.AcquiredConns(), stat.IdleConns())
		}
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open store")
		return err
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	tel := telemetry.NewProvider(telemetry.Config{})
	hub := websocket.NewHub(logger)
	pub, err := newPublisher(cfg, hub, tel, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start event publisher")
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing event publisher")
		}
	}()

	a := newApp(cfg, logger, st, tel, hub, pub)
	e := a.newRouter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.reportPoolStats(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
