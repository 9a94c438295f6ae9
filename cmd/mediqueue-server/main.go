package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mediqueue/mediqueue/internal/config"
	"github.com/mediqueue/mediqueue/internal/domain/queue"
	"github.com/mediqueue/mediqueue/internal/domain/settings"
	"github.com/mediqueue/mediqueue/internal/domain/staff"
	"github.com/mediqueue/mediqueue/internal/platform/auth"
	"github.com/mediqueue/mediqueue/internal/platform/db"
	"github.com/mediqueue/mediqueue/internal/platform/middleware"
	"github.com/mediqueue/mediqueue/internal/platform/notification"
	"github.com/mediqueue/mediqueue/internal/platform/prefs"
	"github.com/mediqueue/mediqueue/internal/platform/websocket"
)

const (
	version       = "0.1.0"
	jwtIssuer     = "mediqueue"
	prefsPrefix   = "mediqueue:"
	queueChannel  = "queue_changes"
	configChannel = "settings_changes"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mediqueue-server",
		Short: "Clinic patient queue server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(legacyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a staff account or reset its password",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("STAFF_PASSWORD")
			}
			if id == "" || password == "" {
				return fmt.Errorf("--id and --password (or STAFF_PASSWORD) are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := staff.NewService(staff.NewRepoPG(pool), auth.JWTConfig{}, cfg.SessionTTL, newLogger(cfg.Env))
			a, err := svc.SaveAccount(ctx, id, name, password, role)
			if err != nil {
				return err
			}
			fmt.Printf("Saved %s account %q.\n", a.Role, a.ID)
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Login id")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().String("role", auth.RoleDoctor, "Role: doctor or admin")
	createCmd.Flags().String("password", "", "Password (prefer STAFF_PASSWORD)")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List staff accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			accounts, err := staff.NewService(staff.NewRepoPG(pool), auth.JWTConfig{}, cfg.SessionTTL, newLogger(cfg.Env)).List(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-20s %-30s %-8s %s\n", "ID", "NAME", "ROLE", "CREATED AT")
			for _, a := range accounts {
				fmt.Printf("%-20s %-30s %-8s %s\n", a.ID, a.DisplayName, a.Role, a.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	return cmd
}

func legacyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "legacy",
		Short: "Legacy browser data",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import the legacy patient list into an empty database",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx := context.Background()

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			p, closePrefs, err := openPrefs(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closePrefs()

			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				if err := p.Set(ctx, prefs.KeyLegacyQueue, string(raw)); err != nil {
					return fmt.Errorf("stage legacy list: %w", err)
				}
			}

			res, err := queue.ImportLegacy(ctx, p, queue.NewStorePG(pool))
			if err != nil {
				return err
			}
			switch {
			case res.Skipped:
				fmt.Printf("Database is not empty; %d legacy record(s) left in place.\n", res.Found)
			default:
				fmt.Printf("Imported %d legacy record(s).\n", res.Imported)
			}
			return nil
		},
	}
	importCmd.Flags().String("file", "", "JSON file exported from the browser (default: the stored preference)")
	cmd.AddCommand(importCmd)

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openPrefs connects to Redis when REDIS_URL is set and falls back to an
// in-process store otherwise.
func openPrefs(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (prefs.Store, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, local preferences will not survive a restart")
		return prefs.NewMemoryStore(), func() {}, nil
	}
	client, err := prefs.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return prefs.NewRedisStore(client, prefsPrefix), func() { client.Close() }, nil
}

// resolveSigningKey returns the configured session key. In development a
// missing key is replaced by a random one, so sessions end at restart.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, err
	}
	if len(key) > 0 {
		return key, false, nil
	}
	if !cfg.IsDev() {
		return nil, false, fmt.Errorf("JWT_SIGNING_KEY is required outside development")
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate signing key: %w", err)
	}
	return key, true, nil
}

func newLinkOpener(cfg *config.Config, logger zerolog.Logger) notification.LinkOpener {
	if cfg.NotifyGatewayURL == "" {
		return notification.LogOpener{Logger: logger}
	}
	return notification.NewGatewayOpener(cfg.NotifyGatewayURL, cfg.NotifyGatewayToken)
}

// submitRoutes are the public write routes charged to the tighter budget.
var submitRoutes = []string{
	http.MethodPost + " /api/v1/queue/bookings",
	http.MethodPost + " /api/v1/auth/login",
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.Browse = middleware.Limit{Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}
	}
	if cfg.SubmitLimitPerMin > 0 {
		rl.Submit = middleware.PerMinute(cfg.SubmitLimitPerMin, cfg.SubmitLimitBurst)
	}
	rl.SubmitRoutes = submitRoutes
	return rl
}

// queueEvents forwards queue changes to the websocket hub.
func queueEvents(pub websocket.EventPublisher) func(queue.Event) {
	return func(ev queue.Event) {
		out := websocket.Event{
			Type:   websocket.EventQueueChanged,
			Topic:  websocket.TopicQueue,
			Source: string(ev.Type),
		}
		if ev.RecordID != uuid.Nil {
			out.RecordID = ev.RecordID.String()
		}
		_ = pub.Publish(context.Background(), out)
	}
}

// settingsEvents forwards settings changes to the websocket hub.
func settingsEvents(pub websocket.EventPublisher) func(settings.Settings) {
	return func(settings.Settings) {
		_ = pub.Publish(context.Background(), websocket.Event{
			Type:  websocket.EventSettingsChanged,
			Topic: websocket.TopicSettings,
		})
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	signingKey, generated, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve signing key")
	}
	if generated {
		logger.Warn().Msg("JWT_SIGNING_KEY not set, using a random key for this process")
	}
	jwtCfg := auth.JWTConfig{Issuer: jwtIssuer, SigningKey: signingKey}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	localPrefs, closePrefs, err := openPrefs(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closePrefs()

	// Settings and queue state
	settingsStore := settings.NewStore(settings.NewRepoPG(pool), localPrefs, logger)
	if err := settingsStore.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load clinic settings")
	}

	dispatcher := notification.NewDispatcher(newLinkOpener(cfg, logger), cfg.DefaultCountryCode,
		settingsStore.NotificationsEnabled, logger)

	queueStore := queue.NewStorePG(pool)
	if res, err := queue.ImportLegacy(ctx, localPrefs, queueStore); err != nil {
		logger.Error().Err(err).Msg("legacy import failed")
	} else if res.Imported > 0 || res.Skipped {
		logger.Info().Int("found", res.Found).Int("imported", res.Imported).Bool("skipped", res.Skipped).Msg("legacy patient list processed")
	}

	manager := queue.NewManager(queueStore, settingsStore, logger, queue.WithNotifier(dispatcher))
	if err := manager.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to load patient records")
	}

	// Change feed and push channel
	feed := db.NewListener(pool, logger, queueChannel, configChannel)
	queueFeed, cancelQueueFeed := feed.Subscribe(queueChannel, 1)
	defer cancelQueueFeed()
	settingsFeed, cancelSettingsFeed := feed.Subscribe(configChannel, 1)
	defer cancelSettingsFeed()
	go feed.Run(ctx)
	go manager.Watch(ctx, queueFeed)
	go settingsStore.Watch(ctx, settingsFeed)

	hub := websocket.NewHub(logger)
	manager.Subscribe(queueEvents(hub))
	settingsStore.Subscribe(settingsEvents(hub))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))

	staffAuth := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		staffAuth = auth.DevAuthMiddleware(jwtCfg)
	}
	staffGroup := apiV1.Group("", staffAuth)

	staffSvc := staff.NewService(staff.NewRepoPG(pool), jwtCfg, cfg.SessionTTL, logger)
	staff.NewHandler(staffSvc).RegisterRoutes(apiV1)
	queue.NewHandler(manager, settingsStore, dispatcher).RegisterRoutes(apiV1, staffGroup)
	settings.NewHandler(settingsStore).RegisterRoutes(apiV1, staffGroup)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, feed))

	// Start
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
