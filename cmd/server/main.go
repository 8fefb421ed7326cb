package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/homecast/relay/internal/api"
	"github.com/homecast/relay/internal/auth"
	"github.com/homecast/relay/internal/bus"
	"github.com/homecast/relay/internal/config"
	"github.com/homecast/relay/internal/connection"
	"github.com/homecast/relay/internal/db"
	"github.com/homecast/relay/internal/eventpipe"
	"github.com/homecast/relay/internal/metrics"
	"github.com/homecast/relay/internal/protocol"
	"github.com/homecast/relay/internal/repository"
	"github.com/homecast/relay/internal/router"
	"github.com/homecast/relay/internal/scope"
	"github.com/homecast/relay/internal/session"
	"github.com/homecast/relay/internal/slot"
	"github.com/homecast/relay/internal/webhub"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "relay",
		Short: "relay — cross-instance HomeKit accessory relay",
		Long: `relay fans a home's tool-protocol requests out across any number of
stateless processes, keeping exactly one agent socket alive per home
regardless of which process an HTTP request lands on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), logLevel)
		},
	}

	root.AddCommand(newVersionCmd())
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = randomInstanceID()
	}

	logger.Info("starting relay",
		zap.String("version", version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("local_only", cfg.LocalOnly()),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Metrics ---
	metricsHandle := metrics.New()

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Policy:   db.StartupPolicy(cfg.DBPolicy),
		Logger:   logger,
		LogLevel: gormLogLevel(logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	homeRepo := repository.NewHomeRepository(gormDB)
	ownershipRepo := repository.NewHomeOwnershipRepository(gormDB)
	userRepo := repository.NewUserRepository(gormDB)
	sessionRepo := repository.NewSessionRepository(gormDB)
	slotRepo := repository.NewSlotRepository(gormDB)
	settingsRepo := repository.NewUserSettingsRepository(gormDB)

	// --- 4. Auth ---
	// The relay never issues tokens (spec.md §1 Out-of-scope) — it only
	// verifies them against the external auth collaborator's public key.
	jwtMgr, err := buildJWTManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// --- 5. Bus ---
	var busImpl bus.Bus
	if cfg.LocalOnly() {
		logger.Info("bus: running in local-only mode, no Redis configured")
		busImpl = bus.NewLocal(logger)
	} else {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.BusProjectID})
		busImpl = bus.NewRedis(redisClient, cfg.InstanceID, logger)
	}

	// --- 6. Core registries ---
	sessionRegistry := session.New(sessionRepo, logger)
	slotRegistry := slot.New(slotRepo, metricsHandle, logger)

	if err := slotRegistry.SeedPool(ctx, cfg.SlotPoolSeed); err != nil {
		return fmt.Errorf("failed to seed slot pool: %w", err)
	}

	// --- 7. Connection Manager, Web Client Hub, Event Pipe ---
	// eventPipe is declared before connMgr because connection.New needs an
	// EventHandler closure up front, but eventpipe.New needs the hub, which
	// needs connMgr — the closure defers the call until eventPipe is set,
	// which happens before any agent socket can actually receive a frame.
	var eventPipe *eventpipe.Pipe
	connMgr := connection.New(sessionRegistry, cfg.InstanceID, metricsHandle, logger,
		func(ctx context.Context, agentID string, userID uuid.UUID, frame protocol.Frame) {
			if eventPipe != nil {
				eventPipe.HandleAgentEvent(ctx, agentID, userID, frame)
			}
		},
		sessionRegistry.UserHasActiveListeners,
	)

	hub := webhub.New(sessionRegistry, connMgr, busImpl, cfg.TopicPrefix, metricsHandle, logger)
	eventPipe = eventpipe.New(hub, busImpl, cfg.TopicPrefix, logger)

	// --- 8. Cross-Instance Router ---
	routerInst := router.New(connMgr, sessionRegistry, slotRegistry, busImpl, cfg.InstanceID, cfg.TopicPrefix, cfg.ForceBus, metricsHandle, logger)

	// --- 9. Scope Router ---
	scopeRouter := scope.New(homeRepo, userRepo, ownershipRepo, settingsRepo, jwtMgr, logger)

	// --- 10. HTTP surface ---
	apiServer := api.New(routerInst, scopeRouter, connMgr, hub, jwtMgr, metricsHandle, cfg.InstanceID, logger)

	// --- 11. Claim a slot and subscribe to the bus ---
	lease, err := slotRegistry.Claim(ctx, cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to claim a slot: %w", err)
	}
	selfTopic := protocol.Topic(cfg.TopicPrefix, lease.SlotName)
	logger.Info("claimed slot", zap.String("slot_name", lease.SlotName), zap.String("topic", selfTopic))

	if err := routerInst.Subscribe(ctx, selfTopic); err != nil {
		return fmt.Errorf("failed to subscribe router to %s: %w", selfTopic, err)
	}
	if err := eventPipe.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe event pipe: %w", err)
	}
	if err := hub.SubscribeListenersChanged(ctx); err != nil {
		return fmt.Errorf("failed to subscribe hub to listener transitions: %w", err)
	}

	go hub.Run(ctx)

	// --- 12. Periodic jobs ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(slot.HeartbeatInterval),
		gocron.NewTask(func() {
			if err := slotRegistry.Heartbeat(ctx, cfg.InstanceID); err != nil {
				logger.Warn("slot heartbeat failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule slot heartbeat: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			n, err := sessionRegistry.GarbageCollectStale(ctx)
			if err != nil {
				logger.Warn("session garbage collection failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("garbage collected stale sessions", zap.Int64("count", n))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule session garbage collection: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			connMgr.BroadcastHeartbeat(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule connection heartbeat: %w", err)
	}

	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 13. HTTP server ---
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down relay")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	if err := sessionRegistry.DeleteByInstance(shutdownCtx, cfg.InstanceID); err != nil {
		logger.Warn("session registry cleanup error", zap.Error(err))
	}

	if err := slotRegistry.Release(shutdownCtx, cfg.InstanceID); err != nil {
		logger.Warn("slot release error", zap.Error(err))
	}

	logger.Info("relay stopped")
	return nil
}

// buildJWTManager loads the verification public key either from inline PEM
// content or from a file path, depending on what TokenSigningSecret looks
// like (config.go's doc comment on the field).
func buildJWTManager(cfg *config.Config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.TokenSigningSecret == "" {
		return nil, fmt.Errorf("RELAY_TOKEN_SIGNING_SECRET is required")
	}
	if strings.Contains(cfg.TokenSigningSecret, "-----BEGIN") {
		return auth.NewJWTManagerFromPEM([]byte(cfg.TokenSigningSecret), cfg.TokenIssuer)
	}
	logger.Info("loading JWT verification key from file", zap.String("path", cfg.TokenSigningSecret))
	return auth.NewJWTManagerFromFile(cfg.TokenSigningSecret, cfg.TokenIssuer)
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// randomInstanceID generates a process-local identifier when
// RELAY_INSTANCE_ID is unset, so two processes never collide on the same
// slot-claim identity (spec.md §4.1).
func randomInstanceID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "instance-" + fmt.Sprintf("%d", os.Getpid())
	}
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return "instance-" + string(out)
}
