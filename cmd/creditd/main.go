package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arcanalabs/credits/internal/audit"
	"github.com/arcanalabs/credits/internal/counter"
	"github.com/arcanalabs/credits/internal/httpserver"
	"github.com/arcanalabs/credits/internal/jobs"
	"github.com/arcanalabs/credits/internal/store/gormstore"
	"github.com/arcanalabs/credits/internal/store/pgstore"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagRedisAddr        = "redis-addr"
	flagRedisPassword    = "redis-password"
	flagAllowedOrigins   = "allowed-origins"
	flagSessionKey       = "session-signing-key"
	flagSessionIssuer    = "session-issuer"
	flagWebhookSecret    = "webhook-secret"
	flagWelcomeGrant     = "welcome-grant"
	flagGuestAllowance   = "guest-allowance"
	flagGuestSessionTTL  = "guest-session-ttl"
	flagDailySpendCap    = "daily-spend-cap"
	flagReservationTTL   = "reservation-ttl"
	flagSweepSpec        = "sweep-spec"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyRedisAddr       = "redis_addr"
	configKeyRedisPassword   = "redis_password"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeySessionKey      = "session_signing_key"
	configKeySessionIssuer   = "session_issuer"
	configKeyWebhookSecret   = "webhook_secret"
	configKeyWelcomeGrant    = "welcome_grant"
	configKeyGuestAllowance  = "guest_allowance"
	configKeyGuestSessionTTL = "guest_session_ttl"
	configKeyDailySpendCap   = "daily_spend_cap"
	configKeyReservationTTL  = "reservation_ttl"
	configKeySweepSpec       = "sweep_spec"

	defaultDatabaseURL     = "sqlite:///tmp/credits.db"
	defaultListenAddr      = ":8080"
	defaultSessionIssuer   = "credits"
	defaultWelcomeGrant    = 10
	defaultGuestAllowance  = 3
	defaultGuestSessionTTL = 24 * time.Hour
	defaultReservationTTL  = 15 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	RedisAddr       string
	RedisPassword   string
	AllowedOrigins  []string
	SessionKey      string
	SessionIssuer   string
	WebhookSecret   string
	WelcomeGrant    int64
	GuestAllowance  int
	GuestSessionTTL time.Duration
	DailySpendCap   int64
	ReservationTTL  time.Duration
	SweepSpec       string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and reservation HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "redis address for the daily spend counter (optional)")
	cmd.Flags().String(flagRedisPassword, "", "redis password")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagSessionKey, "", "HMAC key for session cookies")
	cmd.Flags().String(flagSessionIssuer, defaultSessionIssuer, "expected session token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "HMAC secret for payment webhooks")
	cmd.Flags().Int64(flagWelcomeGrant, defaultWelcomeGrant, "credits granted to new accounts")
	cmd.Flags().Int(flagGuestAllowance, defaultGuestAllowance, "free units per guest session")
	cmd.Flags().Duration(flagGuestSessionTTL, defaultGuestSessionTTL, "guest session lifetime")
	cmd.Flags().Int64(flagDailySpendCap, 0, "per-account daily spend cap, 0 disables")
	cmd.Flags().Duration(flagReservationTTL, defaultReservationTTL, "age before a pending reservation is refunded")
	cmd.Flags().String(flagSweepSpec, "", "cron spec for the reservation sweep")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyRedisAddr:       "REDIS_ADDR",
		configKeyRedisPassword:   "REDIS_PASSWORD",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeySessionKey:      "SESSION_SIGNING_KEY",
		configKeySessionIssuer:   "SESSION_ISSUER",
		configKeyWebhookSecret:   "WEBHOOK_SECRET",
		configKeyWelcomeGrant:    "WELCOME_GRANT",
		configKeyGuestAllowance:  "GUEST_ALLOWANCE",
		configKeyGuestSessionTTL: "GUEST_SESSION_TTL",
		configKeyDailySpendCap:   "DAILY_SPEND_CAP",
		configKeyReservationTTL:  "RESERVATION_TTL",
		configKeySweepSpec:       "SWEEP_SPEC",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyRedisAddr:       flagRedisAddr,
		configKeyRedisPassword:   flagRedisPassword,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeySessionKey:      flagSessionKey,
		configKeySessionIssuer:   flagSessionIssuer,
		configKeyWebhookSecret:   flagWebhookSecret,
		configKeyWelcomeGrant:    flagWelcomeGrant,
		configKeyGuestAllowance:  flagGuestAllowance,
		configKeyGuestSessionTTL: flagGuestSessionTTL,
		configKeyDailySpendCap:   flagDailySpendCap,
		configKeyReservationTTL:  flagReservationTTL,
		configKeySweepSpec:       flagSweepSpec,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.RedisPassword = viper.GetString(configKeyRedisPassword)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.SessionKey = viper.GetString(configKeySessionKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.WelcomeGrant = viper.GetInt64(configKeyWelcomeGrant)
	cfg.GuestAllowance = viper.GetInt(configKeyGuestAllowance)
	cfg.GuestSessionTTL = viper.GetDuration(configKeyGuestSessionTTL)
	cfg.DailySpendCap = viper.GetInt64(configKeyDailySpendCap)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)
	cfg.SweepSpec = viper.GetString(configKeySweepSpec)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.SessionKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, appender, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	redisClient := openRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	spendCounter := counter.NewDailySpend(redisClient)

	welcomeGrant, err := credits.NewCredits(cfg.WelcomeGrant)
	if err != nil {
		return fmt.Errorf("welcome grant: %w", err)
	}

	auditSink := audit.NewSink(logger, audit.WithAppender(appender))
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, clock,
		credits.WithWelcomeGrant(welcomeGrant),
		credits.WithGuestAllowance(cfg.GuestAllowance),
		credits.WithAuditRecorder(auditSink),
		credits.WithOperationLogger(operationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	scheduler := jobs.NewScheduler(service, logger, jobs.Config{
		SweepSpec:      cfg.SweepSpec,
		ReservationTTL: cfg.ReservationTTL,
	})
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	defer scheduler.Stop()

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    cfg.AllowedOrigins,
		SessionSigningKey: cfg.SessionKey,
		SessionIssuer:     cfg.SessionIssuer,
		GuestSessionTTL:   cfg.GuestSessionTTL,
		WebhookSecret:     cfg.WebhookSecret,
		DailySpendCap:     cfg.DailySpendCap,
	}, service, spendCounter, logger)
}

// openStore resolves the DSN scheme to a backend: postgres runs over pgx,
// anything else is treated as sqlite through GORM with schema automigration.
func openStore(ctx context.Context, dsn string) (credits.Store, audit.Appender, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		store := pgstore.New(pool)
		return store, store, pool.Close, nil
	}

	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	store := gormstore.New(db.WithContext(ctx))
	return store, store, func() { _ = sqlDB.Close() }, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
	}
	return normalizeSQLitePath(path)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func openRedis(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, daily spend cap disabled", zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	return client
}

// operationLogger forwards domain operation callbacks to zap.
type operationLogger struct {
	logger *zap.Logger
}

func (wrapper operationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.String("entry_id", entry.EntryID.String()),
		zap.Int64("delta", entry.Delta),
		zap.String("status", entry.Status),
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		wrapper.logger.Error("credit operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	wrapper.logger.Info("credit operation", fields...)
}
