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

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tripbazaar/tokenledger/internal/gateway/stripegateway"
	"github.com/tripbazaar/tokenledger/internal/httpserver"
	"github.com/tripbazaar/tokenledger/internal/observe"
	"github.com/tripbazaar/tokenledger/internal/payments"
	"github.com/tripbazaar/tokenledger/internal/scheduler"
	"github.com/tripbazaar/tokenledger/internal/store/gormstore"
	"github.com/tripbazaar/tokenledger/pkg/tokenledger"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagAllowedOrigins  = "allowed-origins"
	flagStripeSecret    = "stripe-secret-key"
	flagWebhookSecret   = "stripe-webhook-secret"
	flagSuccessURL      = "checkout-success-url"
	flagCancelURL       = "checkout-cancel-url"
	flagExpiryInterval  = "expiry-interval"
	flagDriftInterval   = "drift-interval"
	flagPaymentInterval = "payment-sweep-interval"

	configKeyDatabaseURL     = "database_url"
	configKeyListenAddr      = "listen_addr"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyStripeSecret    = "stripe_secret_key"
	configKeyWebhookSecret   = "stripe_webhook_secret"
	configKeySuccessURL      = "checkout_success_url"
	configKeyCancelURL       = "checkout_cancel_url"
	configKeyExpiryInterval  = "expiry_interval"
	configKeyDriftInterval   = "drift_interval"
	configKeyPaymentInterval = "payment_sweep_interval"

	defaultDatabaseURL = "sqlite:///tmp/tokenledger.db"
	defaultListenAddr  = ":8080"
	defaultSuccessURL  = "http://localhost:3000/wallet?checkout=success"
	defaultCancelURL   = "http://localhost:3000/wallet?checkout=cancelled"
)

type runtimeConfig struct {
	DatabaseURL          string
	ListenAddr           string
	AllowedOrigins       string
	StripeSecretKey      string
	StripeWebhookSecret  string
	CheckoutSuccessURL   string
	CheckoutCancelURL    string
	ExpiryInterval       time.Duration
	DriftInterval        time.Duration
	PaymentSweepInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Unified token ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.PersistentFlags().String(flagStripeSecret, "", "Stripe secret key")
	cmd.PersistentFlags().String(flagWebhookSecret, "", "Stripe webhook signing secret")
	cmd.PersistentFlags().String(flagSuccessURL, defaultSuccessURL, "checkout success redirect")
	cmd.PersistentFlags().String(flagCancelURL, defaultCancelURL, "checkout cancel redirect")
	cmd.PersistentFlags().Duration(flagExpiryInterval, 0, "grant expiry sweep interval")
	cmd.PersistentFlags().Duration(flagDriftInterval, 0, "drift reconciliation interval")
	cmd.PersistentFlags().Duration(flagPaymentInterval, 0, "stale payment sweep interval")

	cmd.AddCommand(newExpireCommand(cfg))
	cmd.AddCommand(newDriftCommand(cfg))
	cmd.AddCommand(newPaymentSweepCommand(cfg))

	return cmd
}

func newExpireCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Run the grant expiry sweep once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedgerService(cmd.Context(), cfg, func(ctx context.Context, service *tokenledger.Service, logger *zap.Logger) error {
				report, err := service.ExpireBatches(ctx)
				if err != nil {
					return err
				}
				logger.Info("expiry sweep finished",
					zap.Int("expired_batches", report.ExpiredBatches),
					zap.Int64("tokens_removed", report.TokensRemoved),
					zap.Int("errors", report.Errors))
				return nil
			})
		},
	}
}

func newDriftCommand(cfg *runtimeConfig) *cobra.Command {
	var autoRepair bool
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Reconcile cached balances against the ledger once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedgerService(cmd.Context(), cfg, func(ctx context.Context, service *tokenledger.Service, logger *zap.Logger) error {
				report, err := service.ReconcileDrift(ctx, autoRepair)
				if err != nil {
					return err
				}
				logger.Info("drift reconciliation finished",
					zap.Int("drifted", report.Drifted),
					zap.Int("repaired", report.Repaired),
					zap.Int("seeded", report.Seeded),
					zap.Int("errors", report.Errors))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&autoRepair, "auto-repair", true, "overwrite drifted caches with the ledger sum")
	return cmd
}

func newPaymentSweepCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-payments",
		Short: "Settle stale pending payment attempts once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			gormDB, cleanup, driver, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			store := gormstore.New(gormDB)
			if err := prepareSchema(store, driver); err != nil {
				return err
			}

			paymentService, _, err := buildPaymentService(cfg, store, logger, nil)
			if err != nil {
				return err
			}
			report, err := paymentService.SweepStalePending(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("payment sweep finished",
				zap.Int("examined", report.Examined),
				zap.Int("completed", report.Completed),
				zap.Int("failed", report.Failed),
				zap.Int("errors", report.Errors))
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:     "DATABASE_URL",
		configKeyListenAddr:      "LISTEN_ADDR",
		configKeyAllowedOrigins:  "ALLOWED_ORIGINS",
		configKeyStripeSecret:    "STRIPE_SECRET_KEY",
		configKeyWebhookSecret:   "STRIPE_WEBHOOK_SECRET",
		configKeySuccessURL:      "CHECKOUT_SUCCESS_URL",
		configKeyCancelURL:       "CHECKOUT_CANCEL_URL",
		configKeyExpiryInterval:  "EXPIRY_INTERVAL",
		configKeyDriftInterval:   "DRIFT_INTERVAL",
		configKeyPaymentInterval: "PAYMENT_SWEEP_INTERVAL",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flagNames := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyStripeSecret:    flagStripeSecret,
		configKeyWebhookSecret:   flagWebhookSecret,
		configKeySuccessURL:      flagSuccessURL,
		configKeyCancelURL:       flagCancelURL,
		configKeyExpiryInterval:  flagExpiryInterval,
		configKeyDriftInterval:   flagDriftInterval,
		configKeyPaymentInterval: flagPaymentInterval,
	}
	for configKey, flagName := range flagNames {
		if err := viper.BindPFlag(configKey, cmd.Root().PersistentFlags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecret)
	cfg.StripeWebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.CheckoutSuccessURL = viper.GetString(configKeySuccessURL)
	if cfg.CheckoutSuccessURL == "" {
		cfg.CheckoutSuccessURL = defaultSuccessURL
	}
	cfg.CheckoutCancelURL = viper.GetString(configKeyCancelURL)
	if cfg.CheckoutCancelURL == "" {
		cfg.CheckoutCancelURL = defaultCancelURL
	}
	cfg.ExpiryInterval = viper.GetDuration(configKeyExpiryInterval)
	cfg.DriftInterval = viper.GetDuration(configKeyDriftInterval)
	cfg.PaymentSweepInterval = viper.GetDuration(configKeyPaymentInterval)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}

	metrics := observe.NewMetrics()
	recorder := observe.NewOperationRecorder(logger, metrics)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := tokenledger.NewService(store, clock, tokenledger.WithOperationLogger(recorder))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	paymentService, gateway, err := buildPaymentService(cfg, store, logger, ledgerService)
	if err != nil {
		return err
	}

	server, err := httpserver.NewServer(httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
	}, logger, ledgerService, paymentService, gateway, metrics)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	jobScheduler := scheduler.New(logger, metrics, scheduler.Config{
		ExpiryInterval:       cfg.ExpiryInterval,
		DriftInterval:        cfg.DriftInterval,
		PaymentSweepInterval: cfg.PaymentSweepInterval,
	},
		func(ctx context.Context) error {
			_, err := ledgerService.ExpireBatches(ctx)
			return err
		},
		func(ctx context.Context) error {
			_, err := ledgerService.ReconcileDrift(ctx, true)
			return err
		},
		func(ctx context.Context) error {
			report, err := paymentService.SweepStalePending(ctx)
			if err != nil {
				return err
			}
			metrics.RecordStaleAttempts("completed", report.Completed)
			metrics.RecordStaleAttempts("failed", report.Failed)
			return nil
		},
	)
	go jobScheduler.Run(ctx)

	return server.Run(ctx)
}

func buildPaymentService(cfg *runtimeConfig, store *gormstore.Store, logger *zap.Logger, ledgerService *tokenledger.Service) (*payments.Service, *stripegateway.Client, error) {
	gateway, err := stripegateway.NewClient(stripegateway.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stripe client init: %w", err)
	}
	if ledgerService == nil {
		clock := func() int64 { return time.Now().UTC().Unix() }
		ledgerService, err = tokenledger.NewService(store, clock, tokenledger.WithOperationLogger(observe.NewOperationRecorder(logger, nil)))
		if err != nil {
			return nil, nil, fmt.Errorf("ledger service init: %w", err)
		}
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	paymentService, err := payments.NewService(
		gormstore.NewPaymentStore(store.DB()),
		gateway,
		ledgerService,
		payments.Config{SuccessURL: cfg.CheckoutSuccessURL, CancelURL: cfg.CheckoutCancelURL},
		clock,
		logger,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("payment service init: %w", err)
	}
	return paymentService, gateway, nil
}

func withLedgerService(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, service *tokenledger.Service, logger *zap.Logger) error) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if err := prepareSchema(store, driver); err != nil {
		return err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := tokenledger.NewService(store, clock, tokenledger.WithOperationLogger(observe.NewOperationRecorder(logger, nil)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	return fn(ctx, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "tokenledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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

func prepareSchema(store *gormstore.Store, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
