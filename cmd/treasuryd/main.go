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
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/fleetshare/treasury/internal/httpapi"
	"github.com/fleetshare/treasury/internal/store/gormstore"
	"github.com/fleetshare/treasury/pkg/amc"
	"github.com/fleetshare/treasury/pkg/gateway"
	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/notify"
	"github.com/fleetshare/treasury/pkg/refund"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagGatewayBaseURL    = "gateway-base-url"
	flagGatewayKeyID      = "gateway-key-id"
	flagGatewayKeySecret  = "gateway-key-secret"
	flagWebhookSecret     = "webhook-secret"
	flagCheckoutSecret    = "checkout-secret"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeyGatewayBaseURL    = "gateway_base_url"
	configKeyGatewayKeyID      = "gateway_key_id"
	configKeyGatewayKeySecret  = "gateway_key_secret"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyCheckoutSecret    = "checkout_secret"

	defaultDatabaseURL = "sqlite:///tmp/treasury.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	GatewayBaseURL    string
	GatewayKeyID      string
	GatewayKeySecret  string
	WebhookSecret     string
	CheckoutSecret    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "treasuryd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "treasuryd",
		Short:         "Fractional vehicle ownership treasury server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagGatewayBaseURL, "", "payment gateway base URL")
	cmd.Flags().String(flagGatewayKeyID, "", "payment gateway API key id")
	cmd.Flags().String(flagGatewayKeySecret, "", "payment gateway API key secret")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for gateway webhooks")
	cmd.Flags().String(flagCheckoutSecret, "", "shared secret for checkout signatures")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("TREASURY")
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeyGatewayBaseURL:    flagGatewayBaseURL,
		configKeyGatewayKeyID:      flagGatewayKeyID,
		configKeyGatewayKeySecret:  flagGatewayKeySecret,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyCheckoutSecret:    flagCheckoutSecret,
	}
	for configKey, flagName := range bindings {
		if err := viper.BindEnv(configKey); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.GatewayBaseURL = viper.GetString(configKeyGatewayBaseURL)
	cfg.GatewayKeyID = viper.GetString(configKeyGatewayKeyID)
	cfg.GatewayKeySecret = viper.GetString(configKeyGatewayKeySecret)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.CheckoutSecret = viper.GetString(configKeyCheckoutSecret)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.GatewayBaseURL == "" {
		return fmt.Errorf("gateway base url is required")
	}
	if cfg.GatewayKeyID == "" || cfg.GatewayKeySecret == "" {
		return fmt.Errorf("gateway credentials are required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.CheckoutSecret == "" {
		return fmt.Errorf("checkout secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	notificationEngine, err := notify.NewEngine(gormstore.NewNotifications(gormDB), clock, logger)
	if err != nil {
		return fmt.Errorf("notification engine init: %w", err)
	}

	gatewayClient, err := gateway.New(gateway.Config{
		BaseURL:       cfg.GatewayBaseURL,
		KeyID:         cfg.GatewayKeyID,
		KeySecret:     cfg.GatewayKeySecret,
		WebhookSecret: cfg.WebhookSecret,
	}, logger)
	if err != nil {
		return fmt.Errorf("gateway client init: %w", err)
	}

	inventoryService, err := inventory.NewService(
		gormstore.NewInventory(gormDB),
		notificationEngine,
		clock,
		inventory.WithOperationLogger(inventoryZapLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("inventory service init: %w", err)
	}

	refundService, err := refund.NewService(
		gormstore.NewRefunds(gormDB),
		gatewayClient,
		notificationEngine,
		clock,
		refund.WithOperationLogger(refundZapLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("refund service init: %w", err)
	}

	amcService, err := amc.NewService(
		gormstore.NewSchedules(gormDB),
		notificationEngine,
		clock,
		amc.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("amc service init: %w", err)
	}

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		WebhookSecret:     cfg.WebhookSecret,
		CheckoutSecret:    cfg.CheckoutSecret,
	}, httpapi.Dependencies{
		Inventory:     inventoryService,
		Refunds:       refundService,
		Schedules:     amcService,
		Notifications: notificationEngine,
		Logger:        logger,
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "treasury.db"
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

type inventoryZapLogger struct {
	logger *zap.Logger
}

func (adapter inventoryZapLogger) LogOperation(_ context.Context, entry inventory.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("vehicle_id", entry.VehicleID),
		zap.String("kind", entry.Kind.String()),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.TicketID != "" {
		fields = append(fields, zap.String("ticket_id", entry.TicketID))
	}
	if entry.Capped {
		fields = append(fields, zap.Bool("capped", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("inventory operation", fields...)
		return
	}
	adapter.logger.Info("inventory operation", fields...)
}

type refundZapLogger struct {
	logger *zap.Logger
}

func (adapter refundZapLogger) LogOperation(_ context.Context, entry refund.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("record_id", entry.RecordID),
		zap.String("gateway_refund_id", entry.GatewayRefundID),
		zap.String("transaction_type", entry.TransactionType.String()),
		zap.String("refund_status", entry.RefundStatus.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("refund operation", fields...)
		return
	}
	adapter.logger.Info("refund operation", fields...)
}
