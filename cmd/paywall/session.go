package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"example.com/paywall-go/internal/checkout"
	"example.com/paywall-go/internal/config"
	"example.com/paywall-go/internal/identity"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/storage"
	"example.com/paywall-go/pkg/paywall"
)

const (
	defaultStoreDriver = "bolt"
	defaultStoreDSN    = "paywall.db"
)

type rootOptions struct {
	configPath   string
	envFile      string
	debug        bool
	storeDriver  string
	storeDSN     string
	pageURL      string
	userAgent    string
	referrer     string
	locale       string
	stripeSecret string
}

func (o *rootOptions) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "config file (yaml, json or toml)")
	f.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before the config")
	f.BoolVar(&o.debug, "debug", false, "sandbox mode with debug logging")
	f.StringVar(&o.storeDriver, "store-driver", "", "state store driver: memory, bolt, sqlite or postgres")
	f.StringVar(&o.storeDSN, "store-dsn", "", "state store location")
	f.StringVar(&o.pageURL, "url", "https://localhost/", "page URL reported to the backend")
	f.StringVar(&o.userAgent, "user-agent", "paywall-cli/"+Version, "user agent reported to the backend")
	f.StringVar(&o.referrer, "referrer", "", "page referrer")
	f.StringVar(&o.locale, "locale", "", "visitor locale")
	f.StringVar(&o.stripeSecret, "stripe-secret", os.Getenv("STRIPE_SECRET_KEY"), "Stripe secret key; empty simulates Stripe")
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.debug {
		cfg.Debug = true
	}
	if o.locale != "" {
		cfg.Language = o.locale
	}
	switch {
	case o.storeDriver != "":
		cfg.Storage.Driver, cfg.Storage.DSN = o.storeDriver, o.storeDSN
	case cfg.Storage.Driver == "" || cfg.Storage.Driver == "memory":
		// a memory store would forget the visitor between commands
		cfg.Storage.Driver, cfg.Storage.DSN = defaultStoreDriver, defaultStoreDSN
	}
	return cfg, nil
}

// session is one initialized SDK bound to the CLI's state store.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	sdk     *paywall.SDK
	store   storage.Store
	paddle  *consolePaddle
	surface *consoleSurface
	closers []func()
}

func (o *rootOptions) open(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Debug)

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		surface: newConsoleSurface(cmd.OutOrStdout()),
		paddle:  &consolePaddle{out: cmd.OutOrStdout()},
	}
	s.closers = append(s.closers, func() {
		if err := storage.Close(store); err != nil {
			logger.Error("close store", "error", err)
		}
	})

	var stripeGateway checkout.StripeGateway = consoleStripe{out: cmd.OutOrStdout()}
	if o.stripeSecret != "" {
		stripeGateway = checkout.NewStripeAPI(o.stripeSecret, nil, logger)
	}

	deps := paywall.Deps{
		Store:   store,
		Logger:  logger,
		Surface: s.surface,
		Stripe:  stripeGateway,
		Paddle:  s.paddle,
		Page: identity.Page{
			URL:       o.pageURL,
			Referrer:  o.referrer,
			UserAgent: o.userAgent,
			Locale:    o.locale,
		},
	}
	if cfg.Temporal.Enabled {
		c, err := dialTemporal(cfg, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, c.Close)
		deps.Checkout = checkout.NewWorkflowBackend(c, cfg.Temporal.TaskQueue, checkout.RetrySettings{
			Attempts:     cfg.HTTPRetriesCount,
			InitialDelay: cfg.HTTPRetryDelay,
		}, logger)
	}

	s.sdk = paywall.New(cfg, deps)
	s.closers = append(s.closers, s.sdk.Close)
	if err := s.sdk.Init(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("init sdk: %w", err)
	}
	return s, nil
}

// Close releases everything in reverse order of acquisition.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func dialTemporal(cfg config.Config, logger *slog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.Temporal.HostPort, err)
	}
	return c, nil
}
