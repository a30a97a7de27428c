package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"example.com/paywall-go/internal/backend"
	"example.com/paywall-go/internal/logging"
	"example.com/paywall-go/internal/sqliteutil"
)

func main() {
	if err := loadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		dbPath   = flag.String("db", "backend.db", "path to the backend sqlite database file")
		addr     = flag.String("addr", ":8090", "HTTP listen address for the paywall API")
		seedPath = flag.String("seed", "", "YAML catalog seed; empty uses the built-in catalog")
		apiKey   = flag.String("api-key", os.Getenv("W2W_API_KEY"), "bearer token clients must present; empty accepts any")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	ctx := context.Background()
	logger := logging.New(*debug)

	db, err := sqliteutil.Open(*dbPath)
	if err != nil {
		logger.Error("open backend db failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := backend.NewStore(db)
	if err := store.Init(ctx); err != nil {
		logger.Error("init backend schema failed", "error", err)
		os.Exit(1)
	}

	seed, err := backend.LoadSeed(*seedPath)
	if err != nil {
		logger.Error("load catalog seed failed", "error", err, "seed", *seedPath)
		os.Exit(1)
	}

	serverLogger := logger.With("component", "backend.http")
	server := &http.Server{
		Addr:              *addr,
		Handler:           backend.NewServer(store, seed, *apiKey, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		serverLogger.Info("paywall API listening", "addr", *addr, "db", *dbPath, "placements", len(seed.Placements))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverLogger.Error("backend server error", "error", err)
		}
	}()

	waitForShutdown(serverLogger, server)
}

// loadEnv loads a dotenv file. A missing file is not an error.
func loadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return
	}
	logger.Info("backend server stopped")
}
