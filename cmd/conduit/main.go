// Command conduit runs the integration engine: it loads a Production
// document, deploys and starts it, and serves the admin control surface
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/conduit-hie/conduit/pkg/admin"
	"github.com/conduit-hie/conduit/pkg/config"
	"github.com/conduit-hie/conduit/pkg/production"
	"github.com/conduit-hie/conduit/pkg/telemetry"
	"github.com/conduit-hie/conduit/pkg/wal"
	"github.com/conduit-hie/conduit/pkg/wal/pgstore"
	"github.com/conduit-hie/conduit/pkg/wal/sqlitestore"
)

type flags struct {
	configRoot string
	project    string
	env        string
	tenant     string
	dataDir    string
	adminAddr  string
	pgDSN      string
	logLevel   string
	retainDays int
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configRoot, "config-root", envOr("CONDUIT_CONFIG_ROOT", "./config"), "root directory of production documents")
	flag.StringVar(&f.project, "project", envOr("CONDUIT_PROJECT", ""), "project id to deploy at startup (optional)")
	flag.StringVar(&f.env, "env", envOr("CONDUIT_ENV", ""), "environment layer for config merging")
	flag.StringVar(&f.tenant, "tenant", envOr("CONDUIT_TENANT", ""), "tenant layer for config merging")
	flag.StringVar(&f.dataDir, "data-dir", envOr("CONDUIT_DATA_DIR", "./data"), "directory for the WAL and SQLite store")
	flag.StringVar(&f.adminAddr, "admin-addr", envOr("CONDUIT_ADMIN_ADDR", ":8571"), "admin HTTP listen address")
	flag.StringVar(&f.pgDSN, "pg-dsn", envOr("CONDUIT_PG_DSN", ""), "PostgreSQL DSN for the message store (default: SQLite in data-dir)")
	flag.StringVar(&f.logLevel, "log-level", envOr("CONDUIT_LOG_LEVEL", "info"), "debug|info|warn|error")
	flag.IntVar(&f.retainDays, "retain-days", 30, "delete message store rows older than this many days")
	flag.Parse()
	return f
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintln(os.Stderr, "conduit:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	logger := telemetry.NewLogger(os.Stdout, telemetry.Options{
		Service: "conduit",
		Level:   telemetry.Level(f.logLevel),
	})
	ctx := context.Background()

	if err := os.MkdirAll(f.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	w, err := wal.Open(f.dataDir + "/conduit.wal")
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, f)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := production.NewEngine(production.Options{
		WAL:    w,
		Store:  store,
		Logger: logger,
	})

	if f.project != "" {
		loader, err := config.NewLoader(f.configRoot, config.Options{
			Project: f.project, Env: f.env, Tenant: f.tenant,
		})
		if err != nil {
			return err
		}
		prod, err := loader.Load()
		if err != nil {
			return err
		}
		if err := engine.Deploy(ctx, prod); err != nil {
			return err
		}
		if err := engine.Start(ctx, prod.ProjectID); err != nil {
			return err
		}
		logger.Info(ctx, "production_started", map[string]any{"project": prod.ProjectID})
	}

	// Housekeeping: delete old message store rows daily.
	hkCtx, hkCancel := context.WithCancel(ctx)
	defer hkCancel()
	go housekeeping(hkCtx, store, f.retainDays, logger)

	srv := &http.Server{
		Addr:              f.adminAddr,
		Handler:           admin.NewServer(engine, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "admin_listening", map[string]any{"addr": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutting_down", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "admin_server_failed", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	engine.Shutdown(shutdownCtx, 20*time.Second)
	return nil
}

// openStore selects the message store backend: PostgreSQL when a DSN is
// given, SQLite in the data dir otherwise.
func openStore(ctx context.Context, f flags) (wal.MessageStore, func(), error) {
	if f.pgDSN != "" {
		s, err := pgstore.Open(ctx, f.pgDSN, pgstore.Options{})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	s, err := sqlitestore.Open(ctx, f.dataDir+"/messages.db")
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func housekeeping(ctx context.Context, store wal.MessageStore, retainDays int, logger *telemetry.Logger) {
	if retainDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -retainDays)
		removed, err := store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			logger.Warn(ctx, "housekeeping_failed", map[string]any{"error": err.Error()})
			continue
		}
		logger.Info(ctx, "housekeeping_done", map[string]any{"removed": removed, "cutoff": cutoff.Format(time.RFC3339)})
	}
}
