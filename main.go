package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/example/pipelinedash/internal/config"
	"github.com/example/pipelinedash/internal/dbmigrate"
)

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(c, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openDB(c *cfg.Config, logger *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		from, to, err := dbmigrate.Apply(c.MigrationsDir, dsn)
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("migrations applied", "from", from, "to", to)
		return NewPostgresDB(dsn)
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func run(c *cfg.Config, logger *slog.Logger) error {
	db, err := openDB(c, logger)
	if err != nil {
		return err
	}

	var counters CounterStore = NewMemoryCounter()
	var closeRedis func() error
	if c.RedisURL != "" {
		rdb, err := NewRedisClient(c.RedisURL, c.RedisTLSSkipVerify)
		if err != nil {
			db.Close()
			return err
		}
		counters = NewRedisCounter(rdb, "pipelinedash:ratelimit:")
		closeRedis = rdb.Close
		logger.Info("rate limiter backed by redis")
	}

	app := NewApp(c, Deps{DB: db, Counters: counters, Mailer: NewLogMailer(logger), Logger: logger})
	if closeRedis != nil {
		app.OnClose(closeRedis)
	}

	srv := &http.Server{
		Handler:           app.Routes(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", c.Port, "db", c.DBAdapter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		app.Close()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(ctx)
	if err := app.Close(); err != nil {
		logger.Warn("closing resources", "error", err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	logger.Info("server exited properly")
	return nil
}
