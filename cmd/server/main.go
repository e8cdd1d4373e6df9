package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/xtrntr/p2pdesk/internal/api"
	"github.com/xtrntr/p2pdesk/internal/auth"
	"github.com/xtrntr/p2pdesk/internal/config"
	"github.com/xtrntr/p2pdesk/internal/db"
	"github.com/xtrntr/p2pdesk/internal/db/memory"
	"github.com/xtrntr/p2pdesk/internal/db/mongostore"
	"github.com/xtrntr/p2pdesk/internal/exchange"
	"github.com/xtrntr/p2pdesk/internal/logger"
	"github.com/xtrntr/p2pdesk/internal/metrics"
	"github.com/xtrntr/p2pdesk/internal/ratelimit"
	"github.com/xtrntr/p2pdesk/internal/realtime"
)

// store is what the service and the auth layer need from a backend
type store interface {
	exchange.Store
	auth.UserStore
}

// Main entry point: sets up storage, realtime fan-out, the trade service and the HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Error(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	hub := realtime.NewHub(lg, m)

	opts := []exchange.Option{
		exchange.WithMetrics(m),
		exchange.WithRatingPolicy(exchange.RatingPolicy(cfg.Trade.RatingPolicy)),
	}
	throttle := cfg.Trade.CreateRateLimit > 0 && cfg.Trade.CreateRateWindow > 0

	var notifier exchange.Notifier = hub
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}

		relay := realtime.NewRedisRelay(rdb, cfg.Redis.Channel, hub, lg)
		go func() {
			if err := relay.Run(ctx); err != nil {
				lg.Error(err, logger.F("component", "relay"))
			}
		}()
		notifier = relay
		if throttle {
			opts = append(opts, exchange.WithLimiter(
				ratelimit.NewRedisLimiter(rdb, cfg.Redis.Prefix, cfg.Trade.CreateRateLimit, cfg.Trade.CreateRateWindow)))
		}
		lg.Info("redis enabled", logger.F("addr", cfg.Redis.Addr))
	} else if throttle {
		opts = append(opts, exchange.WithLimiter(
			ratelimit.NewLocalLimiter(cfg.Trade.CreateRateLimit, cfg.Trade.CreateRateWindow)))
	}

	svc := exchange.NewService(st, notifier, lg, opts...)
	sweeper := exchange.NewSweeper(svc, cfg.Trade.SweepInterval, cfg.Trade.SweepBatch)
	sweeper.Start(ctx)

	authService := auth.NewAuthService(st, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	ws := realtime.NewServer(hub, authService, svc, lg, cfg.App.CORSOrigins)
	handler := api.NewHandler(svc, authService, lg, m, ws)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.App.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", api.RequestHeader},
		ExposedHeaders:   []string{api.RequestHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("starting server", logger.F("addr", srv.Addr), logger.F("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	<-sweeper.Done()
	return nil
}

// openStore connects the configured backend and returns a function releasing it
func openStore(ctx context.Context, cfg config.StoreConfig, lg *logger.Logger) (store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		database, err := db.NewDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Migrate {
			if err := database.Migrate(ctx); err != nil {
				_ = database.Close(ctx)
				return nil, nil, err
			}
		}
		return database, func() { _ = database.Close(context.Background()) }, nil

	case config.DriverMongo:
		st, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			_ = st.Close(ctx)
			return nil, nil, err
		}
		return st, func() { _ = st.Close(context.Background()) }, nil

	default:
		lg.Warn("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}
}
