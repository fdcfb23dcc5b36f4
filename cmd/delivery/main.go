package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/outbound-delivery/internal/api"
	"github.com/LeventeLantos/outbound-delivery/internal/cache"
	"github.com/LeventeLantos/outbound-delivery/internal/client"
	"github.com/LeventeLantos/outbound-delivery/internal/config"
	"github.com/LeventeLantos/outbound-delivery/internal/provider"
	"github.com/LeventeLantos/outbound-delivery/internal/repo"
	"github.com/LeventeLantos/outbound-delivery/internal/scheduler"
	"github.com/LeventeLantos/outbound-delivery/internal/service"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	if err := run(cfg); err != nil {
		slog.Error("delivery service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	queue := repo.NewPostgresQueueStore(db)
	tracking := repo.NewPostgresTrackingStore(db)
	campaigns := repo.NewPostgresCampaignStore(db)

	membership := service.NewWorker(
		provider.NewMembershipAdapter(client.NewMembershipClient(cfg.Membership.BaseURL, cfg.Membership.APIKey, cfg.Membership.CallTimeout)),
		cfg.Membership, queue, tracking,
	).WithStaleAfter(cfg.Queue.StaleAfter)

	messaging := service.NewWorker(
		provider.NewMessagingAdapter(
			client.NewGatewayClient(cfg.Messaging.BaseURL, cfg.Messaging.APIKey, cfg.Messaging.SenderID, cfg.Messaging.CallTimeout),
			cfg.Messaging.ContentMax,
		),
		cfg.Messaging, queue, tracking,
	).WithStaleAfter(cfg.Queue.StaleAfter).WithCampaigns(campaigns)

	aggregator := service.NewAggregator(queue, campaigns, campaigns, campaigns)

	var mirror *cache.RedisTrackingCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unavailable, tracking mirror disabled", "err", err)
		} else {
			mirror = cache.NewRedisTrackingCache(rdb, cfg.Redis.TTL)
			membership.WithMirror(mirror)
			messaging.WithMirror(mirror)
		}
	}

	workers := []*service.Worker{membership, messaging}

	sched, err := scheduler.New("drain", cfg.Scheduler.Interval, func(ctx context.Context) error {
		var errs []error
		for _, w := range workers {
			if _, err := w.Recover(ctx); err != nil {
				errs = append(errs, err)
			}
			if _, err := w.Drain(ctx, 0); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		return err
	}

	h := api.NewHandler(sched, queue, tracking, membership, messaging).WithExpander(aggregator)
	if mirror != nil {
		h.WithMirror(mirror)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Scheduler.AutoStart {
		sched.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("delivery service listening",
			"addr", cfg.Server.Address,
			"interval", cfg.Scheduler.Interval.String(),
			"redis", mirror != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutdown requested", "signal", sig.String())
	case err := <-errCh:
		sched.Stop()
		return err
	}

	sched.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func parseLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
