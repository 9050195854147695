package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sidecoach/sidecoach/db"
	"github.com/sidecoach/sidecoach/internal/analytics"
	"github.com/sidecoach/sidecoach/internal/api"
	"github.com/sidecoach/sidecoach/internal/coach"
	"github.com/sidecoach/sidecoach/internal/config"
	"github.com/sidecoach/sidecoach/internal/generate"
	"github.com/sidecoach/sidecoach/internal/interview"
	"github.com/sidecoach/sidecoach/internal/log"
	"github.com/sidecoach/sidecoach/internal/ratelimit"
	"github.com/sidecoach/sidecoach/internal/session"
	"github.com/sidecoach/sidecoach/internal/storage"
)

// sweepInterval is how often expired durable records are garbage-collected.
const sweepInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coaching daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: parseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	logger.Info("starting sidecoach", "version", AppVersion, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(cfg.StoragePath, logger)
	if err != nil {
		return fmt.Errorf("opening session storage: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("closing session storage", "error", closeErr)
		}
	}()

	if err := db.Migrate(store.DB()); err != nil {
		return fmt.Errorf("migrating session storage: %w", err)
	}

	limiter := ratelimit.New(cfg.RateMaxRequests, time.Duration(cfg.RateWindowSecs)*time.Second)
	gen, err := generate.New(ctx, generate.Config{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Limiter:     limiter,
		Logger:      logger,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("creating generation client: %w", err)
	}

	sessions := session.NewStore(store, logger)
	engine := interview.NewEngine(gen, logger)
	sink := analytics.New(analytics.Config{
		Endpoint: cfg.AnalyticsEndpoint,
		Token:    cfg.AnalyticsToken,
	}, logger)
	router := coach.NewRouter(sessions, gen, engine, store, sink, logger)

	// Periodic durable GC. The first sweep runs at startup to clear records
	// left behind by a long downtime.
	go func() {
		sessions.SweepExpired(ctx, session.RetentionWindow)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions.SweepExpired(ctx, session.RetentionWindow)
			}
		}
	}()

	server := api.NewServer(router, func(ctx context.Context) error {
		return store.DB().PingContext(ctx)
	}, api.Config{
		ClientRPS:   cfg.ClientRPS,
		ClientBurst: cfg.ClientBurst,
	}, logger)

	err = server.Run(ctx, cfg.ListenAddr)

	// Let in-flight analytics sends and durable mirrors drain before the
	// storage handle closes.
	router.Flush()
	sessions.Flush()
	sink.CloseIdleConnections()
	return err
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
