package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"repetitor/internal/auth"
	"repetitor/internal/config"
	"repetitor/internal/consent"
	"repetitor/internal/httpapi"
	"repetitor/internal/metrics"
	"repetitor/internal/notify"
	"repetitor/internal/providers/registry"
	"repetitor/internal/queue"
	"repetitor/internal/quota"
	"repetitor/internal/retention"
	"repetitor/internal/support"
	"repetitor/internal/telegram"
	"repetitor/internal/tutor"
	"repetitor/internal/worker"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification worker and retention scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the retention sweep in this process")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, withScheduler bool) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("env", cfg.AppEnv).
		Str("provider", cfg.Provider.Kind).
		Str("model", cfg.Provider.Model).
		Bool("sealing", cfg.SealingEnabled()).
		Msg("starting tutor")

	store, err := openStore(ctx, cfg, cfg.DB.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.Global()

	provider, err := registry.Build(registry.BuildOptions{
		Kind:        cfg.Provider.Kind,
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		Headers:     cfg.Provider.Headers,
		Config:      cfg.Provider.Options,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	})
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	notifyQueue := queue.NewStreamQueue(rdb, cfg.Notify.Stream, cfg.Notify.Group, cfg.Notify.ConsumerName, cfg.Notify.Block)
	notifier := notify.New(notifyQueue, cfg.Notify.AdminChatID)

	accountant := quota.NewAccountant(store, quota.Options{
		Logger:     log.Logger,
		Metrics:    m,
		MaxRetries: cfg.Quota.CommitMaxRetries,
	})
	orchestrator := tutor.New(tutor.Config{
		Store:         store,
		Quota:         accountant,
		Provider:      provider,
		Model:         cfg.Provider.Model,
		MaxTokens:     cfg.Provider.MaxTokens,
		CommitTimeout: cfg.Quota.CommitTimeout,
		DevMode:       cfg.IsDevelopment(),
		Logger:        log.Logger,
		Metrics:       m,
	})
	consentManager := consent.NewManager(consent.Config{
		Store:    store,
		Notifier: notifier,
		Logger:   log.Logger,
		Metrics:  m,
	})
	supportService := support.NewService(store, notifier, log.Logger, nil)

	errCh := make(chan error, 2)

	if cfg.Notify.TelegramToken != "" {
		sender, err := telegram.NewSender(cfg.Notify.TelegramToken, telegram.Options{Timeout: cfg.HTTP.ClientTimeout})
		if err != nil {
			return err
		}
		log.Info().Str("bot_username", sender.Username()).Msg("telegram sender initialized")
		if err := notifyQueue.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("ensure notify group: %w", err)
		}
		w := worker.New(worker.Config{
			Sender:        sender,
			Queue:         notifyQueue,
			MaxJobRetries: cfg.Notify.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Notify.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("notify worker: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Notify.Concurrency).Msg("notify worker started")
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN is empty, notifications stay queued")
	}

	if withScheduler {
		sched, err := retention.ParseSchedule(cfg.Retention.Schedule)
		if err != nil {
			return err
		}
		go newSweeper(cfg, store, rdb).Run(ctx, sched)
	}

	server := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.ListenAddr,
		HealthPath:      cfg.HTTP.HealthPath,
		MetricsPath:     cfg.HTTP.MetricsPath,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		RetentionDays:   cfg.Retention.Days,
		Tutor:           orchestrator,
		Quota:           accountant,
		Consent:         consentManager,
		Support:         supportService,
		Accounts:        store,
		Sessions:        auth.NewSessionResolver(rdb, cfg.Redis.SessionPrefix),
		RateLimiter:     queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Dedupe:          queue.NewRequestDeduplicator(rdb, cfg.Rate.IdempotencyTTL),
		Ready: func(ctx context.Context) error {
			return errors.Join(store.Ping(ctx), rdb.Ping(ctx).Err())
		},
		Logger: log.Logger,
	})
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}
	<-serverDone
	log.Info().Msg("stopped")
	return runErr
}
