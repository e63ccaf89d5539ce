// Package main implements a service that watches the Basilicata civil
// protection bulletin page and announces each new bulletin on Telegram or by
// email.
package main

import (
	"bulletin-notifier/config"
	"bulletin-notifier/notify"
	"bulletin-notifier/poll"
	"bulletin-notifier/scraper"
	"bulletin-notifier/server"
	"bulletin-notifier/storage"
	"bulletin-notifier/trigger"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var loader scraper.Loader
	if cfg.SourceRender == config.RenderBrowser {
		loader = scraper.NewBrowserLoader(cfg.BrowserBin, cfg.BrowserURL, logger)
	} else {
		loader = scraper.NewHTTPLoader(&http.Client{Timeout: cfg.FetchTimeout}, logger)
	}
	source := scraper.New(loader, cfg.SourceURL, logger)

	sender := notify.New(provider, logger, cfg.SourceURL)
	monitor := poll.New(&poll.Config{
		Fetcher:      source,
		Store:        store,
		Dispatcher:   poll.NewDispatcher(sender, cfg.DeliveryTimeout, logger),
		Logger:       logger,
		FetchTimeout: cfg.FetchTimeout,
		Location:     cfg.Location(),
	})

	if err := monitor.Load(ctx); err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			logger.Error("State record is corrupt; refusing to run checks until it is repaired or removed",
				"location", store.Location(),
				"error", err)
		}
		return err
	}

	coordinator, err := trigger.New(&trigger.Config{
		Checker:  monitor,
		Interval: cfg.CheckInterval,
		Schedule: cfg.CheckSchedule,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("invalid check schedule: %w", err)
	}

	schedule := coordinator.Describe()
	if cfg.CheckSchedule != "" {
		schedule = "cron " + cfg.CheckSchedule
	}
	srv := server.New(&server.Config{
		Coordinator: coordinator,
		Monitor:     monitor,
		Logger:      logger,
		SourceURL:   cfg.SourceURL,
		Schedule:    schedule,
		Location:    cfg.Location(),
	})

	logger.Info("Bulletin notifier starting",
		"source_url", cfg.SourceURL,
		"source_render", cfg.SourceRender,
		"state_location", store.Location(),
		"channel", cfg.Channel(),
		"schedule", schedule,
		"timezone", cfg.Location().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coordinator.Run(gctx, cfg.RunOnStart)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Port)
	})
	return g.Wait()
}

// openStore returns the configured state store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.StorageBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		closer := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.NewBucket(client, cfg.StorageBucket, cfg.StateObject, logger), closer, nil
	}

	logger.Info("No STORAGE_BUCKET set, using local state file", "path", cfg.StatePath)
	store := storage.NewLocal(cfg.StatePath, logger)
	if err := store.Lock(); err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return nil, nil, fmt.Errorf("state file %s is owned by another process: %w", cfg.StatePath, err)
		}
		return nil, nil, err
	}
	closer := func() {
		if err := store.Unlock(); err != nil {
			logger.Warn("Failed to release state file lock", "error", err)
		}
	}
	return store, closer, nil
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Provider, error) {
	switch cfg.Channel() {
	case config.ChannelTelegram:
		p, err := notify.NewTelegramProvider(notify.TelegramConfig{
			Token:   cfg.TelegramToken,
			ChatID:  cfg.TelegramChatID,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.DeliveryTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram: %w", err)
		}
		return p, nil
	case config.ChannelGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("init gmail: %w", err)
		}
		return notify.NewGmailProvider(svc, cfg.NotifyEmail, logger), nil
	default:
		logger.Info("Mock delivery enabled (no TELEGRAM_BOT_TOKEN or NOTIFY_EMAIL)")
		return notify.NewMockProvider(logger), nil
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials need a service account with gmail.send.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
