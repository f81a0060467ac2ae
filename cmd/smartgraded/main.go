// Command smartgraded keeps SmartGrade smart switches in sync with Home
// Assistant and exposes a local control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/smartgrade/internal/config"
	"github.com/trymwestin/smartgrade/internal/core/auth"
	"github.com/trymwestin/smartgrade/internal/core/cloud"
	"github.com/trymwestin/smartgrade/internal/core/coordinator"
	"github.com/trymwestin/smartgrade/internal/core/push"
	"github.com/trymwestin/smartgrade/internal/core/state"
	"github.com/trymwestin/smartgrade/internal/core/transport"
	"github.com/trymwestin/smartgrade/internal/httpapi"
	"github.com/trymwestin/smartgrade/internal/logging"
	"github.com/trymwestin/smartgrade/internal/mqtt"
	"github.com/trymwestin/smartgrade/internal/store"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "/data/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	path := flag.String("config", "", "path to config.yaml")
	flag.Parse()
	if *path != "" {
		return *path
	}
	if env := os.Getenv("SMARTGRADE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func run(ctx context.Context) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Log, version)
	log.Info("starting smartgraded", "version", version, "config", path)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing store", "error", closeErr)
		}
	}()
	if err := db.InitSchema(ctx); err != nil {
		return fmt.Errorf("initialising store: %w", err)
	}

	cred, err := initialCredential(ctx, cfg.SmartGrade.Token, db, log)
	if err != nil {
		return err
	}

	bus := state.NewEventBus(logging.Component(log, "events"))
	authLog := logging.Component(log, "auth")
	tracker := auth.NewTracker(cred,
		auth.WithLogger(authLog),
		auth.WithAdvisorySink(func(adv auth.Advisory) {
			if adv.Blocking {
				authLog.Error("credential expired, re-pair and POST the new token to /api/credential", "reason", adv.Reason)
			} else if adv.State == auth.StateExpiringSoon {
				authLog.Warn("credential expires soon", "expires_at", adv.ExpiresAt)
			}
			bus.Publish(state.Event{Type: state.EventCredential, Timestamp: adv.At, Data: adv})
		}),
	)

	table := state.NewTable(bus, cfg.Poll.GuardWindow.D(), logging.Component(log, "state"))

	cloudClient, err := cloud.New(cloud.Config{
		BaseURL:        cfg.SmartGrade.APIBase,
		Timeout:        cfg.SmartGrade.Timeout.D(),
		MaxAttempts:    cfg.Poll.MaxAttempts,
		RetryInitial:   cfg.Poll.RetryInitial.D(),
		RetryMax:       cfg.Poll.RetryMax.D(),
		RateLimitDelay: cfg.Poll.RateLimitDelay.D(),
		UserID:         cfg.SmartGrade.UserID,
		SiteIDs:        cfg.SmartGrade.SiteIDs,
	}, tracker, logging.Component(log, "cloud"))
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	// Left as a nil interface when disabled: the coordinator then polls at
	// the outage cadence.
	var pushCh coordinator.Push
	if cfg.Push.Enabled {
		pushLog := logging.Component(log, "push")
		dialer := transport.NewPahoDialer(cfg.Push.Broker, cfg.Push.KeepAlive.D(), cfg.SmartGrade.Timeout.D(), pushLog)
		pushCh = push.New(push.Config{
			ReconnectInitial: cfg.Push.ReconnectInitial.D(),
			ReconnectMax:     cfg.Push.ReconnectMax.D(),
			DomainID:         cfg.SmartGrade.DomainID,
			UserID:           cfg.SmartGrade.UserID,
		}, dialer, tracker, pushLog)
	}

	coord := coordinator.New(coordinator.Config{
		FastInterval:    cfg.Poll.Fast.D(),
		OutageInterval:  cfg.Poll.Outage.D(),
		SlowInterval:    cfg.Poll.Slow.D(),
		CommandTimeout:  cfg.Poll.CommandTimeout.D(),
		PollConcurrency: cfg.Poll.Concurrency,
	}, cloudClient, pushCh, tracker, table, bus, logging.Component(log, "coordinator"))

	cached, err := db.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading cached devices: %w", err)
	}

	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	persister := store.NewPersister(db, tracker, cached, logging.Component(log, "store"))
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		// Drains until unsubscribe so shutdown-time removals are kept.
		persister.Run(context.WithoutCancel(ctx), events)
	}()

	coord.Seed(cached)
	log.Info("device registry loaded from cache", "devices", len(cached))

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			NodeID:      cfg.MQTT.NodeID,
		}, coord, coord, coord, bus, logging.Component(log, "mqtt"))
	} else {
		publisher = mqtt.NewStubPublisher(logging.Component(log, "mqtt"))
	}
	if err := publisher.Start(ctx); err != nil {
		log.Error("Home Assistant publisher failed to start", "error", err)
	}

	apiServer := httpapi.NewServer(coord, cfg.HTTP.CORSAll, logging.Component(log, "http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	apiServer.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping HTTP server", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		log.Error("error stopping publisher", "error", err)
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		log.Error("error stopping coordinator", "error", err)
	}
	unsubscribe()
	<-persistDone

	log.Info("smartgraded stopped")
	return runErr
}

// initialCredential picks the credential to start with. A cached credential
// wins over the configured token when it is the same value, so opaque tokens
// keep their recorded issue time, or when it outlives it, since it was
// installed through the API after the config was written.
func initialCredential(ctx context.Context, token string, db *store.Store, log *slog.Logger) (auth.Credential, error) {
	cached, err := db.LoadCredential(ctx)
	switch {
	case errors.Is(err, store.ErrNoCredential):
	case err != nil:
		return auth.Credential{}, fmt.Errorf("loading cached credential: %w", err)
	}

	if token == "" {
		if cached.IsZero() {
			log.Warn("no credential configured, install one via POST /api/credential")
		}
		return cached, nil
	}

	cred, err := auth.ParseCredential(token, time.Now())
	if err != nil {
		return auth.Credential{}, fmt.Errorf("parsing configured token: %w", err)
	}
	if !cached.IsZero() && (cached.Value == cred.Value || cached.ExpiresAt().After(cred.ExpiresAt())) {
		if cached.Value != cred.Value {
			log.Info("using cached credential, it expires after the configured one", "expires_at", cached.ExpiresAt())
		}
		return cached, nil
	}
	if err := db.SaveCredential(ctx, cred); err != nil {
		log.Warn("failed to cache credential", "error", err)
	}
	return cred, nil
}
