package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/radioq/sms-relay/internal/config"
	"github.com/radioq/sms-relay/internal/core"
	"github.com/radioq/sms-relay/internal/db"
	"github.com/radioq/sms-relay/internal/encryption"
	"github.com/radioq/sms-relay/internal/engine"
	"github.com/radioq/sms-relay/internal/events"
	httpapi "github.com/radioq/sms-relay/internal/http"
	"github.com/radioq/sms-relay/internal/logx"
	"github.com/radioq/sms-relay/internal/media"
	"github.com/radioq/sms-relay/internal/metrics"
	"github.com/radioq/sms-relay/internal/transport"
)

func main() {
	var exitCode int
	defer func() { os.Exit(exitCode) }()

	cfg, err := config.Load()
	if err != nil {
		l := logx.New("info", true)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logx.New(cfg.LogLevel, cfg.LogConsole)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := db.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("connect db")
		exitCode = 1
		return
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		log.Error().Err(err).Msg("migrate")
		exitCode = 1
		return
	}
	store := &core.Store{DB: database.Pool}
	go metrics.NewPGXPoolStats(database.Pool).Start(15*time.Second, rootCtx.Done())

	// ---- Collaborators ----
	bus := events.NewBus()
	crypto := encryption.New(cfg.Encryption.Passphrase)
	mediaStore, err := media.NewFileStore(cfg.Media.Dir, log)
	if err != nil {
		log.Error().Err(err).Msg("media store")
		exitCode = 1
		return
	}
	go mediaStore.RunCleanup(rootCtx, cfg.Media.CleanupInterval, cfg.Media.Retention)

	channels := make([]int, cfg.Modem.Channels)
	for i := range channels {
		channels[i] = i
	}
	modem := transport.NewModem(transport.ModemOptions{
		Channels:       channels,
		HandoffLatency: cfg.Modem.HandoffLatency,
		DeliveryDelay:  cfg.Modem.DeliveryDelay,
		FailurePercent: cfg.Modem.FailurePercent,
	}, log)

	// ---- Engine ----
	eng := engine.New(engine.Options{
		Store:         store,
		Transport:     modem,
		Settings:      cfg.Engine,
		Bus:           bus,
		Crypto:        crypto,
		Media:         mediaStore,
		Log:           log,
		RecoveryPause: cfg.Engine.RecoveryPause,
	})
	modem.Bind(eng)
	go func() {
		if err := eng.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("engine exited")
		}
	}()

	// Log state changes; external subscribers (webhook fan-out etc.) attach
	// the same way.
	go logEvents(rootCtx, bus, log)

	go watchBacklog(rootCtx, store)

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, mediaStore, eng, log, cfg.HTTP.EnqueueRPS, cfg.HTTP.EnqueueBurst)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			cancel()
		}
	}()

	<-rootCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	modem.Drain()
}

func logEvents(ctx context.Context, bus *events.Bus, log zerolog.Logger) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e := log.Info().
				Str("message_id", ev.MessageID).
				Str("state", string(ev.State)).
				Strs("phone_numbers", ev.PhoneNumbers)
			if ev.Error != nil {
				e = e.Str("error", *ev.Error)
			}
			e.Msg("state change")
		}
	}
}

func watchBacklog(ctx context.Context, store *core.Store) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := store.CountPending(ctx); err == nil {
				metrics.PendingBacklog.Set(float64(n))
			}
		}
	}
}
