package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"voicetutor/internal/config"
	"voicetutor/internal/gateway"
	"voicetutor/internal/history"
	"voicetutor/internal/token"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadServer()

	minter := token.NewMinter(cfg.APIKey, cfg.APISecret, cfg.TokenTTL)

	// Tutoring profile: env defaults, hot-reloaded from a JSON file when
	// TUTOR_PROFILE_PATH is set.
	profiles, err := config.NewProfileWatcher(config.Profile{
		Topic:   cfg.Topic,
		Subject: cfg.Subject,
		Style:   cfg.Style,
	}, cfg.ProfilePath, func(p config.Profile) {
		log.Printf("tutoring profile updated: topic=%q subject=%q", p.Topic, p.Subject)
	})
	if err != nil {
		log.Fatalf("profile watcher error: %v", err)
	}

	var store history.Store
	var pg *history.PostgresStore
	switch cfg.HistoryBackend {
	case config.HistoryPostgres:
		pg, err = history.NewPostgresStore(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres history error: %v", err)
		}
		store = pg
	default:
		store = history.NewMemoryStore()
	}

	gw := gateway.New(cfg, minter, profiles, store)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		profiles.Close()
		if pg != nil {
			pg.Close()
		}
		httpServer.Close()
	}()

	log.Printf("Voice tutor gateway running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
