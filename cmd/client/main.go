package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"voicetutor/internal/audio"
	"voicetutor/internal/config"
	"voicetutor/internal/credential"
	"voicetutor/internal/shell"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	opts := shell.Options{}
	if cfg.EnableAudio {
		engine, err := audio.NewEngine()
		if err != nil {
			log.Fatalf("audio init error: %v", err)
		}
		defer engine.Close()
		opts.OpenMic = engine.OpenCapture
		opts.OpenPlayback = engine.OpenPlayback
	}

	creds := credential.NewClient(cfg.GatewayURL, nil)
	sh := shell.New(cfg, creds, os.Stdin, os.Stdout, opts)

	if err := sh.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("session error: %v", err)
	}
}
