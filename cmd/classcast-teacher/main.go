// classcast-teacher hosts a classroom broadcast session: it accepts
// student connections, fans out the screen/audio feed, exchanges files,
// and takes commands from the terminal and the panel bridge alike.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classcast/internal/broadcast"
	"classcast/internal/config"
	"classcast/internal/console"
	"classcast/internal/dispatch"
	"classcast/internal/feed"
	"classcast/internal/history"
	"classcast/internal/media"
	"classcast/internal/panel"
	"classcast/internal/server"
	"classcast/internal/session"
	"classcast/internal/transfer"
)

func main() {
	configPath := flag.String("config", "teacher.yaml", "path to the teacher configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadTeacher(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		store, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
	}

	registry := session.NewRegistry(cfg.VideoQueue, cfg.AudioQueue, cfg.AudioWait.Std())
	machine := broadcast.NewMachine(nil)
	pipeline := media.NewPipeline(registry)
	events := feed.New()
	engine := transfer.NewEngine(registry, events, cfg.UploadDir, cfg.ChunkSize,
		cfg.AckTimeout.Std(), cfg.StallTimeout.Std())

	// Capture backends are pluggable collaborators; without one, a test
	// pattern stands in so start still exercises the full path.
	frames := media.NewTestPatternSource(cfg.CaptureFPS, 640, 360)
	samples := media.NewSilenceSource(0)

	srv := server.New(cfg, registry, machine, pipeline, engine, events, store, frames, samples)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		cancel()
	}()

	dispatcher := dispatch.New()
	srv.BindVerbs(dispatcher, cancel)

	bridge := panel.New(dispatcher, events, registry, store)
	go func() {
		if err := bridge.Run(ctx, cfg.PanelAddr); err != nil {
			log.Printf("panel bridge: %v", err)
		}
	}()

	tty := console.New(dispatcher, os.Stdin, os.Stdout)
	sub := events.Subscribe(64)
	defer sub.Cancel()
	go tty.RenderFeed(ctx, sub)
	go func() {
		if err := tty.Run(ctx); err != nil {
			log.Printf("console: %v", err)
		}
		// EOF on stdin also means quit.
		cancel()
	}()

	return srv.Run(ctx)
}
