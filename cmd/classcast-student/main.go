// classcast-student joins a classroom session: it renders the incoming
// broadcast, receives distributed files, and can upload work back to
// the teacher or stream its own screen when spotlighted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"classcast/internal/client"
	"classcast/internal/config"
	"classcast/internal/console"
	"classcast/internal/dispatch"
	"classcast/internal/media"
)

func main() {
	configPath := flag.String("config", "student.yaml", "path to the student configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadStudent(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	frames := media.NewTestPatternSource(12, 640, 360)
	cli := client.New(cfg, media.DiscardSink{}, frames, openFile)

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
	cli.BindVerbs(dispatcher, cancel)

	tty := console.New(dispatcher, os.Stdin, os.Stdout)
	go func() {
		if err := tty.Run(ctx); err != nil {
			log.Printf("console: %v", err)
		}
		cancel()
	}()

	return cli.Run(ctx)
}

// openFile launches the platform handler for a received file. Failures
// are logged only; a file that will not open is still delivered.
func openFile(path string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		log.Printf("open %s: %v", path, err)
		return
	}
	go func() { _ = cmd.Wait() }()
}
