package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"wireagent-go/internal/config"
	"wireagent-go/internal/events"
	"wireagent-go/internal/script"
	"wireagent-go/internal/server"
	"wireagent-go/internal/uiloop"
	"wireagent-go/internal/uitree"
)

// The UI loop runs on the main goroutine, pinned to the main thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	tree := uitree.New(uitree.Spec{})
	if cfg.UITree != "" {
		if tree, err = uitree.Load(cfg.UITree); err != nil {
			log.Fatal(err)
		}
	}

	eventsRoot := cfg.EventsDir
	temporaryEvents := eventsRoot == ""
	if temporaryEvents {
		eventsRoot = filepath.Join(os.TempDir(), fmt.Sprintf("wireagent-go-events-%d", os.Getpid()))
	}
	if err := os.MkdirAll(eventsRoot, 0o755); err != nil {
		log.Fatal(err)
	}
	store := events.NewStore(eventsRoot)

	loop := uiloop.New(logger)
	srv, err := server.New(cfg, server.Options{
		Locator:  tree,
		Actuator: tree,
		Scripts:  script.New(tree, logger),
		Runner:   loop,
		Journal:  events.NewJournal(store, logger),
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}

	allowListNote := ""
	if len(cfg.AllowCIDRs) > 0 {
		allowListNote = fmt.Sprintf(" (allowed CIDRs: %s, plus localhost)", strings.Join(cfg.AllowCIDRs, ", "))
	}
	fmt.Printf("wireagent-go %s listening on http://%s%s (ui tree: %s, events: %s)\n",
		server.Version,
		srv.Address(),
		allowListNote,
		describeTree(cfg.UITree),
		eventsRoot,
	)
	if addr := srv.ObserverAddress(); addr != "" {
		fmt.Printf("observer API on http://%s/api/health, metrics on http://%s/metrics\n", addr, addr)
	}

	ctx, stop := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("received %s, shutting down...\n", sig)
		stop()
	}()

	// The main goroutine becomes the UI goroutine until a signal arrives.
	loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	if temporaryEvents {
		_ = store.Cleanup()
	}
}

func describeTree(path string) string {
	if path == "" {
		return "empty document"
	}
	return path
}
