package config_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/config"
)

func TestWatcherEmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher := config.NewWatcher(home, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give the watcher a beat to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-watcher.Events():
		if ev.Path == "" {
			t.Fatalf("empty event path")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload event received")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	watcher := config.NewWatcher(home, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(home+"/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}

	select {
	case ev := <-watcher.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}
