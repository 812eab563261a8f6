package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewTeamWatcherValidation(t *testing.T) {
	if _, err := NewTeamWatcher("", WatchConfig{}, func(*TeamFile) {}); err == nil {
		t.Fatal("empty path should be rejected")
	}
	if _, err := NewTeamWatcher("agents.yaml", WatchConfig{}, nil); err == nil {
		t.Fatal("nil callback should be rejected")
	}
}

func TestTeamWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - {id: a, model: m}\n"), 0o644); err != nil {
		t.Fatalf("write team file: %v", err)
	}

	var mu sync.Mutex
	var delivered []*TeamFile
	w, err := NewTeamWatcher(path, WatchConfig{Debounce: 10 * time.Millisecond}, func(tf *TeamFile) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, tf)
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	w.reload()
	mu.Lock()
	n := len(delivered)
	mu.Unlock()
	if n != 1 || len(delivered[0].Agents) != 1 {
		t.Fatalf("delivered = %d documents", n)
	}

	// A broken edit must not reach the callback.
	if err := os.WriteFile(path, []byte("agents: ["), 0o644); err != nil {
		t.Fatalf("write broken file: %v", err)
	}
	w.reload()
	mu.Lock()
	n = len(delivered)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("broken reload delivered anyway: %d documents", n)
	}
}

func TestTeamWatcherStartClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - {id: a, model: m}\n"), 0o644); err != nil {
		t.Fatalf("write team file: %v", err)
	}

	w, err := NewTeamWatcher(path, WatchConfig{}, func(*TeamFile) {})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("second start should fail while running")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A closed watcher can be started again.
	if err := w.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
