package e2e

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"protoscale/internal/backend"
	"protoscale/internal/broadcast"
	"protoscale/internal/devserver"
	"protoscale/internal/engine"
	"protoscale/internal/history"
	"protoscale/internal/kv"
)

// stack is one simulated backend shared by any number of engine
// "processes", each with its own client, sync channel and history.
type stack struct {
	t       *testing.T
	sim     *devserver.Sim
	url     string
	store   *kv.SQLite
	syncDir string
}

func newStack(t *testing.T, opts devserver.SimOptions) *stack {
	t.Helper()
	if opts.StageDuration == 0 {
		opts.StageDuration = 30 * time.Millisecond
	}
	if opts.TextureDuration == 0 {
		opts.TextureDuration = 80 * time.Millisecond
	}
	sim := devserver.NewSim(opts)
	srv := httptest.NewServer(devserver.NewMux(sim, devserver.Options{}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := kv.OpenSQLite(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &stack{t: t, sim: sim, url: srv.URL + "/api", store: store, syncDir: filepath.Join(dir, "sync")}
}

type process struct {
	*engine.Engine
	hist   *history.Store
	events *engine.MemoryPublisher
}

// spawn starts an engine against the shared store and sync directory.
func (s *stack) spawn() *process {
	s.t.Helper()
	client := backend.New(s.url)
	ch, err := broadcast.OpenDir(s.syncDir, broadcast.WithErrorHandler(func(err error) { s.t.Logf("sync: %v", err) }))
	if err != nil {
		s.t.Fatalf("open sync dir: %v", err)
	}
	hist := history.New(client, s.store, history.Options{Retries: -1})
	pub := engine.NewMemoryPublisher()
	e, err := engine.New(engine.Config{
		Client:             client,
		Store:              s.store,
		Channel:            ch,
		History:            hist,
		Publisher:          pub,
		PollInterval:       10 * time.Millisecond,
		StageDwell:         5 * time.Millisecond,
		MinCompletionDelay: 10 * time.Millisecond,
		MaxCompletionDelay: 100 * time.Millisecond,
	})
	if err != nil {
		s.t.Fatalf("new engine: %v", err)
	}
	s.t.Cleanup(func() {
		e.Close()
		ch.Close()
	})
	return &process{Engine: e, hist: hist, events: pub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func uploadFiles() []backend.UploadFile {
	return []backend.UploadFile{{Name: "chair.png", Content: []byte("\x89PNG\r\n\x1a\nchair")}}
}
