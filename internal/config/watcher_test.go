package config_test

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/futurianh1k/edgevoice/internal/config"
)

const rewrittenYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
decoder:
  model_path: /models/ggml-base.bin
`

// touch moves the file's mtime forward so the poller cannot miss a rewrite on
// filesystems with coarse timestamps.
func touch(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", validYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("ListenAddr = %q", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "server: [broken")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validYAML)

	var mu sync.Mutex
	var diffs []config.ConfigDiff
	onChange := func(old, new *config.Config) {
		mu.Lock()
		diffs = append(diffs, config.Diff(old, new))
		mu.Unlock()
	}

	w, err := config.NewWatcher(path, onChange, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "config.yaml", rewrittenYAML)
	touch(t, path)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(diffs) > 0
	})

	mu.Lock()
	d := diffs[0]
	mu.Unlock()
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current().LogLevel = %q", got)
	}
}

func TestWatcher_InvalidRewriteKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, "config.yaml", "decoder: [broken")
	touch(t, path)

	// Give the poller a few cycles, then confirm the old config survived.
	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("previous config lost: ListenAddr = %q", got)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", validYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
