package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/config"
)

const (
	infoYAML = `
server:
  log_level: info
engine:
  name: whisper-native
`
	debugYAML = `
server:
  log_level: debug
engine:
  name: whisper-native
`
	rejectedYAML = `
server:
  log_level: bananas
`
)

// watch writes content to a fresh config file and watches it with a short
// polling interval.
func watch(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	return watchEvery(t, 20*time.Millisecond, content, onChange)
}

func watchEvery(t *testing.T, interval time.Duration, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	rewrite(t, path, content, 0)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// rewrite replaces the file and moves its mtime by offset seconds, so the
// change is visible on file systems with coarse timestamps.
func rewrite(t *testing.T, path, content string, offset int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Add(time.Duration(offset) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_PollPicksUpLogLevel(t *testing.T) {
	t.Parallel()
	type change struct{ old, new *config.Config }
	changes := make(chan change, 4)
	w, path := watch(t, infoYAML, func(old, new *config.Config) { changes <- change{old, new} })

	if cur := w.Current(); cur.Transcription.FileChunkBytes != config.DefaultFileChunkBytes {
		t.Errorf("defaults not applied to initial load: %+v", cur.Transcription)
	}

	rewrite(t, path, debugYAML, 1)

	var c change
	select {
	case c = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}
	d := config.Diff(c.old, c.new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug || len(d.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want only info -> debug", d)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	w, path := watchEvery(t, time.Hour, infoYAML, func(_, _ *config.Config) { calls.Add(1) })

	tests := []struct {
		name      string
		content   string
		wantApply bool
		wantErr   bool
		wantLevel config.LogLevel
	}{
		{"unchanged", infoYAML, false, false, config.LogInfo},
		{"rejected", rejectedYAML, false, true, config.LogInfo},
		{"changed", debugYAML, true, false, config.LogDebug},
		{"same content again", debugYAML, false, false, config.LogDebug},
	}
	for _, tt := range tests {
		if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
			t.Fatal(err)
		}
		applied, err := w.Reload()
		if applied != tt.wantApply || (err != nil) != tt.wantErr {
			t.Errorf("%s: Reload() = %v, %v", tt.name, applied, err)
		}
		if got := w.Current().Server.LogLevel; got != tt.wantLevel {
			t.Errorf("%s: log level = %q, want %q", tt.name, got, tt.wantLevel)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange called %d times, want 1", n)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	_, path := watch(t, infoYAML, func(_, _ *config.Config) { calls.Add(1) })

	rewrite(t, path, infoYAML, 2)
	time.Sleep(150 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("onChange called %d times for a touch", n)
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Fatal("want error for a missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, infoYAML, nil)
	w.Stop()
	w.Stop()
}
