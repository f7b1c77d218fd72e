package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tkingovr/wafguard/internal/engine"
	"github.com/tkingovr/wafguard/internal/filter"
	"github.com/tkingovr/wafguard/internal/metrics"
)

const oneRule = `
version: 1
rules:
  - id: 1
    phase: request_headers
    variables: [REQUEST_URI]
    operator: contains
    argument: attack
    action: deny
`

const twoRules = oneRule + `
  - id: 2
    phase: request_headers
    variables: [REQUEST_METHOD]
    operator: streq
    argument: TRACE
    action: deny
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pathBuilder(path string) BuildFunc {
	return func(ctx context.Context) *filter.Config {
		return filter.NewConfig(ctx, filter.Options{
			Rules:  engine.RuleSources{Paths: []string{path}},
			Logger: discard(),
		})
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestDebouncer_StopCancelsPending(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls atomic.Int32
	d.Trigger(func() { calls.Add(1) })
	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(100 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("expected no calls after stop, got %d", n)
	}
}

func TestReloader_SwapsOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, oneRule)

	m := metrics.New(nil)
	r := NewReloader(context.Background(), pathBuilder(path), discard(), m)
	first := r.Current()
	if first.Rules().Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", first.Rules().Len())
	}

	writeFile(t, path, twoRules)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Current() == first || r.Current().Rules().Len() != 2 {
		t.Errorf("expected new config with 2 rules, got %d", r.Current().Rules().Len())
	}
	if first.Rules().Len() != 1 {
		t.Error("previous config must not be mutated")
	}

	expected := `
# HELP wafguard_rule_reloads_total Rule reloads triggered by file changes, by result
# TYPE wafguard_rule_reloads_total counter
wafguard_rule_reloads_total{result="success"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wafguard_rule_reloads_total"); err != nil {
		t.Error(err)
	}
}

func TestReloader_KeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, oneRule)

	m := metrics.New(nil)
	r := NewReloader(context.Background(), pathBuilder(path), discard(), m)
	first := r.Current()

	writeFile(t, path, "rules: [")
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if r.Current() != first {
		t.Error("expected previous config kept")
	}

	expected := `
# HELP wafguard_rule_reloads_total Rule reloads triggered by file changes, by result
# TYPE wafguard_rule_reloads_total counter
wafguard_rule_reloads_total{result="failure"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wafguard_rule_reloads_total"); err != nil {
		t.Error(err)
	}
}

func TestFileWatcher_Relevant(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "single.yaml")
	writeFile(t, file, oneRule)
	sub := filepath.Join(dir, "rules.d")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	fw, err := NewFileWatcher([]string{file, sub}, 0, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Stop()

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"watched file write", fsnotify.Event{Name: file, Op: fsnotify.Write}, true},
		{"sibling of watched file", fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write}, false},
		{"rule in watched dir", fsnotify.Event{Name: filepath.Join(sub, "crs.rego"), Op: fsnotify.Create}, true},
		{"non-rule in watched dir", fsnotify.Event{Name: filepath.Join(sub, "notes.txt"), Op: fsnotify.Write}, false},
		{"hidden swap file", fsnotify.Event{Name: filepath.Join(sub, ".crs.yaml.swp"), Op: fsnotify.Write}, false},
		{"chmod only", fsnotify.Event{Name: file, Op: fsnotify.Chmod}, false},
		{"rename away", fsnotify.Event{Name: file, Op: fsnotify.Rename}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fw.relevant(tt.event); got != tt.want {
				t.Errorf("relevant(%v) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestFileWatcher_MissingPath(t *testing.T) {
	if _, err := NewFileWatcher([]string{filepath.Join(t.TempDir(), "missing.yaml")}, 0, discard()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestReloader_RunReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeFile(t, path, oneRule)

	r := NewReloader(context.Background(), pathBuilder(path), discard(), nil)
	fw, err := NewFileWatcher([]string{path}, 20*time.Millisecond, discard())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, fw) }()

	// Give the watch loop a moment to start before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, twoRules)

	deadline := time.Now().Add(5 * time.Second)
	for r.Current().Rules().Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reload")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch returned %v", err)
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}
