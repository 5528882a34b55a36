package watch

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var quietLog = log.New(io.Discard, "", 0)

func fastOptions() Options {
	return Options{
		Debounce:       30 * time.Millisecond,
		StableInterval: 10 * time.Millisecond,
		StableChecks:   2,
		Logger:         quietLog,
	}
}

func startWatcher(t *testing.T, dir string, opts Options) (*Watcher, context.CancelFunc) {
	t.Helper()
	w, err := New(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w, cancel
}

func expectReplay(t *testing.T, w *Watcher, want string) {
	t.Helper()
	select {
	case got := <-w.Replays():
		if got != want {
			t.Fatalf("announced %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no announcement for %s", want)
	}
}

func TestWatcher_AnnouncesStableFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir, fastOptions())

	path := filepath.Join(dir, "m1.SC2Replay")
	if err := os.WriteFile(path, []byte("replay bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectReplay(t, w, path)
}

func TestWatcher_IgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir, fastOptions())

	junk := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(junk, []byte("not a replay"), 0o644); err != nil {
		t.Fatal(err)
	}
	replay := filepath.Join(dir, "m2.SC2Replay")
	if err := os.WriteFile(replay, []byte("replay bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Only the replay comes through, junk never does.
	expectReplay(t, w, replay)
	select {
	case got := <-w.Replays():
		t.Fatalf("unexpected announcement: %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_WaitsForGrowingFile(t *testing.T) {
	dir := t.TempDir()
	w, _ := startWatcher(t, dir, fastOptions())

	path := filepath.Join(dir, "big.SC2Replay")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a slow copy: grow the file across several debounce
	// windows. Writes land more often than the debounce fires, so the
	// file must not be announced mid-copy.
	for i := 0; i < 12; i++ {
		if _, err := f.Write(make([]byte, 1024)); err != nil {
			t.Fatal(err)
		}
		f.Sync()
		time.Sleep(15 * time.Millisecond)
		if i == 6 {
			select {
			case got := <-w.Replays():
				t.Fatalf("announced %s while still growing", got)
			default:
			}
		}
	}
	f.Close()

	expectReplay(t, w, path)
}

func TestWatcher_Existing(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.SC2Replay", "b.sc2replay", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := New(dir, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	got, err := w.Existing()
	if err != nil {
		t.Fatal(err)
	}
	// Extension matching is case-insensitive.
	if len(got) != 2 {
		t.Fatalf("existing = %v", got)
	}
}

func TestWatcher_ClosesChannelOnCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, ok := <-w.Replays(); ok {
		t.Fatal("replay channel still open")
	}
}

func TestNew_RejectsMissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope"), Options{}); err == nil {
		t.Fatal("missing directory accepted")
	}
}
