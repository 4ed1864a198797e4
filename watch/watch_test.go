package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeToken is a detector whose token the test sets directly.
type fakeToken struct {
	mu  sync.Mutex
	tok string
	err error
}

func (f *fakeToken) set(tok string, err error) {
	f.mu.Lock()
	f.tok, f.err = tok, err
	f.mu.Unlock()
}

func (f *fakeToken) detect(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tok, f.err
}

// start runs w in the background and returns a counter of action calls.
func start(t *testing.T, w *Watcher, action func(n int32) error) *atomic.Int32 {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var calls atomic.Int32
	go w.Run(ctx, func(context.Context) error {
		return action(calls.Add(1))
	})
	return &calls
}

func ok(int32) error { return nil }

func waitFor(t *testing.T, w *Watcher, tok string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.WaitFor(ctx, tok); err != nil {
		t.Fatalf("waiting for %q: %v (applied %q)", tok, err, w.Applied())
	}
}

func TestFileDetector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	detect := FileDetector(path)
	ctx := context.Background()

	if tok, err := detect(ctx); err != nil || tok != "" {
		t.Fatalf("missing file: %q, %v", tok, err)
	}
	write := func(s string) string {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
		tok, err := detect(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}
	a := write("generation: a\n")
	b := write("generation: b\n")
	if a == "" || a == b {
		t.Fatalf("a=%q b=%q", a, b)
	}
	if again := write("generation: a\n"); again != a {
		t.Error("identical content gave a different token")
	}
}

func TestRunAppliesEachNewToken(t *testing.T) {
	src := &fakeToken{tok: "v0"}
	w := New(Options{Interval: 10 * time.Millisecond, Detector: src.detect})
	calls := start(t, w, ok)

	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("action ran for the starting token")
	}
	if w.Applied() != "v0" {
		t.Fatalf("applied = %q", w.Applied())
	}

	src.set("v1", nil)
	waitFor(t, w, "v1")
	src.set("v2", nil)
	waitFor(t, w, "v2")
	time.Sleep(40 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("action ran %d times, want 2", n)
	}
}

func TestRunFireInitial(t *testing.T) {
	src := &fakeToken{tok: "v0"}
	w := New(Options{Interval: time.Hour, Detector: src.detect, FireInitial: true})
	calls := start(t, w, ok)
	waitFor(t, w, "v0")
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestRunFireInitialSkipsMissingFile(t *testing.T) {
	src := &fakeToken{}
	w := New(Options{Interval: time.Hour, Detector: src.detect, FireInitial: true})
	calls := start(t, w, ok)
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("action ran with nothing to apply")
	}
}

func TestRunDebouncesBursts(t *testing.T) {
	src := &fakeToken{tok: "v0"}
	w := New(Options{
		Interval: 10 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: src.detect,
	})
	calls := start(t, w, ok)
	time.Sleep(30 * time.Millisecond)

	for _, tok := range []string{"v1", "v2", "v3", "v4", "v5"} {
		src.set(tok, nil)
		time.Sleep(15 * time.Millisecond)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("action ran %d times inside the burst", n)
	}
	waitFor(t, w, "v5")
	if n := calls.Load(); n != 1 {
		t.Fatalf("action ran %d times, want 1", n)
	}
}

func TestRunRetriesFailedAction(t *testing.T) {
	src := &fakeToken{tok: "v0"}
	w := New(Options{Interval: 10 * time.Millisecond, Detector: src.detect})
	calls := start(t, w, func(n int32) error {
		if n == 1 {
			return errors.New("install incomplete")
		}
		return nil
	})
	time.Sleep(30 * time.Millisecond)

	src.set("v1", nil)
	waitFor(t, w, "v1")
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want a retry", calls.Load())
	}
	if w.Failures() == 0 {
		t.Error("failed action not counted")
	}
}

func TestRunCountsDetectorErrors(t *testing.T) {
	src := &fakeToken{tok: "v0"}
	w := New(Options{Interval: 10 * time.Millisecond, Detector: src.detect})
	start(t, w, ok)
	time.Sleep(30 * time.Millisecond)

	src.set("", errors.New("permission denied"))
	time.Sleep(40 * time.Millisecond)
	if w.Failures() == 0 {
		t.Fatal("detector errors not counted")
	}
	if w.Applied() != "v0" {
		t.Fatalf("applied moved to %q on error", w.Applied())
	}
}

func TestWaitForHonoursContext(t *testing.T) {
	w := New(Options{Detector: (&fakeToken{}).detect})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := w.WaitFor(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
