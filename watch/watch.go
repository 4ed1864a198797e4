// Package watch polls a change detector and runs an action once the token
// it reports has settled. The gateway uses it to pick up a rewritten
// manifest file and hand it to the lifecycle controller.
//
//	w := watch.New(watch.Options{Detector: watch.FileDetector(path)})
//	go w.Run(ctx, func(ctx context.Context) error { return observe(ctx, path) })
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeDetector returns a version token. A different token means the
// watched thing changed; the empty token means it does not exist.
type ChangeDetector func(ctx context.Context) (string, error)

// Options configures a Watcher. Detector is required.
type Options struct {
	Detector ChangeDetector
	// Interval between polls. Default 1s.
	Interval time.Duration
	// Debounce is how long a new token must stay unchanged before the
	// action runs. Zero runs it on the poll that saw the change.
	Debounce time.Duration
	// FireInitial runs the action for the token present at start.
	FireInitial bool
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs an action each time its detector settles on a new token.
type Watcher struct {
	opts     Options
	failures atomic.Int64

	mu      sync.Mutex
	applied string
	bump    chan struct{} // closed and replaced whenever applied moves
}

// New returns a Watcher. Nothing is polled until Run is called.
func New(opts Options) *Watcher {
	opts.defaults()
	return &Watcher{opts: opts, bump: make(chan struct{})}
}

// Applied returns the last token whose action succeeded, or the initial
// token when FireInitial is off.
func (w *Watcher) Applied() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// Failures counts detector and action errors since New.
func (w *Watcher) Failures() int64 { return w.failures.Load() }

// Run polls until ctx is done. A failed action leaves the applied token
// untouched so the next poll tries again.
func (w *Watcher) Run(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if tok, err := w.opts.Detector(ctx); err != nil {
		w.failures.Add(1)
		log.Warn("watch: initial check failed", "error", err)
	} else if w.opts.FireInitial && tok != "" {
		w.apply(ctx, action, tok)
	} else {
		w.setApplied(tok)
	}

	tick := time.NewTicker(w.opts.Interval)
	defer tick.Stop()

	// candidate is the newest unapplied token and since is when it was
	// first seen.
	var candidate string
	var since time.Time

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return
		case now := <-tick.C:
			tok, err := w.opts.Detector(ctx)
			if err != nil {
				w.failures.Add(1)
				log.Warn("watch: check failed", "error", err)
				continue
			}
			if tok == w.Applied() {
				candidate = ""
				continue
			}
			if tok != candidate {
				candidate, since = tok, now
				log.Debug("watch: change seen", "token", short(tok))
			}
			if now.Sub(since) >= w.opts.Debounce {
				w.apply(ctx, action, candidate)
			}
		}
	}
}

// WaitFor blocks until token has been applied or ctx is done.
func (w *Watcher) WaitFor(ctx context.Context, token string) error {
	for {
		w.mu.Lock()
		cur, bump := w.applied, w.bump
		w.mu.Unlock()
		if cur == token {
			return nil
		}
		select {
		case <-bump:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) apply(ctx context.Context, action func(context.Context) error, tok string) {
	log := w.opts.Logger
	start := time.Now()
	if err := action(ctx); err != nil {
		w.failures.Add(1)
		log.Error("watch: action failed", "token", short(tok), "error", err)
		return
	}
	w.setApplied(tok)
	log.Info("watch: applied", "token", short(tok), "took", time.Since(start))
}

func (w *Watcher) setApplied(tok string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tok == w.applied {
		return
	}
	w.applied = tok
	close(w.bump)
	w.bump = make(chan struct{})
}

func short(tok string) string {
	if len(tok) > 12 {
		return tok[:12]
	}
	return tok
}

// FileDetector tokens a file by the SHA-256 of its content. A missing file
// yields "", so creating it later counts as a change.
func FileDetector(path string) ChangeDetector {
	return func(context.Context) (string, error) {
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		defer f.Close()
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}
