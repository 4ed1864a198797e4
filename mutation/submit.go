package mutation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/nous/remote"
)

// UnreachableReporter is told when a direct write fails transiently, so that
// the connectivity state reflects it and the next recovery triggers a drain.
type UnreachableReporter interface {
	ReportUnreachable(ctx context.Context, cause error)
}

// Result describes how a submitted write was handled.
type Result struct {
	// Queued is true when the write was appended to the queue instead of
	// being confirmed by the store.
	Queued bool  `json:"queued"`
	Seq    int64 `json:"seq,omitempty"`
}

// Submitter is the normal write path: write through when possible, queue
// when not.
type Submitter struct {
	q        *Queue
	w        remote.Writer
	reporter UnreachableReporter
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewSubmitter wires a queue, a writer and an optional reporter.
func NewSubmitter(q *Queue, w remote.Writer, reporter UnreachableReporter, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{q: q, w: w, reporter: reporter, logger: logger}
}

// Submit applies m. While entries are pending (or a drain is running) m is
// queued behind them so replay order matches submission order. Otherwise m
// is written directly: a permanent rejection is returned to the caller and
// not queued, a transient failure queues m and reports the store
// unreachable.
func (s *Submitter) Submit(ctx context.Context, m remote.Mutation) (Result, error) {
	if err := s.q.Validate(m); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.q.Len(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("mutation: submit: %w", err)
	}
	if pending > 0 || s.q.Draining() {
		return s.enqueue(ctx, m)
	}

	werr := s.w.Write(ctx, m)
	switch remote.Classify(werr) {
	case remote.OutcomeOK:
		return Result{}, nil
	case remote.OutcomeRejected:
		return Result{}, werr
	}

	s.logger.InfoContext(ctx, "mutation: direct write failed, queueing",
		"op", m.Op, "path", m.TargetPath, "error", werr)
	res, err := s.enqueue(context.WithoutCancel(ctx), m)
	if err != nil {
		return res, err
	}
	if s.reporter != nil {
		s.reporter.ReportUnreachable(ctx, werr)
	}
	return res, nil
}

func (s *Submitter) enqueue(ctx context.Context, m remote.Mutation) (Result, error) {
	seq, err := s.q.Enqueue(ctx, m)
	if err != nil {
		return Result{}, err
	}
	return Result{Queued: true, Seq: seq}, nil
}
