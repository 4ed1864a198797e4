package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/nous/remote"
)

type reporterFunc func(ctx context.Context, cause error)

func (f reporterFunc) ReportUnreachable(ctx context.Context, cause error) { f(ctx, cause) }

func TestSubmitDirectWhenQueueEmpty(t *testing.T) {
	q := newTestQueue(t)
	w := &scriptedWriter{}
	s := NewSubmitter(q, w, nil, nil)

	res, err := s.Submit(context.Background(), remote.Mutation{Op: remote.OpCreate, TargetPath: "/h/a"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued {
		t.Fatal("write was queued although the store accepted it")
	}
	if len(w.tried()) != 1 {
		t.Fatalf("attempts = %v", w.tried())
	}
}

func TestSubmitQueuesOnTransientFailure(t *testing.T) {
	q := newTestQueue(t)
	w := &scriptedWriter{script: map[string][]error{
		"/h/a": {&remote.TransientError{Cause: errors.New("offline")}},
	}}
	var (
		mu       sync.Mutex
		reported error
	)
	s := NewSubmitter(q, w, reporterFunc(func(_ context.Context, cause error) {
		mu.Lock()
		reported = cause
		mu.Unlock()
	}), nil)

	res, err := s.Submit(context.Background(), remote.Mutation{Op: remote.OpCreate, TargetPath: "/h/a", Payload: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.Seq == 0 {
		t.Fatalf("result = %+v, want queued", res)
	}
	mu.Lock()
	if reported == nil {
		t.Fatal("unreachable not reported")
	}
	mu.Unlock()

	entries, _ := q.List(context.Background(), 0)
	if len(entries) != 1 || string(entries[0].Payload) != `{"n":1}` {
		t.Fatalf("queue = %+v", entries)
	}
}

func TestSubmitReturnsRejection(t *testing.T) {
	q := newTestQueue(t)
	w := &scriptedWriter{script: map[string][]error{
		"/h/a": {&remote.RejectedError{Code: "INVALID_ARGUMENT"}},
	}}
	s := NewSubmitter(q, w, reporterFunc(func(context.Context, error) {
		t.Error("rejection must not report unreachable")
	}), nil)

	_, err := s.Submit(context.Background(), remote.Mutation{Op: remote.OpCreate, TargetPath: "/h/a"})
	if !remote.IsRejected(err) {
		t.Fatalf("err = %v, want rejection", err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("rejected write was queued (len %d)", n)
	}
}

func TestSubmitQueuesBehindPending(t *testing.T) {
	q := newTestQueue(t)
	first := mustEnqueue(t, q, remote.OpCreate, "/h/a")
	w := &scriptedWriter{}
	s := NewSubmitter(q, w, nil, nil)

	res, err := s.Submit(context.Background(), remote.Mutation{Op: remote.OpDelete, TargetPath: "/h/a"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.Seq <= first {
		t.Fatalf("result = %+v, want queued after seq %d", res, first)
	}
	if len(w.tried()) != 0 {
		t.Fatal("write went direct while entries were pending")
	}

	sum, err := q.Drain(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Succeeded != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	q := newTestQueue(t)
	w := &scriptedWriter{}
	s := NewSubmitter(q, w, nil, nil)
	if _, err := s.Submit(context.Background(), remote.Mutation{Op: remote.OpCreate, TargetPath: "relative"}); err == nil {
		t.Fatal("expected validation error")
	}
	if len(w.tried()) != 0 {
		t.Fatal("invalid write reached the store")
	}
}
