package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestParseOpType(t *testing.T) {
	for _, s := range []string{"create", "update", "delete"} {
		if _, err := ParseOpType(s); err != nil {
			t.Errorf("ParseOpType(%q): %v", s, err)
		}
	}
	if _, err := ParseOpType("upsert"); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"rejected", &RejectedError{Code: "PERMISSION_DENIED"}, OutcomeRejected},
		{"wrapped rejected", errors.Join(errors.New("ctx"), &RejectedError{Status: 400}), OutcomeRejected},
		{"transient", &TransientError{Cause: errors.New("dial")}, OutcomeTransient},
		{"unknown", errors.New("something odd"), OutcomeTransient},
		{"deadline", context.DeadlineExceeded, OutcomeTransient},
		{"panic", &ErrPanic{Value: "boom"}, OutcomeTransient},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type recorded struct {
	method, path, body, auth, ctype string
}

func newStoreServer(t *testing.T, status int, body string) (*httptest.Server, *[]recorded, *sync.Mutex) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{r.Method, r.URL.Path, string(b), r.Header.Get("Authorization"), r.Header.Get("Content-Type")})
		mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mu
}

func TestHTTPWriterMethods(t *testing.T) {
	srv, reqs, mu := newStoreServer(t, http.StatusOK, `{}`)
	w, err := NewHTTPWriter(srv.URL+"/v1/", WithHeader("Authorization", "Bearer tok"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	muts := []Mutation{
		{Op: OpCreate, TargetPath: "/users/u1/habits", Payload: []byte(`{"name":"run"}`)},
		{Op: OpUpdate, TargetPath: "/users/u1/habits/h1", Payload: []byte(`{"name":"walk"}`)},
		{Op: OpDelete, TargetPath: "/users/u1/habits/h1"},
	}
	for _, m := range muts {
		if err := w.Write(ctx, m); err != nil {
			t.Fatalf("Write(%s): %v", m.Op, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []recorded{
		{"POST", "/v1/users/u1/habits", `{"name":"run"}`, "Bearer tok", "application/json"},
		{"PATCH", "/v1/users/u1/habits/h1", `{"name":"walk"}`, "Bearer tok", "application/json"},
		{"DELETE", "/v1/users/u1/habits/h1", "", "Bearer tok", ""},
	}
	if len(*reqs) != len(want) {
		t.Fatalf("requests = %d, want %d", len(*reqs), len(want))
	}
	for i := range want {
		if (*reqs)[i] != want[i] {
			t.Errorf("req[%d] = %+v, want %+v", i, (*reqs)[i], want[i])
		}
	}
}

func TestHTTPWriterClassification(t *testing.T) {
	tests := []struct {
		name   string
		op     OpType
		status int
		body   string
		want   Outcome
		code   string
	}{
		{"created", OpCreate, 201, ``, OutcomeOK, ""},
		{"delete missing", OpDelete, 404, `{"error":{"status":"NOT_FOUND"}}`, OutcomeOK, ""},
		{"update missing", OpUpdate, 404, `{"error":{"status":"NOT_FOUND","message":"no doc"}}`, OutcomeRejected, "NOT_FOUND"},
		{"permission", OpCreate, 403, `{"error":{"code":403,"status":"PERMISSION_DENIED","message":"denied"}}`, OutcomeRejected, "PERMISSION_DENIED"},
		{"precondition", OpUpdate, 400, `{"error":{"status":"FAILED_PRECONDITION"}}`, OutcomeRejected, "FAILED_PRECONDITION"},
		{"plain 400", OpCreate, 400, `bad`, OutcomeRejected, ""},
		{"throttled", OpCreate, 429, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, OutcomeTransient, ""},
		{"aborted as 409", OpUpdate, 409, `{"error":{"status":"ABORTED"}}`, OutcomeTransient, ""},
		{"unavailable", OpCreate, 503, ``, OutcomeTransient, ""},
		{"timeout", OpCreate, 408, ``, OutcomeTransient, ""},
		{"redirect", OpCreate, 304, ``, OutcomeTransient, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newStoreServer(t, tt.status, tt.body)
			w, err := NewHTTPWriter(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			err = w.Write(context.Background(), Mutation{Op: tt.op, TargetPath: "/docs/d1", Payload: []byte(`{}`)})
			if got := Classify(err); got != tt.want {
				t.Fatalf("outcome = %v (err %v), want %v", got, err, tt.want)
			}
			if tt.code != "" {
				var rej *RejectedError
				if !errors.As(err, &rej) || rej.Code != tt.code {
					t.Fatalf("err = %v, want code %s", err, tt.code)
				}
			}
		})
	}
}

func TestHTTPWriterUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w, err := NewHTTPWriter(url)
	if err != nil {
		t.Fatal(err)
	}
	err = w.Write(context.Background(), Mutation{Op: OpCreate, TargetPath: "/docs", Payload: []byte(`{}`)})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransientError", err)
	}
}

func TestHTTPWriterRejectsBadInput(t *testing.T) {
	w, err := NewHTTPWriter("https://store.example.com")
	if err != nil {
		t.Fatal(err)
	}
	err = w.Write(context.Background(), Mutation{Op: OpCreate, TargetPath: "/a/../b"})
	if !IsRejected(err) {
		t.Fatalf("traversal: err = %v, want rejection", err)
	}
	err = w.Write(context.Background(), Mutation{Op: "merge", TargetPath: "/a"})
	if !IsRejected(err) {
		t.Fatalf("unknown op: err = %v, want rejection", err)
	}

	if _, err := NewHTTPWriter("ftp://store.example.com"); err == nil {
		t.Fatal("expected error for ftp base")
	}
}

func TestTimeoutConvertsHang(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hung := WriterFunc(func(ctx context.Context, m Mutation) error {
		<-release
		return nil
	})

	w := Timeout(20 * time.Millisecond)(hung)
	start := time.Now()
	err := w.Write(context.Background(), Mutation{Op: OpCreate, TargetPath: "/x"})
	if Classify(err) != OutcomeTransient {
		t.Fatalf("err = %v, want transient", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded cause", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout did not fire promptly")
	}
}

func TestChainOrderAndRecovery(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Writer) Writer {
			return WriterFunc(func(ctx context.Context, m Mutation) error {
				order = append(order, name)
				return next.Write(ctx, m)
			})
		}
	}
	panicky := WriterFunc(func(ctx context.Context, m Mutation) error { panic("boom") })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := Chain(mw("a"), mw("b"), Logging(logger), Timeout(time.Second), Recovery(logger))(panicky)
	err := w.Write(context.Background(), Mutation{Op: OpDelete, TargetPath: "/x"})

	var pe *ErrPanic
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrPanic", err)
	}
	if Classify(err) != OutcomeTransient {
		t.Fatal("panic should classify as transient")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}
