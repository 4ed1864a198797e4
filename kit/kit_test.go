package kit

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+">")
				resp, err := next(ctx, req)
				order = append(order, "<"+name)
				return resp, err
			}
		}
	}
	base := func(context.Context, any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("auth"), mw("log"))(base)(context.Background(), nil)
	if err != nil || resp != "ok" {
		t.Fatalf("resp = %v, %v", resp, err)
	}
	want := []string{"auth>", "log>", "endpoint", "<log", "<auth"}
	if !slices.Equal(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestChainPropagatesErrors(t *testing.T) {
	errFail := errors.New("activate: unknown generation")
	noop := func(next Endpoint) Endpoint { return next }
	_, err := Chain(noop)(func(context.Context, any) (any, error) { return nil, errFail })(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("err = %v", err)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if GetActor(ctx) != "system" || HasActor(ctx) {
		t.Fatal("unexpected defaults")
	}
	if _, ok := LookupTransport(ctx); ok {
		t.Fatal("transport must be unset on a background context")
	}
	if GetTraceID(ctx) != "" || GetRemoteAddr(ctx) != "" {
		t.Fatal("trace id and remote addr must default to empty")
	}

	ctx = WithTransport(ctx, "mcp")
	ctx = WithTraceID(ctx, "0a1b2c3d")
	ctx = WithRemoteAddr(ctx, "10.0.0.7")
	ctx = WithActor(ctx, "admin")
	if GetTraceID(ctx) != "0a1b2c3d" ||
		GetRemoteAddr(ctx) != "10.0.0.7" || GetActor(ctx) != "admin" || !HasActor(ctx) {
		t.Fatal("values not round-tripped")
	}
	if tr, ok := LookupTransport(ctx); !ok || tr != "mcp" {
		t.Fatalf("LookupTransport = %q, %v", tr, ok)
	}
}

func TestRegisterMCPTool(t *testing.T) {
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	schema := map[string]any{"type": "object", "properties": map[string]any{}}

	var seen struct{ transport, actor string }
	RegisterMCPTool(srv, &mcp.Tool{Name: "whoami", InputSchema: schema},
		func(ctx context.Context, _ any) (any, error) {
			seen.transport, _ = LookupTransport(ctx)
			seen.actor = GetActor(ctx)
			return map[string]int{"pending": 2}, nil
		}, DecodeNone)
	RegisterMCPTool(srv, &mcp.Tool{Name: "fail", InputSchema: schema},
		func(context.Context, any) (any, error) { return nil, errors.New("queue unavailable") }, DecodeNone)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "whoami", Arguments: map[string]any{}})
	if err != nil || res.IsError {
		t.Fatalf("whoami: %v %+v", err, res)
	}
	if text := res.Content[0].(*mcp.TextContent).Text; text != `{"pending":2}` {
		t.Fatalf("text = %q", text)
	}
	if seen.transport != "mcp" || seen.actor != "mcp" {
		t.Fatalf("context = %+v", seen)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "fail", Arguments: map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || len(res.Content) == 0 || res.Content[0].(*mcp.TextContent).Text != "queue unavailable" {
		t.Fatalf("fail = %+v", res)
	}
}
