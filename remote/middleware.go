package remote

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Middleware wraps a Writer with cross-cutting behaviour.
type Middleware func(next Writer) Writer

// Chain composes middlewares left-to-right: the first is outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Writer) Writer {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every write with its duration and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(next Writer) Writer {
		return WriterFunc(func(ctx context.Context, m Mutation) error {
			start := time.Now()
			err := next.Write(ctx, m)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "remote: write failed",
					"op", m.Op,
					"path", m.TargetPath,
					"outcome", Classify(err).String(),
					"duration_ms", dur.Milliseconds(),
					"error", err)
			} else {
				logger.DebugContext(ctx, "remote: write ok",
					"op", m.Op,
					"path", m.TargetPath,
					"payload_bytes", len(m.Payload),
					"duration_ms", dur.Milliseconds())
			}
			return err
		})
	}
}

// Timeout bounds a single write attempt. When d elapses the caller gets a
// *TransientError immediately even if the wrapped writer ignores its context;
// that goroutine is left to finish on its own. Recovery must sit inside
// Timeout in a chain so that it runs on the same goroutine as the writer.
func Timeout(d time.Duration) Middleware {
	return func(next Writer) Writer {
		return WriterFunc(func(ctx context.Context, m Mutation) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- next.Write(ctx, m) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return &TransientError{Op: m.Op, Path: m.TargetPath, Cause: ctx.Err()}
			}
		})
	}
}

// Recovery converts a panic in the wrapped writer into an *ErrPanic, which
// classifies as transient.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Writer) Writer {
		return WriterFunc(func(ctx context.Context, m Mutation) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "remote: writer panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next.Write(ctx, m)
		})
	}
}
