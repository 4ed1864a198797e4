// Package remote is the port to the hosted document store that owns the
// habit data. The gateway never interprets documents. It forwards create,
// update and delete mutations and classifies each outcome as success, a
// transient failure worth retrying, or a permanent rejection.
package remote

import (
	"context"
	"fmt"
)

// OpType is the kind of write.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// ParseOpType validates s.
func ParseOpType(s string) (OpType, error) {
	switch op := OpType(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("remote: unknown op type %q", s)
}

// Mutation is one write against the document store.
type Mutation struct {
	Op         OpType
	TargetPath string
	Payload    []byte
}

// Writer applies mutations to the remote collaborator. A nil error means the
// store confirmed the write. Errors should be *TransientError or
// *RejectedError; anything else is classified as transient.
type Writer interface {
	Write(ctx context.Context, m Mutation) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, m Mutation) error

func (f WriterFunc) Write(ctx context.Context, m Mutation) error { return f(ctx, m) }
