// Package storage defines the byte-sink interface used to copy finished
// archives to their destinations. The abstraction keeps the pipeline
// independent of where archives end up (local filesystem, object store).
package storage

import (
	"context"
	"io"
)

// Provider copies a finished artifact to a destination and returns its URI.
type Provider interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOp discards artifacts. Useful for dry runs.
type NoOp struct{}

// PutObject reads and discards the artifact.
func (NoOp) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return "noop://" + path, nil
}
