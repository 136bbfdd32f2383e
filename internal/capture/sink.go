package capture

import (
	"context"
	"fmt"

	"gemini-interceptor/internal/config"
)

// Sink stores capture documents. Writing the same key and role twice
// overwrites the earlier document.
type Sink interface {
	Write(ctx context.Context, key Key, role Role, doc []byte) error
	// Scan calls fn for every stored document. Order is unspecified.
	Scan(ctx context.Context, fn func(key Key, role Role, doc []byte) error) error
	Close() error
}

// NewSink opens the sink selected by capture.backend.
func NewSink(cfg *config.Config) (Sink, error) {
	switch cfg.Capture.Backend {
	case config.BackendFile, "":
		return NewFileSink(cfg.Capture.Dir), nil
	case config.BackendSQLite:
		return OpenSQLiteSink(cfg.Capture.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
	}
}
