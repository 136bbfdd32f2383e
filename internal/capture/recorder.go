package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gemini-interceptor/internal/metrics"
)

// Recorder writes snapshots to a sink on a best-effort basis: failures are
// logged and counted, never returned, so they cannot disturb the relay.
type Recorder struct {
	sink    Sink
	keys    *Keyer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRecorder creates a Recorder. The metrics parameter is optional.
func NewRecorder(sink Sink, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		sink:    sink,
		keys:    NewKeyer(),
		logger:  logger.With("component", "capture_recorder"),
		metrics: m,
	}
}

// Begin allocates the correlation key for an exchange starting now.
func (r *Recorder) Begin() Key {
	return r.keys.Next()
}

// Resume continues the key sequence after the newest key already in the
// sink, so exchanges captured before a restart are not overwritten.
func (r *Recorder) Resume(ctx context.Context) error {
	var (
		last  Key
		found bool
	)
	err := r.sink.Scan(ctx, func(key Key, _ Role, _ []byte) error {
		if !found || last.Less(key) {
			last, found = key, true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan existing captures: %w", err)
	}
	if found {
		r.keys.Resume(last)
		r.logger.Debug("resuming capture keys", "after", last.String())
	}
	return nil
}

// RecordRequest writes the request half of the exchange.
func (r *Recorder) RecordRequest(ctx context.Context, key Key, snap *RequestSnapshot) {
	r.write(ctx, key, RoleRequest, snap)
}

// RecordResponse writes the response half of the exchange.
func (r *Recorder) RecordResponse(ctx context.Context, key Key, snap *ResponseSnapshot) {
	r.write(ctx, key, RoleResponse, snap)
}

func (r *Recorder) write(ctx context.Context, key Key, role Role, v any) {
	// The caller may already be gone; the capture still gets written.
	ctx = context.WithoutCancel(ctx)

	err := r.encodeAndWrite(ctx, key, role, v)
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.Error("capture write failed",
			"key", key.String(),
			"role", string(role),
			"err", err,
		)
	} else {
		r.logger.Debug("capture written", "key", key.String(), "role", string(role))
	}
	if r.metrics != nil {
		r.metrics.CapturesTotal.WithLabelValues(string(role), result).Inc()
	}
}

func (r *Recorder) encodeAndWrite(ctx context.Context, key Key, role Role, v any) error {
	doc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", role, err)
	}
	return r.sink.Write(ctx, key, role, doc)
}
