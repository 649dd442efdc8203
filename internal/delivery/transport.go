package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/example/booking-core/internal/persistence"
)

// Transport sends one envelope. Returning an error schedules a retry.
type Transport interface {
	Send(ctx context.Context, envelope Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, envelope Envelope) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, envelope Envelope) error {
	return f(ctx, envelope)
}

// ErrEmptyRecipients is reported for envelopes with nobody to deliver to.
// Such rows are treated as delivered.
var ErrEmptyRecipients = errors.New("delivery: envelope has no recipients")

// NewProcessor returns an outbox processor that hands every row to transport.
func NewProcessor(transport Transport, logger *slog.Logger) func(context.Context, persistence.OutboxEvent) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event persistence.OutboxEvent) error {
		envelope, err := NewEnvelope(event)
		if err != nil {
			return err
		}
		if len(envelope.Recipients) == 0 {
			logger.DebugContext(ctx, "outbox event has no recipients",
				"outbox_id", event.ID,
				"event_type", event.EventType,
				"error", ErrEmptyRecipients,
			)
			return nil
		}
		return transport.Send(ctx, envelope)
	}
}

// LogTransport writes one structured log line per envelope.
type LogTransport struct {
	Logger *slog.Logger
}

// Send implements Transport.
func (t LogTransport) Send(ctx context.Context, envelope Envelope) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification delivered",
		"dedup_key", envelope.DedupKey,
		"outbox_id", envelope.OutboxID,
		"organization_id", envelope.OrganizationID,
		"event_type", envelope.EventType,
		"recipients", len(envelope.Recipients),
		"attempt", envelope.Attempt,
	)
	return nil
}

// SpoolTransport writes envelopes as zstd-compressed deterministic CBOR files
// into a directory that an external sender drains. Files are named by dedup
// key and written atomically; a redelivered envelope whose file already
// exists is a no-op.
type SpoolTransport struct {
	dir     string
	encMode cbor.EncMode
	encoder *zstd.Encoder

	mu sync.Mutex
}

// SpoolExt is the file extension of spooled envelopes.
const SpoolExt = ".cbor.zst"

// NewSpoolTransport creates dir if needed and returns a transport writing into it.
func NewSpoolTransport(dir string) (*SpoolTransport, error) {
	if dir == "" {
		return nil, fmt.Errorf("delivery: spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("delivery: create spool directory: %w", err)
	}
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("delivery: cbor encoder: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("delivery: zstd encoder: %w", err)
	}
	return &SpoolTransport{dir: dir, encMode: encMode, encoder: encoder}, nil
}

// Dir returns the spool directory.
func (t *SpoolTransport) Dir() string {
	return t.dir
}

// Path returns the spool file path for a dedup key.
func (t *SpoolTransport) Path(dedupKey string) string {
	return filepath.Join(t.dir, dedupKey+SpoolExt)
}

// Send implements Transport.
func (t *SpoolTransport) Send(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if envelope.DedupKey == "" {
		return fmt.Errorf("delivery: envelope %d has no dedup key", envelope.OutboxID)
	}
	encoded, err := t.encMode.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("delivery: encode envelope %d: %w", envelope.OutboxID, err)
	}
	compressed := t.encoder.EncodeAll(encoded, nil)

	t.mu.Lock()
	defer t.mu.Unlock()

	target := t.Path(envelope.DedupKey)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	tmp, err := os.CreateTemp(t.dir, "envelope-*.tmp")
	if err != nil {
		return fmt.Errorf("delivery: create spool file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("delivery: write spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("delivery: sync spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("delivery: close spool file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("delivery: publish spool file: %w", err)
	}
	return nil
}

// Close releases the compressor.
func (t *SpoolTransport) Close() error {
	return t.encoder.Close()
}

// ReadSpoolFile decodes one spooled envelope.
func ReadSpoolFile(path string) (Envelope, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("delivery: zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("delivery: decompress %s: %w", filepath.Base(path), err)
	}
	var envelope Envelope
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("delivery: decode %s: %w", filepath.Base(path), err)
	}
	return envelope, nil
}
