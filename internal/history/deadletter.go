package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// DeadLetter stores exhausted batches as zstd-compressed JSONL files, one
// file per batch, so operators can inspect and replay them after an outage.
// The first line is a header with the failure cause; every following line
// carries one sample with its original payload text.
type DeadLetter struct {
	dir    string
	logger *zap.Logger
	seq    atomic.Int64
}

func NewDeadLetter(dir string, logger *zap.Logger) *DeadLetter {
	return &DeadLetter{dir: dir, logger: logger}
}

type deadLetterHeader struct {
	FailedAt string `json:"failed_at"`
	Cause    string `json:"cause"`
	Samples  int    `json:"samples"`
}

type deadLetterLine struct {
	DeviceID   string `json:"device_id"`
	RecordedAt string `json:"recorded_at"`
	Payload    string `json:"payload"`
}

// Write stores one batch and returns the file path.
func (d *DeadLetter) Write(samples []*telemetry.Sample, cause error) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("create dead-letter dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	var causeMsg string
	if cause != nil {
		causeMsg = cause.Error()
	}
	if err := enc.Encode(deadLetterHeader{
		FailedAt: time.Now().UTC().Format(time.RFC3339),
		Cause:    causeMsg,
		Samples:  len(samples),
	}); err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	for _, s := range samples {
		if err := enc.Encode(deadLetterLine{
			DeviceID:   s.DeviceID,
			RecordedAt: s.TimestampString(),
			Payload:    string(s.Raw),
		}); err != nil {
			return "", fmt.Errorf("encode sample: %w", err)
		}
	}

	name := fmt.Sprintf("batch_%s_%03d.jsonl.zst",
		time.Now().UTC().Format("20060102T150405"), d.seq.Add(1))
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, zstdEncoder.EncodeAll(buf.Bytes(), nil), 0o644); err != nil {
		return "", fmt.Errorf("write dead-letter file: %w", err)
	}

	d.logger.Info("dead-letter batch written",
		zap.String("path", path),
		zap.Int("samples", len(samples)),
	)
	return path, nil
}
