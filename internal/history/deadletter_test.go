package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

func TestDeadLetter_WriteAndDecode(t *testing.T) {
	dir := t.TempDir()
	d := NewDeadLetter(dir, zap.NewNop())

	samples := []*telemetry.Sample{
		{DeviceID: "D1", RecordedAt: ts("2025-07-15 10:00:00"), Raw: []byte(`{"deviceID":"D1"}`)},
		{DeviceID: "D2", RecordedAt: ts("2025-07-15 10:00:05"), Raw: []byte(`{"deviceID":"D2"}`)},
	}
	path, err := d.Write(samples, errors.New("store down"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dead-letter file: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 samples, got %d lines", len(lines))
	}

	var hdr deadLetterHeader
	if err := json.Unmarshal(lines[0], &hdr); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if hdr.Cause != "store down" || hdr.Samples != 2 {
		t.Errorf("unexpected header: %+v", hdr)
	}

	var line deadLetterLine
	if err := json.Unmarshal(lines[1], &line); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if line.DeviceID != "D1" || line.RecordedAt != "2025-07-15 10:00:00" {
		t.Errorf("unexpected line: %+v", line)
	}
	if line.Payload != `{"deviceID":"D1"}` {
		t.Errorf("payload not carried verbatim: %s", line.Payload)
	}
}

func TestDeadLetter_DistinctFiles(t *testing.T) {
	dir := t.TempDir()
	d := NewDeadLetter(dir, zap.NewNop())

	s := []*telemetry.Sample{{DeviceID: "D1", RecordedAt: ts("2025-07-15 10:00:00")}}
	p1, err := d.Write(s, errors.New("x"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	p2, err := d.Write(s, errors.New("x"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if p1 == p2 {
		t.Error("expected distinct file names per batch")
	}
}
