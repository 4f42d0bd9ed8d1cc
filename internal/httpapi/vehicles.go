package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

const (
	// plainHistoryCap is the largest result the unqualified history endpoint
	// returns before refusing with a redirect to the streaming endpoint.
	plainHistoryCap = 20000
	// pagedHistoryCap bounds one paginated or chunked response.
	pagedHistoryCap = 50000

	defaultPageSize  = 1000
	defaultChunkSize = 1000
	streamFlushEvery = 500

	maxUpsertBytes = 1 << 20
	maxBatchBytes  = 4 << 20
)

func (s *Server) vehicleRoutes(r *mux.Router) {
	if s.deps.Reader != nil {
		r.HandleFunc("/history/{deviceId}", s.handleHistoryPlain).Methods(http.MethodGet)
		r.HandleFunc("/history/{deviceId}/stream", s.handleHistoryStream).Methods(http.MethodGet)
		r.HandleFunc("/history/{deviceId}/stats", s.handleHistoryStats).Methods(http.MethodGet)
		r.HandleFunc("/history/{deviceId}/paginated", s.handleHistoryPaginated).Methods(http.MethodGet)
		r.HandleFunc("/history/{deviceId}/chunked", s.handleHistoryChunked).Methods(http.MethodGet)
		r.HandleFunc("/distance/{deviceId}/stream", s.handleDistance).Methods(http.MethodGet)
	}
	if s.deps.Cache != nil || s.deps.Store != nil {
		r.HandleFunc("/latest-location/{deviceId}", s.handleLatest).Methods(http.MethodGet)
	}
	if s.deps.Ingest != nil {
		r.HandleFunc("/live-location/{deviceId}", s.handleLive).Methods(http.MethodPost)
		r.HandleFunc("/gps/upsert", s.handleUpsert).Methods(http.MethodPost)
		r.HandleFunc("/gps/batch-upsert", s.handleBatchUpsert).Methods(http.MethodPost)
	}
}

// samplePoint is the wire shape of one history row. Keys mirror the inbound
// payload fields, so a retrieved point can be re-posted through the upsert
// endpoint unchanged.
type samplePoint struct {
	DeviceID         string   `json:"deviceID"`
	Timestamp        string   `json:"timestamp"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
	Course           string   `json:"course,omitempty"`
	Ignition         string   `json:"ignition,omitempty"`
	VehicleStatus    string   `json:"vehicleStatus,omitempty"`
	Status           string   `json:"status,omitempty"`
	IMEI             string   `json:"IMEI,omitempty"`
	SequenceNumber   *int64   `json:"sequenceNumber,omitempty"`
	GSMStrength      string   `json:"gsmStrength,omitempty"`
	AdditionalData   string   `json:"additionalData,omitempty"`
	TimeIntervals    string   `json:"timeIntervals,omitempty"`
	DistanceInterval string   `json:"distanceInterval,omitempty"`
	Panic            *bool    `json:"panic,omitempty"`
	SerialNo         string   `json:"serialNo,omitempty"`
}

func toPoint(smp *telemetry.Sample) samplePoint {
	return samplePoint{
		DeviceID:         smp.DeviceID,
		Timestamp:        smp.TimestampString(),
		Latitude:         smp.Latitude,
		Longitude:        smp.Longitude,
		Speed:            smp.Speed,
		Course:           smp.Course,
		Ignition:         smp.Ignition,
		VehicleStatus:    smp.VehicleStatus,
		Status:           smp.Status,
		IMEI:             smp.IMEI,
		SequenceNumber:   smp.Sequence,
		GSMStrength:      smp.GSMStrength,
		AdditionalData:   smp.AdditionalData,
		TimeIntervals:    smp.TimeIntervals,
		DistanceInterval: smp.DistanceInterval,
		Panic:            smp.Panic,
		SerialNo:         smp.SerialNo,
	}
}

func toPoints(samples []*telemetry.Sample) []samplePoint {
	points := make([]samplePoint, len(samples))
	for i, smp := range samples {
		points[i] = toPoint(smp)
	}
	return points
}

// handleHistoryPlain serves a bounded range in one response. Oversized ranges
// are refused with a hint at the streaming endpoint instead of truncated.
func (s *Server) handleHistoryPlain(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := s.deps.Reader.Count(r.Context(), deviceID, from, to)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if total > plainHistoryCap {
		s.write(w, http.StatusRequestEntityTooLarge, envelope{
			Error: fmt.Sprintf("%d records exceed the %d cap, use the streaming endpoint", total, plainHistoryCap),
			Data: map[string]any{
				"count":          total,
				"limit":          plainHistoryCap,
				"streamEndpoint": fmt.Sprintf("/api/vehicle/history/%s/stream", deviceID),
			},
		})
		return
	}

	samples, err := s.deps.Reader.Range(r.Context(), history.Query{
		DeviceID: deviceID, From: from, To: to, Limit: plainHistoryCap,
	})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"deviceID": deviceID,
		"count":    len(samples),
		"records":  toPoints(samples),
	})
}

// handleHistoryStream writes the range as one JSON array, flushed
// incrementally so arbitrarily large ranges stream in constant memory. A
// mid-stream failure leaves the array unterminated, which fails the client's
// JSON parse instead of passing off a truncation as a complete result.
func (s *Server) handleHistoryStream(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	wrote := false
	var sent int64
	n, err := s.deps.Reader.Stream(r.Context(), history.Query{DeviceID: deviceID, From: from, To: to},
		func(smp *telemetry.Sample) error {
			sep := []byte(",")
			if !wrote {
				w.Header().Set("Content-Type", "application/json")
				sep = []byte("[")
				wrote = true
			}
			if _, err := w.Write(sep); err != nil {
				return err
			}
			b, err := json.Marshal(toPoint(smp))
			if err != nil {
				return err
			}
			if _, err := w.Write(b); err != nil {
				return err
			}
			sent++
			if flusher != nil && sent%streamFlushEvery == 0 {
				flusher.Flush()
			}
			return nil
		})
	if err != nil {
		if !wrote {
			s.failErr(w, r, err)
			return
		}
		s.logger.Warn("history stream aborted",
			zap.String("device_id", deviceID),
			zap.Int64("sent", n),
			zap.Error(err))
		return
	}

	if !wrote {
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte("[")); err != nil {
			return
		}
	}
	w.Write([]byte("]"))
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.deps.Reader.Stats(r.Context(), deviceID, from, to)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleHistoryPaginated(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		s.fail(w, http.StatusBadRequest, "page: want positive integer")
		return
	}
	size, err := queryInt(r, "size", 0)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if size <= 0 {
		if size, err = queryInt(r, "maxRecords", defaultPageSize); err != nil {
			s.fail(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > pagedHistoryCap {
		size = pagedHistoryCap
	}

	total, err := s.deps.Reader.Count(r.Context(), deviceID, from, to)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	samples, err := s.deps.Reader.Range(r.Context(), history.Query{
		DeviceID: deviceID, From: from, To: to, Limit: size, Offset: (page - 1) * size,
	})
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	pages := int64(0)
	if total > 0 {
		pages = (total + int64(size) - 1) / int64(size)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"deviceID": deviceID,
		"page":     page,
		"size":     size,
		"total":    total,
		"pages":    pages,
		"records":  toPoints(samples),
	})
}

// handleHistoryChunked writes newline-delimited JSON arrays of chunkSize
// points each, capped at maxRecords. Batch consumers read it line by line
// without holding the full range.
func (s *Server) handleHistoryChunked(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	maxRecords, err := queryInt(r, "maxRecords", pagedHistoryCap)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if maxRecords <= 0 || maxRecords > pagedHistoryCap {
		maxRecords = pagedHistoryCap
	}
	chunkSize, err := queryInt(r, "chunkSize", defaultChunkSize)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkSize > maxRecords {
		chunkSize = maxRecords
	}

	flusher, _ := w.(http.Flusher)
	wrote := false
	chunk := make([]samplePoint, 0, chunkSize)
	writeChunk := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if !wrote {
			w.Header().Set("Content-Type", "application/x-ndjson")
			wrote = true
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		chunk = chunk[:0]
		return nil
	}

	n, err := s.deps.Reader.Stream(r.Context(),
		history.Query{DeviceID: deviceID, From: from, To: to, Limit: maxRecords},
		func(smp *telemetry.Sample) error {
			chunk = append(chunk, toPoint(smp))
			if len(chunk) == chunkSize {
				return writeChunk()
			}
			return nil
		})
	if err == nil {
		err = writeChunk()
	}
	if err != nil {
		if !wrote {
			s.failErr(w, r, err)
			return
		}
		s.logger.Warn("chunked history aborted",
			zap.String("device_id", deviceID),
			zap.Int64("sent", n),
			zap.Error(err))
		return
	}
	if !wrote {
		// Empty range still yields one well-formed line.
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte("[]\n"))
	}
}

// handleDistance accumulates straight-line distance over the range with a
// server-side cursor; the response itself is a single summary object.
func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	from, to, err := timeRange(r)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	km, points, err := s.deps.Reader.Distance(r.Context(), deviceID, from, to)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"deviceID":   deviceID,
		"from":       r.URL.Query().Get("from"),
		"to":         r.URL.Query().Get("to"),
		"distanceKm": km,
		"points":     points,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	if s.deps.Cache != nil {
		if smp, ok := s.deps.Cache.Get(deviceID); ok {
			s.respond(w, http.StatusOK, map[string]any{"source": "cache", "location": toPoint(smp)})
			return
		}
	}
	if s.deps.Store == nil {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("no location for device %s", deviceID))
		return
	}
	smp, err := s.deps.Store.Fetch(r.Context(), deviceID)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"source": "store", "location": toPoint(smp)})
}

// handleLive pushes a caller-supplied position through the ingest path. The
// wall clock is the server's, second resolution, matching the device layout.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	q := r.URL.Query()

	lat, err := strconv.ParseFloat(q.Get("latitude"), 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "latitude: want decimal degrees")
		return
	}
	lng, err := strconv.ParseFloat(q.Get("longitude"), 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "longitude: want decimal degrees")
		return
	}
	var speed *float64
	if v := q.Get("speed"); v != "" {
		sp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "speed: want decimal km/h")
			return
		}
		speed = &sp
	}

	now := time.Now()
	smp := &telemetry.Sample{
		DeviceID:   deviceID,
		RecordedAt: time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), 0, time.UTC),
		Latitude:   &lat,
		Longitude:  &lng,
		Speed:      speed,
		Status:     telemetry.StatusLive,
	}

	res, err := s.deps.Ingest.Inject(r.Context(), []*telemetry.Sample{smp})
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if res.Dropped > 0 {
		s.write(w, http.StatusServiceUnavailable, envelope{
			Error: "persistence queue full",
			Data:  res,
		})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"deviceID":   deviceID,
		"recordedAt": smp.TimestampString(),
		"result":     res,
	})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxUpsertBytes)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	smp, err := telemetry.ParseOne(body)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.inject(w, r, []*telemetry.Sample{smp})
}

func (s *Server) handleBatchUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxBatchBytes)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	samples, err := parseBatch(body)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	s.inject(w, r, samples)
}

// inject runs the samples through the pipeline and maps the result onto the
// envelope. A full queue is 503; the dedup gate makes the retry idempotent.
func (s *Server) inject(w http.ResponseWriter, r *http.Request, samples []*telemetry.Sample) {
	res, err := s.deps.Ingest.Inject(r.Context(), samples)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	if res.Dropped > 0 {
		s.write(w, http.StatusServiceUnavailable, envelope{
			Error: "persistence queue full, retry the batch",
			Data:  res,
		})
		return
	}
	s.respond(w, http.StatusOK, res)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// parseBatch accepts the device payload forms, one object or several
// concatenated, plus a JSON array, which admin tooling tends to send. Unlike
// the broker path there is no salvage: any malformed element refuses the
// whole batch, since the caller can fix and resubmit.
func parseBatch(body []byte) ([]*telemetry.Sample, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &telemetry.ValidationError{Field: "payload", Msg: "empty body"}
	}
	if trimmed[0] != '[' {
		samples, err := telemetry.Parse(body)
		if err != nil {
			return nil, err
		}
		return samples, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &telemetry.ValidationError{Field: "payload", Msg: "malformed JSON array"}
	}
	if len(elems) == 0 {
		return nil, &telemetry.ValidationError{Field: "payload", Msg: "empty array"}
	}
	samples := make([]*telemetry.Sample, 0, len(elems))
	for i, e := range elems {
		smp, err := telemetry.ParseOne(e)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		samples = append(samples, smp)
	}
	return samples, nil
}
