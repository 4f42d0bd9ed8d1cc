package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fleettrack/gps-ingester/internal/history"
	"github.com/fleettrack/gps-ingester/internal/ingest"
	"github.com/fleettrack/gps-ingester/internal/lastloc"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

type stubReader struct {
	samples []*telemetry.Sample
	count   int64
	err     error
	stats   *history.RangeStats
	km      float64
	points  int64
	lastQ   history.Query
}

func (r *stubReader) Count(ctx context.Context, deviceID string, from, to time.Time) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.count != 0 {
		return r.count, nil
	}
	return int64(len(r.samples)), nil
}

func (r *stubReader) Range(ctx context.Context, q history.Query) ([]*telemetry.Sample, error) {
	r.lastQ = q
	if r.err != nil {
		return nil, r.err
	}
	out := r.samples
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *stubReader) Stream(ctx context.Context, q history.Query, fn func(*telemetry.Sample) error) (int64, error) {
	r.lastQ = q
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for _, smp := range r.samples {
		if q.Limit > 0 && n >= int64(q.Limit) {
			break
		}
		if err := fn(smp); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *stubReader) Stats(ctx context.Context, deviceID string, from, to time.Time) (*history.RangeStats, error) {
	if r.stats == nil {
		return &history.RangeStats{DeviceID: deviceID}, r.err
	}
	return r.stats, r.err
}

func (r *stubReader) Distance(ctx context.Context, deviceID string, from, to time.Time) (float64, int64, error) {
	return r.km, r.points, r.err
}

type stubLatestCache struct {
	byDevice map[string]*telemetry.Sample
}

func (c *stubLatestCache) Get(deviceID string) (*telemetry.Sample, bool) {
	smp, ok := c.byDevice[deviceID]
	return smp, ok
}

type stubLatestStore struct {
	smp *telemetry.Sample
	err error
}

func (s *stubLatestStore) Fetch(ctx context.Context, deviceID string) (*telemetry.Sample, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.smp == nil {
		return nil, lastloc.ErrNotFound
	}
	return s.smp, nil
}

type stubInjector struct {
	res ingest.InjectResult
	err error
	got []*telemetry.Sample
}

func (i *stubInjector) Inject(ctx context.Context, samples []*telemetry.Sample) (ingest.InjectResult, error) {
	i.got = append(i.got, samples...)
	if i.err != nil {
		return ingest.InjectResult{}, i.err
	}
	if i.res == (ingest.InjectResult{}) {
		return ingest.InjectResult{Submitted: len(samples)}, nil
	}
	return i.res, nil
}

func histSample(device, ts string, lat, lng float64) *telemetry.Sample {
	recorded, err := time.ParseInLocation(telemetry.TimeLayout, ts, time.UTC)
	if err != nil {
		panic(err)
	}
	return &telemetry.Sample{
		DeviceID:   device,
		RecordedAt: recorded,
		Latitude:   &lat,
		Longitude:  &lng,
		Status:     telemetry.StatusHistory,
	}
}

func TestHistoryPlain(t *testing.T) {
	rd := &stubReader{samples: []*telemetry.Sample{
		histSample("DEV1", "2025-07-09 08:15:31", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:15:41", 44.82, 20.47),
	}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var data struct {
		DeviceID string        `json:"deviceID"`
		Count    int           `json:"count"`
		Records  []samplePoint `json:"records"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Count != 2 || len(data.Records) != 2 {
		t.Fatalf("count = %d, records = %d, want 2", data.Count, len(data.Records))
	}
	// The wall clock comes back exactly as it went in.
	if data.Records[0].Timestamp != "2025-07-09 08:15:31" {
		t.Errorf("timestamp = %q, want verbatim wall clock", data.Records[0].Timestamp)
	}
}

func TestHistoryPlainRefusesOversized(t *testing.T) {
	rd := &stubReader{count: plainHistoryCap + 1}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1", nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Errorf("success = true on 413")
	}
	var data struct {
		Count          int64  `json:"count"`
		Limit          int    `json:"limit"`
		StreamEndpoint string `json:"streamEndpoint"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.StreamEndpoint != "/api/vehicle/history/DEV1/stream" {
		t.Errorf("streamEndpoint = %q", data.StreamEndpoint)
	}
	if data.Limit != plainHistoryCap {
		t.Errorf("limit = %d, want %d", data.Limit, plainHistoryCap)
	}
}

func TestHistoryPlainBadRange(t *testing.T) {
	rd := &stubReader{}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1?from=2025-07-09T08:15:31Z", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHistoryStream(t *testing.T) {
	rd := &stubReader{samples: []*telemetry.Sample{
		histSample("DEV1", "2025-07-09 08:15:31", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:15:41", 44.82, 20.47),
		histSample("DEV1", "2025-07-09 08:15:51", 44.83, 20.48),
	}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/stream", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var points []samplePoint
	if err := json.Unmarshal(rec.Body.Bytes(), &points); err != nil {
		t.Fatalf("stream output is not a JSON array: %v (body %q)", err, rec.Body.String())
	}
	if len(points) != 3 {
		t.Fatalf("streamed %d points, want 3", len(points))
	}
	if points[2].Timestamp != "2025-07-09 08:15:51" {
		t.Errorf("last timestamp = %q", points[2].Timestamp)
	}
}

func TestHistoryStreamEmptyRange(t *testing.T) {
	rec := do(t, Deps{Reader: &stubReader{}}, http.MethodGet, "/api/vehicle/history/DEV1/stream", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestHistoryPaginated(t *testing.T) {
	rd := &stubReader{samples: []*telemetry.Sample{
		histSample("DEV1", "2025-07-09 08:00:00", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:10", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:20", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:30", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:40", 44.81, 20.46),
	}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/paginated?page=2&size=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if rd.lastQ.Limit != 2 || rd.lastQ.Offset != 2 {
		t.Errorf("query limit/offset = %d/%d, want 2/2", rd.lastQ.Limit, rd.lastQ.Offset)
	}
	env := decodeEnvelope(t, rec)
	var data struct {
		Page    int           `json:"page"`
		Size    int           `json:"size"`
		Total   int64         `json:"total"`
		Pages   int64         `json:"pages"`
		Records []samplePoint `json:"records"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Total != 5 || data.Pages != 3 || len(data.Records) != 2 {
		t.Errorf("total/pages/records = %d/%d/%d, want 5/3/2", data.Total, data.Pages, len(data.Records))
	}
	if data.Records[0].Timestamp != "2025-07-09 08:00:20" {
		t.Errorf("page 2 starts at %q, want 08:00:20", data.Records[0].Timestamp)
	}
}

func TestHistoryPaginatedCapsSize(t *testing.T) {
	rd := &stubReader{}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/paginated?size=100000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rd.lastQ.Limit != pagedHistoryCap {
		t.Errorf("limit = %d, want cap %d", rd.lastQ.Limit, pagedHistoryCap)
	}
}

func TestHistoryChunked(t *testing.T) {
	rd := &stubReader{samples: []*telemetry.Sample{
		histSample("DEV1", "2025-07-09 08:00:00", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:10", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:20", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:30", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:40", 44.81, 20.46),
	}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/chunked?chunkSize=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("chunk lines = %d, want 3", len(lines))
	}
	sizes := []int{2, 2, 1}
	total := 0
	for i, line := range lines {
		var chunk []samplePoint
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			t.Fatalf("line %d is not a JSON array: %v", i, err)
		}
		if len(chunk) != sizes[i] {
			t.Errorf("chunk %d size = %d, want %d", i, len(chunk), sizes[i])
		}
		total += len(chunk)
	}
	if total != 5 {
		t.Errorf("total points = %d, want 5", total)
	}
}

func TestHistoryChunkedHonorsMaxRecords(t *testing.T) {
	rd := &stubReader{samples: []*telemetry.Sample{
		histSample("DEV1", "2025-07-09 08:00:00", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:10", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:20", 44.81, 20.46),
		histSample("DEV1", "2025-07-09 08:00:30", 44.81, 20.46),
	}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/chunked?maxRecords=3&chunkSize=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rd.lastQ.Limit != 3 {
		t.Errorf("limit = %d, want 3", rd.lastQ.Limit)
	}
	var chunk []samplePoint
	if err := json.Unmarshal([]byte(strings.TrimSpace(rec.Body.String())), &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if len(chunk) != 3 {
		t.Errorf("points = %d, want 3", len(chunk))
	}
}

func TestHistoryStats(t *testing.T) {
	avg := 42.5
	rd := &stubReader{stats: &history.RangeStats{DeviceID: "DEV1", Count: 7, AvgSpeed: &avg}}
	rec := do(t, Deps{Reader: rd}, http.MethodGet, "/api/vehicle/history/DEV1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	var stats history.RangeStats
	if err := json.Unmarshal(env.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Count != 7 || stats.AvgSpeed == nil || *stats.AvgSpeed != 42.5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDistance(t *testing.T) {
	rd := &stubReader{km: 12.42, points: 880}
	rec := do(t, Deps{Reader: rd}, http.MethodGet,
		"/api/vehicle/distance/DEV1/stream?from=2025-07-09%2000:00:00&to=2025-07-09%2023:59:59", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var data struct {
		DeviceID   string  `json:"deviceID"`
		DistanceKm float64 `json:"distanceKm"`
		Points     int64   `json:"points"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.DistanceKm != 12.42 || data.Points != 880 {
		t.Errorf("data = %+v", data)
	}
}

func TestLatestFromCache(t *testing.T) {
	cache := &stubLatestCache{byDevice: map[string]*telemetry.Sample{
		"DEV1": histSample("DEV1", "2025-07-09 08:15:31", 44.81, 20.46),
	}}
	store := &stubLatestStore{}
	rec := do(t, Deps{Cache: cache, Store: store}, http.MethodGet, "/api/vehicle/latest-location/DEV1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	var data struct {
		Source   string      `json:"source"`
		Location samplePoint `json:"location"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Source != "cache" {
		t.Errorf("source = %q, want cache", data.Source)
	}
	if data.Location.Timestamp != "2025-07-09 08:15:31" {
		t.Errorf("timestamp = %q", data.Location.Timestamp)
	}
}

func TestLatestFallsBackToStore(t *testing.T) {
	cache := &stubLatestCache{byDevice: map[string]*telemetry.Sample{}}
	store := &stubLatestStore{smp: histSample("DEV2", "2025-07-08 19:00:00", 44.0, 20.0)}
	rec := do(t, Deps{Cache: cache, Store: store}, http.MethodGet, "/api/vehicle/latest-location/DEV2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	var data struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Source != "store" {
		t.Errorf("source = %q, want store", data.Source)
	}
}

func TestLatestNotFound(t *testing.T) {
	deps := Deps{
		Cache: &stubLatestCache{byDevice: map[string]*telemetry.Sample{}},
		Store: &stubLatestStore{},
	}
	rec := do(t, deps, http.MethodGet, "/api/vehicle/latest-location/GHOST", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLiveLocation(t *testing.T) {
	inj := &stubInjector{}
	rec := do(t, Deps{Ingest: inj}, http.MethodPost,
		"/api/vehicle/live-location/DEV1?latitude=44.81&longitude=20.46&speed=37.5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 1 {
		t.Fatalf("injected %d samples, want 1", len(inj.got))
	}
	smp := inj.got[0]
	if smp.DeviceID != "DEV1" || smp.Status != telemetry.StatusLive {
		t.Errorf("sample = %+v", smp)
	}
	if smp.Latitude == nil || *smp.Latitude != 44.81 || smp.Speed == nil || *smp.Speed != 37.5 {
		t.Errorf("coordinates not carried: %+v", smp)
	}
	if _, err := time.ParseInLocation(telemetry.TimeLayout, smp.TimestampString(), time.UTC); err != nil {
		t.Errorf("recorded timestamp %q not in wall-clock layout", smp.TimestampString())
	}
}

func TestLiveLocationValidation(t *testing.T) {
	inj := &stubInjector{}
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/live-location/DEV1?longitude=20.46", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(inj.got) != 0 {
		t.Errorf("invalid request reached the pipeline")
	}
}

func TestUpsert(t *testing.T) {
	inj := &stubInjector{}
	body := []byte(`{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:31","latitude":44.81,"longitude":20.46}`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/upsert", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 1 || inj.got[0].DeviceID != "DEV1" {
		t.Fatalf("injected = %+v", inj.got)
	}
	env := decodeEnvelope(t, rec)
	var res ingest.InjectResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Submitted != 1 {
		t.Errorf("submitted = %d, want 1", res.Submitted)
	}
}

func TestUpsertRejectsBadPayload(t *testing.T) {
	inj := &stubInjector{}
	body := []byte(`{"deviceID":"DEV1","timestamp":"not a timestamp"}`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/upsert", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 0 {
		t.Errorf("bad payload reached the pipeline")
	}
}

func TestBatchUpsertArray(t *testing.T) {
	inj := &stubInjector{}
	body := []byte(`[
		{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:31","latitude":44.81,"longitude":20.46},
		{"deviceID":"DEV2","timestamp":"2025-07-09 08:15:32","latitude":44.82,"longitude":20.47}
	]`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/batch-upsert", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 2 {
		t.Fatalf("injected %d, want 2", len(inj.got))
	}
}

func TestBatchUpsertConcatenatedObjects(t *testing.T) {
	inj := &stubInjector{}
	body := []byte(`{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:31"}{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:41"}`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/batch-upsert", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 2 {
		t.Fatalf("injected %d, want 2", len(inj.got))
	}
}

func TestBatchUpsertRefusesMalformedElement(t *testing.T) {
	inj := &stubInjector{}
	body := []byte(`[{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:31"},{"deviceID":""}]`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/batch-upsert", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
	if len(inj.got) != 0 {
		t.Errorf("partially bad batch reached the pipeline")
	}
}

func TestBatchUpsertQueueFull(t *testing.T) {
	inj := &stubInjector{res: ingest.InjectResult{Submitted: 1, Dropped: 1}}
	body := []byte(`{"deviceID":"DEV1","timestamp":"2025-07-09 08:15:31"}{"deviceID":"DEV2","timestamp":"2025-07-09 08:15:32"}`)
	rec := do(t, Deps{Ingest: inj}, http.MethodPost, "/api/vehicle/gps/batch-upsert", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (body %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success {
		t.Errorf("success = true on 503")
	}
	var res ingest.InjectResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", res.Dropped)
	}
}
