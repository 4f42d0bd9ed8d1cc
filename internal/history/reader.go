package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// Reader serves range queries over location_history for the HTTP surface.
type Reader struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewReader(pool *pgxpool.Pool, logger *zap.Logger) *Reader {
	return &Reader{pool: pool, logger: logger}
}

// Query bounds one history read. From and To are device wall-clock
// timestamps, inclusive on both ends. Limit <= 0 means unbounded.
type Query struct {
	DeviceID string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// RangeStats summarizes a device's samples in a time range.
type RangeStats struct {
	DeviceID string   `json:"device_id"`
	Count    int64    `json:"count"`
	First    string   `json:"first,omitempty"`
	Last     string   `json:"last,omitempty"`
	AvgSpeed *float64 `json:"avg_speed,omitempty"`
	MaxSpeed *float64 `json:"max_speed,omitempty"`
}

const selectSampleCols = `device_id, recorded_at, latitude, longitude, speed,
	COALESCE(course, ''), COALESCE(ignition, ''), COALESCE(vehicle_status, ''),
	COALESCE(status, ''), COALESCE(imei, ''), COALESCE(serial_no, ''),
	COALESCE(gsm_strength, ''), sequence_no, panic,
	COALESCE(additional_data, ''), COALESCE(time_intervals, ''), COALESCE(distance_interval, ''),
	dealer_id, admin_id, client_id, user_id, superadmin_id`

// Count returns the number of samples in the range.
func (r *Reader) Count(ctx context.Context, deviceID string, from, to time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM location_history
		 WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3`,
		deviceID, from, to,
	).Scan(&n)
	if err != nil {
		return 0, classify("count history", err)
	}
	return n, nil
}

// Range returns samples ordered by recorded_at ascending.
func (r *Reader) Range(ctx context.Context, q Query) ([]*telemetry.Sample, error) {
	var out []*telemetry.Sample
	_, err := r.Stream(ctx, q, func(s *telemetry.Sample) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

// Stream walks the range row by row in recorded_at order and hands every
// sample to fn. It returns the number of rows visited. fn returning an
// error stops the walk.
func (r *Reader) Stream(ctx context.Context, q Query, fn func(*telemetry.Sample) error) (int64, error) {
	sql := fmt.Sprintf(`SELECT %s FROM location_history
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC`, selectSampleCols)
	args := []any{q.DeviceID, q.From, q.To}
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, q.Offset)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return 0, classify("query history", err)
	}
	defer rows.Close()

	var visited int64
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return visited, classify("scan history row", err)
		}
		visited++
		if err := fn(s); err != nil {
			return visited, err
		}
	}
	if err := rows.Err(); err != nil {
		return visited, classify("iterate history rows", err)
	}
	return visited, nil
}

// Stats aggregates count, bounds and speed figures for the range.
func (r *Reader) Stats(ctx context.Context, deviceID string, from, to time.Time) (*RangeStats, error) {
	var (
		count       int64
		first, last *time.Time
		avg, max    *float64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT count(*), min(recorded_at), max(recorded_at), avg(speed), max(speed)
		 FROM location_history
		 WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3`,
		deviceID, from, to,
	).Scan(&count, &first, &last, &avg, &max)
	if err != nil {
		return nil, classify("history stats", err)
	}

	st := &RangeStats{DeviceID: deviceID, Count: count, AvgSpeed: avg, MaxSpeed: max}
	if first != nil {
		st.First = first.Format(telemetry.TimeLayout)
	}
	if last != nil {
		st.Last = last.Format(telemetry.TimeLayout)
	}
	return st, nil
}

// Distance accumulates the straight-line distance in kilometers over the
// device's track, skipping samples without coordinates. It also returns the
// number of positioned samples visited.
func (r *Reader) Distance(ctx context.Context, deviceID string, from, to time.Time) (float64, int64, error) {
	var (
		km     float64
		points int64
		prev   *telemetry.Sample
	)
	_, err := r.Stream(ctx, Query{DeviceID: deviceID, From: from, To: to}, func(s *telemetry.Sample) error {
		if !s.HasCoordinates() {
			return nil
		}
		points++
		if prev != nil {
			km += HaversineKm(*prev.Latitude, *prev.Longitude, *s.Latitude, *s.Longitude)
		}
		prev = s
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return km, points, nil
}

func scanSample(rows pgx.Rows) (*telemetry.Sample, error) {
	s := &telemetry.Sample{}
	err := rows.Scan(
		&s.DeviceID, &s.RecordedAt, &s.Latitude, &s.Longitude, &s.Speed,
		&s.Course, &s.Ignition, &s.VehicleStatus,
		&s.Status, &s.IMEI, &s.SerialNo,
		&s.GSMStrength, &s.Sequence, &s.Panic,
		&s.AdditionalData, &s.TimeIntervals, &s.DistanceInterval,
		&s.Owners.DealerID, &s.Owners.AdminID, &s.Owners.ClientID,
		&s.Owners.UserID, &s.Owners.SuperadminID,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
