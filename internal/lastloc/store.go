package lastloc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

// ErrNotFound is returned by Fetch when the device has no stored location.
var ErrNotFound = errors.New("lastloc: device not found")

// Writer persists last locations. The upsert is guarded so replays and
// out-of-order arrivals can never move a device's last location backwards,
// even after the cache evicted the device.
type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// The row mirrors the accepted sample wholesale; history keeps the
// field-level merge semantics.
const upsertLastSQL = `
	INSERT INTO last_locations (device_id, recorded_at, latitude, longitude, speed,
		course, ignition, vehicle_status, status, imei, serial_no, gsm_strength,
		sequence_no, panic, dealer_id, admin_id, client_id, user_id, superadmin_id, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
	ON CONFLICT (device_id) DO UPDATE SET
		recorded_at    = EXCLUDED.recorded_at,
		latitude       = EXCLUDED.latitude,
		longitude      = EXCLUDED.longitude,
		speed          = EXCLUDED.speed,
		course         = EXCLUDED.course,
		ignition       = EXCLUDED.ignition,
		vehicle_status = EXCLUDED.vehicle_status,
		status         = EXCLUDED.status,
		imei           = EXCLUDED.imei,
		serial_no      = EXCLUDED.serial_no,
		gsm_strength   = EXCLUDED.gsm_strength,
		sequence_no    = EXCLUDED.sequence_no,
		panic          = EXCLUDED.panic,
		dealer_id      = EXCLUDED.dealer_id,
		admin_id       = EXCLUDED.admin_id,
		client_id      = EXCLUDED.client_id,
		user_id        = EXCLUDED.user_id,
		superadmin_id  = EXCLUDED.superadmin_id,
		updated_at     = now()
	WHERE EXCLUDED.recorded_at > last_locations.recorded_at`

func (w *Writer) UpsertLast(ctx context.Context, s *telemetry.Sample) error {
	start := time.Now()
	tag, err := w.pool.Exec(ctx, upsertLastSQL,
		s.DeviceID, s.RecordedAt,
		s.Latitude, s.Longitude, s.Speed,
		nullableString(s.Course), nullableString(s.Ignition),
		nullableString(s.VehicleStatus), nullableString(s.Status),
		nullableString(s.IMEI), nullableString(s.SerialNo), nullableString(s.GSMStrength),
		s.Sequence, s.Panic,
		s.Owners.DealerID, s.Owners.AdminID, s.Owners.ClientID,
		s.Owners.UserID, s.Owners.SuperadminID,
	)
	if err != nil {
		return fmt.Errorf("upsert last_locations: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("lastloc", "upsert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("lastloc", "last_locations", "upsert").Add(float64(tag.RowsAffected()))
	return nil
}

// Fetch reads the durable last location; the HTTP surface falls back to it on
// cache misses.
func (w *Writer) Fetch(ctx context.Context, deviceID string) (*telemetry.Sample, error) {
	s := &telemetry.Sample{}
	err := w.pool.QueryRow(ctx, `
		SELECT device_id, recorded_at, latitude, longitude, speed,
			COALESCE(course, ''), COALESCE(ignition, ''), COALESCE(vehicle_status, ''),
			COALESCE(status, ''), COALESCE(imei, ''), COALESCE(serial_no, ''),
			COALESCE(gsm_strength, ''), sequence_no, panic,
			dealer_id, admin_id, client_id, user_id, superadmin_id
		FROM last_locations WHERE device_id = $1`,
		deviceID,
	).Scan(
		&s.DeviceID, &s.RecordedAt, &s.Latitude, &s.Longitude, &s.Speed,
		&s.Course, &s.Ignition, &s.VehicleStatus,
		&s.Status, &s.IMEI, &s.SerialNo,
		&s.GSMStrength, &s.Sequence, &s.Panic,
		&s.Owners.DealerID, &s.Owners.AdminID, &s.Owners.ClientID,
		&s.Owners.UserID, &s.Owners.SuperadminID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch last_location: %w", err)
	}
	return s, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
