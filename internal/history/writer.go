package history

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
	"github.com/fleettrack/gps-ingester/internal/telemetry"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// PartitionEnsurer creates the month partition covering a timestamp when a
// flush discovers it missing.
type PartitionEnsurer interface {
	EnsureFor(ctx context.Context, ts time.Time) error
}

// Writer upserts samples into location_history. It satisfies Flusher.
type Writer struct {
	pool        *pgxpool.Pool
	partitions  PartitionEnsurer
	logger      *zap.Logger
	storeRaw    bool
	compressRaw bool
}

func NewWriter(pool *pgxpool.Pool, partitions PartitionEnsurer, logger *zap.Logger, storeRaw, compressRaw bool) *Writer {
	return &Writer{
		pool:        pool,
		partitions:  partitions,
		logger:      logger,
		storeRaw:    storeRaw,
		compressRaw: compressRaw,
	}
}

// Rows conflict on the natural key; non-null incoming fields win, null
// fields keep the stored value.
const upsertSampleSQL = `
	INSERT INTO location_history (device_id, recorded_at, latitude, longitude, speed,
		course, ignition, vehicle_status, status, imei, serial_no, gsm_strength,
		sequence_no, panic, additional_data, time_intervals, distance_interval,
		dealer_id, admin_id, client_id, user_id, superadmin_id, raw_payload, ingested_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, now())
	ON CONFLICT (device_id, recorded_at) DO UPDATE SET
		latitude          = COALESCE(EXCLUDED.latitude, location_history.latitude),
		longitude         = COALESCE(EXCLUDED.longitude, location_history.longitude),
		speed             = COALESCE(EXCLUDED.speed, location_history.speed),
		course            = COALESCE(EXCLUDED.course, location_history.course),
		ignition          = COALESCE(EXCLUDED.ignition, location_history.ignition),
		vehicle_status    = COALESCE(EXCLUDED.vehicle_status, location_history.vehicle_status),
		status            = COALESCE(EXCLUDED.status, location_history.status),
		imei              = COALESCE(EXCLUDED.imei, location_history.imei),
		serial_no         = COALESCE(EXCLUDED.serial_no, location_history.serial_no),
		gsm_strength      = COALESCE(EXCLUDED.gsm_strength, location_history.gsm_strength),
		sequence_no       = COALESCE(EXCLUDED.sequence_no, location_history.sequence_no),
		panic             = COALESCE(EXCLUDED.panic, location_history.panic),
		additional_data   = COALESCE(EXCLUDED.additional_data, location_history.additional_data),
		time_intervals    = COALESCE(EXCLUDED.time_intervals, location_history.time_intervals),
		distance_interval = COALESCE(EXCLUDED.distance_interval, location_history.distance_interval),
		dealer_id         = COALESCE(EXCLUDED.dealer_id, location_history.dealer_id),
		admin_id          = COALESCE(EXCLUDED.admin_id, location_history.admin_id),
		client_id         = COALESCE(EXCLUDED.client_id, location_history.client_id),
		user_id           = COALESCE(EXCLUDED.user_id, location_history.user_id),
		superadmin_id     = COALESCE(EXCLUDED.superadmin_id, location_history.superadmin_id),
		raw_payload       = COALESCE(EXCLUDED.raw_payload, location_history.raw_payload),
		ingested_at       = now()`

// Flush upserts a batch, splitting month-straddling batches so every
// transaction targets a single partition.
func (w *Writer) Flush(ctx context.Context, samples []*telemetry.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	start := time.Now()
	var total int64
	for _, g := range splitByMonth(samples) {
		n, err := w.flushGroup(ctx, g, true)
		total += n
		if err != nil {
			return total, err
		}
	}

	metrics.DBWriteDuration.WithLabelValues("history", "upsert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("history", "location_history", "upsert").Add(float64(total))
	metrics.BatchSize.WithLabelValues("history").Observe(float64(len(samples)))

	return total, nil
}

func (w *Writer) flushGroup(ctx context.Context, g monthGroup, allowEnsure bool) (int64, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, classify("begin", err)
	}
	defer tx.Rollback(ctx)

	var affected int64
	for _, s := range g.samples {
		tag, err := tx.Exec(ctx, upsertSampleSQL, w.args(s)...)
		if err != nil {
			if isMissingPartition(err) && allowEnsure && w.partitions != nil {
				_ = tx.Rollback(ctx)
				w.logger.Warn("history partition missing, creating",
					zap.Int("year", g.year),
					zap.Int("month", int(g.month)),
				)
				if perr := w.partitions.EnsureFor(ctx, s.RecordedAt); perr != nil {
					return 0, classify("ensure partition", perr)
				}
				return w.flushGroup(ctx, g, false)
			}
			return 0, classify("upsert location_history", err)
		}
		affected += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("commit", err)
	}
	return affected, nil
}

func (w *Writer) args(s *telemetry.Sample) []any {
	var raw []byte
	if w.storeRaw && len(s.Raw) > 0 {
		if w.compressRaw {
			raw = zstdEncoder.EncodeAll(s.Raw, nil)
		} else {
			raw = s.Raw
		}
	}
	return []any{
		s.DeviceID, s.RecordedAt,
		s.Latitude, s.Longitude, s.Speed,
		nullableString(s.Course), nullableString(s.Ignition),
		nullableString(s.VehicleStatus), nullableString(s.Status),
		nullableString(s.IMEI), nullableString(s.SerialNo), nullableString(s.GSMStrength),
		s.Sequence, s.Panic,
		nullableString(s.AdditionalData), nullableString(s.TimeIntervals),
		nullableString(s.DistanceInterval),
		s.Owners.DealerID, s.Owners.AdminID, s.Owners.ClientID,
		s.Owners.UserID, s.Owners.SuperadminID,
		raw,
	}
}

// monthGroup collects the samples of one batch that fall into the same
// partition month, in submission order.
type monthGroup struct {
	year    int
	month   time.Month
	samples []*telemetry.Sample
}

func splitByMonth(samples []*telemetry.Sample) []monthGroup {
	byMonth := make(map[int]*monthGroup)
	keys := make([]int, 0, 2)
	for _, s := range samples {
		key := s.RecordedAt.Year()*100 + int(s.RecordedAt.Month())
		g, ok := byMonth[key]
		if !ok {
			g = &monthGroup{year: s.RecordedAt.Year(), month: s.RecordedAt.Month()}
			byMonth[key] = g
			keys = append(keys, key)
		}
		g.samples = append(g.samples, s)
	}
	sort.Ints(keys)

	out := make([]monthGroup, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byMonth[k])
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
