// Package maintenance manages the monthly range partitions of
// location_history: creating them ahead of writes, splitting oversized
// months into letter-suffixed sub-partitions, dropping expired months and
// driving all of it on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fleettrack/gps-ingester/internal/metrics"
)

const (
	DefaultWarningMB   = 750
	DefaultCriticalMB  = 1000
	DefaultEmergencyMB = 1400

	DefaultFutureMonths    = 3
	DefaultRetentionMonths = 12

	// boundLayout is how Postgres renders timestamp partition bounds; the
	// history column is a wall-clock timestamp without time zone.
	boundLayout = "2006-01-02 15:04:05"
)

var errSuffixesExhausted = errors.New("suffix letters exhausted")

// Settings tunes partition sizing and retention. Zero values select the
// defaults.
type Settings struct {
	WarningMB       int
	CriticalMB      int
	EmergencyMB     int
	AutoSplit       bool
	FutureMonths    int
	RetentionMonths int
}

func (s Settings) withDefaults() Settings {
	if s.WarningMB <= 0 {
		s.WarningMB = DefaultWarningMB
	}
	if s.CriticalMB <= 0 {
		s.CriticalMB = DefaultCriticalMB
	}
	if s.EmergencyMB <= 0 {
		s.EmergencyMB = DefaultEmergencyMB
	}
	if s.FutureMonths <= 0 {
		s.FutureMonths = DefaultFutureMonths
	}
	if s.RetentionMonths <= 0 {
		s.RetentionMonths = DefaultRetentionMonths
	}
	return s
}

// Action is what the size sweep should do with a partition.
type Action int

const (
	ActionNone Action = iota
	ActionMonitor
	ActionSplitIfAuto
	ActionSplitNow
)

func (a Action) String() string {
	switch a {
	case ActionSplitNow:
		return "split_now"
	case ActionSplitIfAuto:
		return "split_if_auto"
	case ActionMonitor:
		return "monitor"
	default:
		return "none"
	}
}

// Priority orders sweep findings for operators.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Decision pairs the sweep action with its urgency.
type Decision struct {
	Action   Action
	Priority Priority
}

// PartitionInfo describes one attached partition. From and To are the
// wall-clock range bounds as the catalog renders them.
type PartitionInfo struct {
	Name      string  `json:"name"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
	Rows      int64   `json:"rows"`
}

// PartitionHealth is the size-sweep view of one partition.
type PartitionHealth struct {
	PartitionInfo
	Action   string `json:"action"`
	Priority string `json:"priority"`
}

// PartitionMetrics is the pg_stat view of one partition.
type PartitionMetrics struct {
	Name        string     `json:"name"`
	SizeBytes   int64      `json:"size_bytes"`
	SizeMB      float64    `json:"size_mb"`
	LiveRows    int64      `json:"live_rows"`
	DeadRows    int64      `json:"dead_rows"`
	LastVacuum  *time.Time `json:"last_vacuum,omitempty"`
	LastAnalyze *time.Time `json:"last_analyze,omitempty"`
}

// SplitResult reports what a split produced.
type SplitResult struct {
	Original string `json:"original"`
	Renamed  string `json:"renamed"`
	Overflow string `json:"overflow"`
	Cut      string `json:"cut"`
	Rows     int64  `json:"rows"`
}

// MaintenanceReport summarizes one daily run.
type MaintenanceReport struct {
	Created []string `json:"created,omitempty"`
	Split   []string `json:"split,omitempty"`
	Watch   []string `json:"watch,omitempty"`
}

// Manager owns the partition DDL. Every identifier passes the name regex and
// the pgx sanitizer before reaching a statement.
type Manager struct {
	pool   *pgxpool.Pool
	set    Settings
	logger *zap.Logger
}

func NewManager(pool *pgxpool.Pool, set Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{pool: pool, set: set.withDefaults(), logger: logger.Named("partitions")}
}

// Settings returns the active sizing and retention configuration.
func (m *Manager) Settings() Settings { return m.set }

// record counts the op outcome and passes the error through.
func record(op string, err error) error {
	if err != nil {
		metrics.PartitionOpsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	metrics.PartitionOpsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

// List returns the attached partitions sorted by name.
func (m *Manager) List(ctx context.Context) ([]PartitionInfo, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT c.relname,
		       pg_get_expr(c.relpartbound, c.oid),
		       pg_total_relation_size(c.oid),
		       COALESCE(s.n_live_tup, 0)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE i.inhparent = 'location_history'::regclass
		ORDER BY c.relname`)
	if err != nil {
		return nil, &PartitionError{Kind: KindInfoError, Err: err}
	}
	defer rows.Close()

	var out []PartitionInfo
	for rows.Next() {
		var info PartitionInfo
		var bound string
		if err := rows.Scan(&info.Name, &bound, &info.SizeBytes, &info.Rows); err != nil {
			return nil, &PartitionError{Kind: KindInfoError, Err: err}
		}
		if !partNameRE.MatchString(info.Name) {
			m.logger.Warn("skipping partition with unexpected name", zap.String("partition", info.Name))
			continue
		}
		info.From, info.To = parseBounds(bound)
		info.SizeMB = float64(info.SizeBytes) / (1 << 20)
		metrics.PartitionSizeBytes.WithLabelValues(info.Name).Set(float64(info.SizeBytes))
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, &PartitionError{Kind: KindInfoError, Err: err}
	}
	return out, nil
}

// Info returns the catalog view of one partition.
func (m *Manager) Info(ctx context.Context, name string) (*PartitionInfo, error) {
	if _, err := ParseName(name); err != nil {
		return nil, err
	}
	var info PartitionInfo
	var bound string
	err := m.pool.QueryRow(ctx, `
		SELECT c.relname,
		       pg_get_expr(c.relpartbound, c.oid),
		       pg_total_relation_size(c.oid),
		       COALESCE(s.n_live_tup, 0)
		FROM pg_class c
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE c.relname = $1 AND c.relispartition`, name).
		Scan(&info.Name, &bound, &info.SizeBytes, &info.Rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &PartitionError{Kind: KindNotFound, Name: name}
	}
	if err != nil {
		return nil, classify(name, KindInfoError, err)
	}
	info.From, info.To = parseBounds(bound)
	info.SizeMB = float64(info.SizeBytes) / (1 << 20)
	return &info, nil
}

// Health sizes one partition against the thresholds.
func (m *Manager) Health(ctx context.Context, name string) (*PartitionHealth, error) {
	info, err := m.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	d := m.Decide(info.SizeMB)
	return &PartitionHealth{
		PartitionInfo: *info,
		Action:        d.Action.String(),
		Priority:      d.Priority.String(),
	}, nil
}

// Metrics returns size and row statistics for one partition.
func (m *Manager) Metrics(ctx context.Context, name string) (*PartitionMetrics, error) {
	if _, err := ParseName(name); err != nil {
		return nil, err
	}
	pm := &PartitionMetrics{Name: name}
	err := m.pool.QueryRow(ctx, `
		SELECT pg_total_relation_size(c.oid),
		       COALESCE(s.n_live_tup, 0),
		       COALESCE(s.n_dead_tup, 0),
		       GREATEST(s.last_vacuum, s.last_autovacuum),
		       GREATEST(s.last_analyze, s.last_autoanalyze)
		FROM pg_class c
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE c.relname = $1 AND c.relispartition`, name).
		Scan(&pm.SizeBytes, &pm.LiveRows, &pm.DeadRows, &pm.LastVacuum, &pm.LastAnalyze)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &PartitionError{Kind: KindNotFound, Name: name}
	}
	if err != nil {
		return nil, classify(name, KindInfoError, err)
	}
	pm.SizeMB = float64(pm.SizeBytes) / (1 << 20)
	return pm, nil
}

// Decide maps a partition size onto the sweep action.
func (m *Manager) Decide(sizeMB float64) Decision {
	switch {
	case sizeMB >= float64(m.set.EmergencyMB):
		return Decision{Action: ActionSplitNow, Priority: PriorityCritical}
	case sizeMB >= float64(m.set.CriticalMB):
		return Decision{Action: ActionSplitIfAuto, Priority: PriorityHigh}
	case sizeMB >= float64(m.set.WarningMB):
		return Decision{Action: ActionMonitor, Priority: PriorityMedium}
	default:
		return Decision{Action: ActionNone, Priority: PriorityLow}
	}
}

// EnsureMonth creates the primary partition for a month when the month is
// not yet covered. It reports false when any partition for the month already
// exists, split sub-partitions included.
func (m *Manager) EnsureMonth(ctx context.Context, year int, month time.Month) (bool, error) {
	if month < time.January || month > time.December || year < 1970 || year > 9999 {
		name := fmt.Sprintf("p_%04d%02d", year, int(month))
		return false, record("ensure", &PartitionError{Kind: KindInvalidName, Name: name})
	}
	existing, err := m.monthPartitions(ctx, year, month)
	if err != nil {
		return false, record("ensure", err)
	}
	if len(existing) > 0 {
		return false, nil
	}
	n := Name{Year: year, Month: month}
	from, to := n.Range()
	if err := m.createPartition(ctx, n.String(), from, to); err != nil {
		return false, record("ensure", err)
	}
	m.logger.Info("partition ensured", zap.String("partition", n.String()))
	return true, record("ensure", nil)
}

// EnsureFor creates the month partition covering ts. It satisfies the
// history writer's ensure-then-retry contract.
func (m *Manager) EnsureFor(ctx context.Context, ts time.Time) error {
	_, err := m.EnsureMonth(ctx, ts.Year(), ts.Month())
	return err
}

// EnsureCurrentAndFuture ensures the current month and the next months
// exist. months <= 0 selects the configured default. It returns the names it
// actually created.
func (m *Manager) EnsureCurrentAndFuture(ctx context.Context, months int) ([]string, error) {
	if months <= 0 {
		months = m.set.FutureMonths
	}
	now := time.Now().UTC()
	var created []string
	for i := 0; i <= months; i++ {
		t := addMonths(now, i)
		ok, err := m.EnsureMonth(ctx, t.Year(), t.Month())
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, MonthName(t).String())
		}
	}
	return created, nil
}

// Drop detaches and drops one partition. Ranges still inside the retention
// window are refused unless force is set.
func (m *Manager) Drop(ctx context.Context, name string, force bool) error {
	n, err := ParseName(name)
	if err != nil {
		return record("drop", err)
	}
	ok, err := m.exists(ctx, name)
	if err != nil {
		return record("drop", err)
	}
	if !ok {
		return record("drop", &PartitionError{Kind: KindNotFound, Name: name})
	}
	if !force && n.YM() >= cleanupCutoff(time.Now().UTC(), m.set.RetentionMonths) {
		return record("drop", &PartitionError{Kind: KindTooRecent, Name: name})
	}
	return record("drop", m.dropTable(ctx, name))
}

// Cleanup drops every partition older than the retention window. A zero
// retentionMonths selects the configured default.
func (m *Manager) Cleanup(ctx context.Context, retentionMonths int) ([]string, error) {
	if retentionMonths <= 0 {
		retentionMonths = m.set.RetentionMonths
	}
	parts, err := m.List(ctx)
	if err != nil {
		return nil, record("cleanup", err)
	}
	cutoff := cleanupCutoff(time.Now().UTC(), retentionMonths)
	var dropped []string
	for _, p := range parts {
		n, err := ParseName(p.Name)
		if err != nil || n.YM() >= cutoff {
			continue
		}
		if err := m.dropTable(ctx, p.Name); err != nil {
			return dropped, record("cleanup", err)
		}
		dropped = append(dropped, p.Name)
	}
	m.logger.Info("cleanup complete",
		zap.Int("retention_months", retentionMonths),
		zap.Int("cutoff", cutoff),
		zap.Strings("dropped", dropped))
	return dropped, record("cleanup", nil)
}

// Optimize runs VACUUM ANALYZE on one partition. VACUUM cannot run inside a
// transaction block, so it executes on an autocommit connection.
func (m *Manager) Optimize(ctx context.Context, name string) error {
	return record("optimize", m.tableOp(ctx, name, "VACUUM ANALYZE"))
}

// Analyze refreshes planner statistics for one partition.
func (m *Manager) Analyze(ctx context.Context, name string) error {
	return record("analyze", m.tableOp(ctx, name, "ANALYZE"))
}

// AnalyzeRecent refreshes statistics on the current and previous month's
// partitions, the ones still receiving writes.
func (m *Manager) AnalyzeRecent(ctx context.Context) ([]string, error) {
	parts, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	floor := addMonths(time.Now().UTC(), -1)
	floorYM := floor.Year()*100 + int(floor.Month())
	var analyzed []string
	for _, p := range parts {
		n, err := ParseName(p.Name)
		if err != nil || n.YM() < floorYM {
			continue
		}
		if err := m.Analyze(ctx, p.Name); err != nil {
			return analyzed, err
		}
		analyzed = append(analyzed, p.Name)
	}
	return analyzed, nil
}

// Split narrows an oversized partition to [start, cut) and attaches an empty
// overflow partition [cut, end) for the rest of the month. cut is the day
// boundary strictly after the newest row, so the re-attach validates without
// moving a single row; writes keep landing by range throughout. The primary
// takes the first free letter suffix on its first split.
func (m *Manager) Split(ctx context.Context, name string) (*SplitResult, error) {
	res, err := m.split(ctx, name)
	if err != nil {
		return nil, record("split", err)
	}
	return res, record("split", nil)
}

func (m *Manager) split(ctx context.Context, name string) (*SplitResult, error) {
	target, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	siblings, err := m.monthPartitions(ctx, target.Year, target.Month)
	if err != nil {
		return nil, err
	}
	found := false
	used := map[byte]bool{}
	for _, s := range siblings {
		if s == target {
			found = true
		}
		if s.Suffix != 0 {
			used[s.Suffix] = true
		}
	}
	if !found {
		return nil, &PartitionError{Kind: KindNotFound, Name: name}
	}

	// The primary takes the first free letter; an already-suffixed partition
	// keeps its name and only narrows. The overflow takes the next letter.
	renamed := target
	if renamed.Suffix == 0 {
		s, ok := nextFreeSuffix(used)
		if !ok {
			return nil, &PartitionError{Kind: KindCreationFailed, Name: name, Err: errSuffixesExhausted}
		}
		renamed.Suffix = s
		used[s] = true
	}
	overflowSuffix, ok := nextFreeSuffix(used)
	if !ok {
		return nil, &PartitionError{Kind: KindCreationFailed, Name: name, Err: errSuffixesExhausted}
	}
	overflow := Name{Year: target.Year, Month: target.Month, Suffix: overflowSuffix}

	start, end, err := m.bounds(ctx, name)
	if err != nil {
		return nil, err
	}

	targetID := pgx.Identifier{name}.Sanitize()
	var rows int64
	var maxTS *time.Time
	err = m.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*), max(recorded_at) FROM %s", targetID)).Scan(&rows, &maxTS)
	if err != nil {
		return nil, classify(name, KindInfoError, err)
	}
	if maxTS == nil {
		return nil, &PartitionError{Kind: KindCreationFailed, Name: name, Err: errors.New("partition is empty")}
	}

	cut := time.Date(maxTS.Year(), maxTS.Month(), maxTS.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if !cut.Before(end) {
		return nil, &PartitionError{Kind: KindCreationFailed, Name: name,
			Err: fmt.Errorf("no room after %s before %s", maxTS.Format(boundLayout), end.Format(boundLayout))}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, classify(name, KindCreationFailed, err)
	}
	defer tx.Rollback(ctx)

	renamedID := pgx.Identifier{renamed.String()}.Sanitize()
	steps := []string{
		fmt.Sprintf("ALTER TABLE location_history DETACH PARTITION %s", targetID),
	}
	if renamed != target {
		steps = append(steps, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", targetID, renamedID))
	}
	steps = append(steps,
		fmt.Sprintf("ALTER TABLE location_history ATTACH PARTITION %s FOR VALUES FROM ('%s') TO ('%s')",
			renamedID, start.Format(boundLayout), cut.Format(boundLayout)),
		fmt.Sprintf("CREATE TABLE %s PARTITION OF location_history FOR VALUES FROM ('%s') TO ('%s')",
			pgx.Identifier{overflow.String()}.Sanitize(), cut.Format(boundLayout), end.Format(boundLayout)),
	)
	for _, stmt := range steps {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classify(name, KindCreationFailed, err)
		}
	}

	var after int64
	if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", renamedID)).Scan(&after); err != nil {
		return nil, classify(name, KindInfoError, err)
	}
	if after != rows {
		return nil, &PartitionError{Kind: KindCreationFailed, Name: name,
			Err: fmt.Errorf("row count changed during split: %d before, %d after", rows, after)}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(name, KindCreationFailed, err)
	}

	m.logger.Info("partition split",
		zap.String("partition", name),
		zap.String("renamed", renamed.String()),
		zap.String("overflow", overflow.String()),
		zap.String("cut", cut.Format(boundLayout)),
		zap.Int64("rows", rows))

	return &SplitResult{
		Original: name,
		Renamed:  renamed.String(),
		Overflow: overflow.String(),
		Cut:      cut.Format(boundLayout),
		Rows:     rows,
	}, nil
}

// RunMaintenance ensures upcoming partitions exist and runs the size sweep:
// emergency-sized partitions split immediately, critical-sized ones split
// when auto-split is enabled, warning-sized ones get logged.
func (m *Manager) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	rep := &MaintenanceReport{}
	created, err := m.EnsureCurrentAndFuture(ctx, m.set.FutureMonths)
	rep.Created = created
	if err != nil {
		return rep, err
	}

	parts, err := m.List(ctx)
	if err != nil {
		return rep, err
	}
	for _, p := range parts {
		switch m.Decide(p.SizeMB).Action {
		case ActionSplitNow:
			m.logger.Warn("partition above emergency threshold, splitting",
				zap.String("partition", p.Name), zap.Float64("size_mb", p.SizeMB))
			if _, err := m.Split(ctx, p.Name); err != nil {
				return rep, err
			}
			rep.Split = append(rep.Split, p.Name)
		case ActionSplitIfAuto:
			if m.set.AutoSplit {
				if _, err := m.Split(ctx, p.Name); err != nil {
					return rep, err
				}
				rep.Split = append(rep.Split, p.Name)
				continue
			}
			m.logger.Warn("partition above critical threshold",
				zap.String("partition", p.Name), zap.Float64("size_mb", p.SizeMB))
			rep.Watch = append(rep.Watch, p.Name)
		case ActionMonitor:
			m.logger.Info("partition above warning threshold",
				zap.String("partition", p.Name), zap.Float64("size_mb", p.SizeMB))
			rep.Watch = append(rep.Watch, p.Name)
		}
	}
	return rep, nil
}

// monthPartitions returns the attached partitions for one month, primary and
// sub-partitions alike.
func (m *Manager) monthPartitions(ctx context.Context, year int, month time.Month) ([]Name, error) {
	prefix := fmt.Sprintf("p_%04d%02d", year, int(month))
	rows, err := m.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		WHERE i.inhparent = 'location_history'::regclass AND c.relname LIKE $1 || '%'
		ORDER BY c.relname`, prefix)
	if err != nil {
		return nil, &PartitionError{Kind: KindInfoError, Err: err}
	}
	defer rows.Close()

	var out []Name
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, &PartitionError{Kind: KindInfoError, Err: err}
		}
		n, err := ParseName(s)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, &PartitionError{Kind: KindInfoError, Err: err}
	}
	return out, nil
}

func (m *Manager) exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = $1 AND relkind IN ('r', 'p'))`,
		name).Scan(&ok)
	if err != nil {
		return false, classify(name, KindInfoError, err)
	}
	return ok, nil
}

// createPartition attaches a new range partition. CREATE TABLE IF NOT EXISTS
// keeps concurrent ensures idempotent.
func (m *Manager) createPartition(ctx context.Context, name string, from, to time.Time) error {
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF location_history FOR VALUES FROM ('%s') TO ('%s')",
		pgx.Identifier{name}.Sanitize(),
		from.Format(boundLayout), to.Format(boundLayout),
	)
	if _, err := m.pool.Exec(ctx, stmt); err != nil {
		return classify(name, KindCreationFailed, err)
	}
	return nil
}

func (m *Manager) dropTable(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	if _, err := m.pool.Exec(ctx, stmt); err != nil {
		return classify(name, KindDropFailed, err)
	}
	metrics.PartitionSizeBytes.DeleteLabelValues(name)
	m.logger.Info("partition dropped", zap.String("partition", name))
	return nil
}

// tableOp runs a statistics verb against one existing partition.
func (m *Manager) tableOp(ctx context.Context, name, verb string) error {
	if _, err := ParseName(name); err != nil {
		return err
	}
	ok, err := m.exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return &PartitionError{Kind: KindNotFound, Name: name}
	}
	stmt := fmt.Sprintf("%s %s", verb, pgx.Identifier{name}.Sanitize())
	if _, err := m.pool.Exec(ctx, stmt); err != nil {
		return classify(name, KindInfoError, err)
	}
	return nil
}

// boundRE pulls the two quoted timestamps out of a pg_get_expr rendering,
// e.g. FOR VALUES FROM ('2025-07-01 00:00:00') TO ('2025-08-01 00:00:00').
var boundRE = regexp.MustCompile(`FROM \('([^']+)'\) TO \('([^']+)'\)`)

func parseBounds(expr string) (from, to string) {
	match := boundRE.FindStringSubmatch(expr)
	if len(match) != 3 {
		return "", ""
	}
	return match[1], match[2]
}

// bounds reads a partition's attached range from the catalog.
func (m *Manager) bounds(ctx context.Context, name string) (from, to time.Time, err error) {
	var expr string
	err = m.pool.QueryRow(ctx, `
		SELECT pg_get_expr(relpartbound, oid) FROM pg_class
		WHERE relname = $1 AND relispartition`, name).Scan(&expr)
	if errors.Is(err, pgx.ErrNoRows) {
		return from, to, &PartitionError{Kind: KindNotFound, Name: name}
	}
	if err != nil {
		return from, to, classify(name, KindInfoError, err)
	}
	f, t := parseBounds(expr)
	from, err = time.Parse(boundLayout, f)
	if err != nil {
		return from, to, &PartitionError{Kind: KindInfoError, Name: name, Err: err}
	}
	to, err = time.Parse(boundLayout, t)
	if err != nil {
		return from, to, &PartitionError{Kind: KindInfoError, Name: name, Err: err}
	}
	return from, to, nil
}
