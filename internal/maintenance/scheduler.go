package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Duty names accepted by Trigger and reported by Status.
const (
	DutyDaily   = "daily"
	DutyWeekly  = "weekly"
	DutyCleanup = "cleanup"
	DutyAll     = "all"
)

// dutyTimeout bounds a scheduled run; analyzing a year of partitions on a
// loaded store can take a while.
const dutyTimeout = 30 * time.Minute

// Duties is the manager surface the scheduler drives.
type Duties interface {
	RunMaintenance(ctx context.Context) (*MaintenanceReport, error)
	AnalyzeRecent(ctx context.Context) ([]string, error)
	Cleanup(ctx context.Context, retentionMonths int) ([]string, error)
	Settings() Settings
}

// Schedule carries the cron expressions and the cleanup opt-in. Zero values
// select the defaults.
type Schedule struct {
	DailyCron      string
	WeeklyCron     string
	CleanupCron    string
	ConfirmCleanup bool
}

func (s Schedule) withDefaults() Schedule {
	if s.DailyCron == "" {
		s.DailyCron = "0 3 * * *"
	}
	if s.WeeklyCron == "" {
		s.WeeklyCron = "0 4 * * 0"
	}
	if s.CleanupCron == "" {
		s.CleanupCron = "0 5 1 * *"
	}
	return s
}

// DutyStatus is the last outcome of one scheduled duty.
type DutyStatus struct {
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

// Scheduler drives the partition duties on their cron expressions. Every
// duty can also be triggered immediately through the admin surface.
type Scheduler struct {
	mgr    Duties
	sched  Schedule
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	last    map[string]DutyStatus
}

func NewScheduler(mgr Duties, sched Schedule, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		mgr:     mgr,
		sched:   sched.withDefaults(),
		cron:    cron.New(),
		logger:  logger.Named("scheduler"),
		entries: make(map[string]cron.EntryID),
		last:    make(map[string]DutyStatus),
	}
}

// Start registers the duties and begins the cron loop.
func (s *Scheduler) Start() error {
	duties := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{DutyDaily, s.sched.DailyCron, s.runDaily},
		{DutyWeekly, s.sched.WeeklyCron, s.runWeekly},
		{DutyCleanup, s.sched.CleanupCron, s.runScheduledCleanup},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range duties {
		d := d
		id, err := s.cron.AddFunc(d.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), dutyTimeout)
			defer cancel()
			s.execute(ctx, d.name, d.run)
		})
		if err != nil {
			return fmt.Errorf("scheduling %s duty (%q): %w", d.name, d.spec, err)
		}
		s.entries[d.name] = id
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("daily", s.sched.DailyCron),
		zap.String("weekly", s.sched.WeeklyCron),
		zap.String("cleanup", s.sched.CleanupCron))
	return nil
}

// Stop halts the cron loop and waits for a running duty to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Trigger runs one duty (or all of them) immediately. Cleanup inside "all"
// runs only with confirmAll; triggering cleanup by name drops regardless,
// like a direct admin cleanup call.
func (s *Scheduler) Trigger(ctx context.Context, name string, confirmAll bool) error {
	switch name {
	case DutyDaily:
		return s.execute(ctx, DutyDaily, s.runDaily)
	case DutyWeekly:
		return s.execute(ctx, DutyWeekly, s.runWeekly)
	case DutyCleanup:
		return s.execute(ctx, DutyCleanup, s.runCleanup)
	case DutyAll:
		if err := s.execute(ctx, DutyDaily, s.runDaily); err != nil {
			return err
		}
		if err := s.execute(ctx, DutyWeekly, s.runWeekly); err != nil {
			return err
		}
		if !confirmAll {
			s.logger.Warn("cleanup not confirmed, skipping")
			return nil
		}
		return s.execute(ctx, DutyCleanup, s.runCleanup)
	default:
		return fmt.Errorf("unknown duty %q", name)
	}
}

// Status reports each duty's last outcome and next scheduled run. Duties
// that only ever ran through Trigger appear without a next run.
func (s *Scheduler) Status() map[string]DutyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DutyStatus, len(s.entries))
	for name, st := range s.last {
		out[name] = st
	}
	for name, id := range s.entries {
		st := out[name]
		st.NextRun = s.cron.Entry(id).Next
		out[name] = st
	}
	return out
}

// Config reports the active cron expressions and retention settings.
func (s *Scheduler) Config() map[string]any {
	set := s.mgr.Settings()
	return map[string]any{
		"dailyCron":       s.sched.DailyCron,
		"weeklyCron":      s.sched.WeeklyCron,
		"cleanupCron":     s.sched.CleanupCron,
		"confirmCleanup":  s.sched.ConfirmCleanup,
		"futureMonths":    set.FutureMonths,
		"retentionMonths": set.RetentionMonths,
		"autoSplit":       set.AutoSplit,
		"warningMB":       set.WarningMB,
		"criticalMB":      set.CriticalMB,
		"emergencyMB":     set.EmergencyMB,
	}
}

func (s *Scheduler) execute(ctx context.Context, name string, run func(context.Context) error) error {
	start := time.Now()
	err := run(ctx)

	status := DutyStatus{LastRun: start}
	if err != nil {
		status.LastError = err.Error()
		s.logger.Error("duty failed", zap.String("duty", name), zap.Error(err))
	} else {
		s.logger.Info("duty complete",
			zap.String("duty", name),
			zap.Duration("took", time.Since(start)))
	}

	s.mu.Lock()
	s.last[name] = status
	s.mu.Unlock()
	return err
}

func (s *Scheduler) runDaily(ctx context.Context) error {
	_, err := s.mgr.RunMaintenance(ctx)
	return err
}

func (s *Scheduler) runWeekly(ctx context.Context) error {
	analyzed, err := s.mgr.AnalyzeRecent(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("recent partitions analyzed", zap.Strings("partitions", analyzed))
	return nil
}

func (s *Scheduler) runCleanup(ctx context.Context) error {
	_, err := s.mgr.Cleanup(ctx, 0)
	return err
}

// runScheduledCleanup drops expired partitions only when the deploy opted
// in; an unconfirmed schedule logs and does nothing.
func (s *Scheduler) runScheduledCleanup(ctx context.Context) error {
	if !s.sched.ConfirmCleanup {
		s.logger.Warn("scheduled cleanup skipped, confirmCleanup is disabled")
		return nil
	}
	return s.runCleanup(ctx)
}
