package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
)

// Settings keys for the persisted scheduler state.
const (
	settingCursor        = "last_sync_course_index"
	settingLastCompleted = "last_completed_time"
)

type instanceLister interface {
	CountEnabled(ctx context.Context) (int, error)
	ListEnabled(ctx context.Context, offset, limit int) ([]models.EnrolInstance, error)
}

type syncEngine interface {
	Enabled() bool
	PurgeAllRoles(ctx context.Context) error
	SyncInstance(ctx context.Context, instance models.EnrolInstance) error
	RolePasses(ctx context.Context) error
}

type catalogPrefetcher interface {
	PrefetchCatalog(ctx context.Context) error
}

type settingsStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
}

type runRecorder interface {
	RecordRun()
	SetLastCompleted(t time.Time)
}

// SchedulerService spreads a full sweep over all enabled enrol instances
// across several bounded runs, tracking a resumable cursor between them.
type SchedulerService struct {
	instances    instanceLister
	engine       syncEngine
	catalog      catalogPrefetcher
	settings     settingsStore
	trace        Trace
	metrics      runRecorder
	logger       *zap.Logger
	runsPerSweep int
	now          func() time.Time
}

// NewSchedulerService constructs the scheduler. runsPerSweep controls the
// per-run quota: ceil(total / runsPerSweep) instances per run.
func NewSchedulerService(instances instanceLister, engine syncEngine, catalog catalogPrefetcher, settings settingsStore, runsPerSweep int, trace Trace, metrics runRecorder, logger *zap.Logger) *SchedulerService {
	if runsPerSweep <= 0 {
		runsPerSweep = 6
	}
	if trace == nil {
		trace = NopTrace{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SchedulerService{
		instances:    instances,
		engine:       engine,
		catalog:      catalog,
		settings:     settings,
		trace:        trace,
		metrics:      metrics,
		logger:       logger,
		runsPerSweep: runsPerSweep,
		now:          time.Now,
	}
}

// RunOnce processes at most one quota of instances starting at the stored
// cursor, then runs the global role passes. A failing instance is skipped
// and the cursor advanced past it; it gets retried on the next full sweep.
// The returned error aggregates per-instance failures without having
// interrupted the run.
func (s *SchedulerService) RunOnce(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.RecordRun()
	}

	if !s.engine.Enabled() {
		return s.engine.PurgeAllRoles(ctx)
	}

	total, err := s.instances.CountEnabled(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		s.trace.Output("no enabled enrol instances")
		return s.setCursor(ctx, 0)
	}

	quota := (total + s.runsPerSweep - 1) / s.runsPerSweep

	startIndex, err := s.cursor(ctx)
	if err != nil {
		return err
	}

	instances, err := s.instances.ListEnabled(ctx, startIndex, quota)
	if err != nil {
		return err
	}

	// A shrunken instance list can strand the cursor past the end.
	// Reset and warm the catalog cache; the sweep restarts next run.
	if len(instances) == 0 {
		if err := s.setCursor(ctx, 0); err != nil {
			return err
		}
		s.prefetch(ctx)
		return nil
	}

	cursor := models.SyncCursor{Offset: startIndex, Total: total}
	failed := 0
	for _, instance := range instances {
		if err := s.engine.SyncInstance(ctx, instance); err != nil {
			failed++
			s.logger.Warn("instance sync failed",
				zap.String("instance_id", instance.ID),
				zap.String("course_id", instance.CourseID),
				zap.Error(err),
			)
		}
		cursor.Offset++
		if err := s.setCursor(ctx, cursor.Offset); err != nil {
			return err
		}
	}

	if err := s.engine.RolePasses(ctx); err != nil {
		return err
	}

	s.logger.Info("scheduler run finished",
		zap.Int("processed", len(instances)),
		zap.Int("failed", failed),
		zap.Int("percent_complete", cursor.PercentComplete()),
	)

	if cursor.Offset >= total {
		completed := s.now()
		if failed == 0 {
			if err := s.settings.Set(ctx, settingLastCompleted, strconv.FormatInt(completed.Unix(), 10)); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.SetLastCompleted(completed)
			}
			s.trace.Output("full sweep completed over %d instances", total)
		}
		if err := s.setCursor(ctx, 0); err != nil {
			return err
		}
		s.prefetch(ctx)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d instances failed to sync", failed, len(instances))
	}
	return nil
}

// LastCompleted returns the time of the last uninterrupted full sweep, or a
// zero time when none has finished yet.
func (s *SchedulerService) LastCompleted(ctx context.Context) (time.Time, error) {
	raw, err := s.settings.Get(ctx, settingLastCompleted)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(epoch, 0), nil
}

func (s *SchedulerService) cursor(ctx context.Context) (int, error) {
	raw, err := s.settings.Get(ctx, settingCursor)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(raw)
	if err != nil || offset < 0 {
		return 0, nil
	}
	return offset, nil
}

func (s *SchedulerService) setCursor(ctx context.Context, offset int) error {
	return s.settings.Set(ctx, settingCursor, strconv.Itoa(offset))
}

func (s *SchedulerService) prefetch(ctx context.Context) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.PrefetchCatalog(ctx); err != nil {
		s.logger.Warn("catalog prefetch failed", zap.Error(err))
	}
}
