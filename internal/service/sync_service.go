package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
	"github.com/noah-isme/sis-enrol-sync/pkg/config"
	appErrors "github.com/noah-isme/sis-enrol-sync/pkg/errors"
)

type instanceStore interface {
	FindByCourseID(ctx context.Context, courseID string) (*models.EnrolInstance, error)
}

type enrolmentStore interface {
	ListByInstance(ctx context.Context, instanceID string) ([]models.UserEnrolment, error)
	Create(ctx context.Context, enrolment *models.UserEnrolment) error
	UpdateStatus(ctx context.Context, id string, status models.EnrolmentStatus) error
	Delete(ctx context.Context, id string) error
	ListActiveUnderEnabled(ctx context.Context) ([]models.ActiveEnrolment, error)
}

type roleStore interface {
	ListOwned(ctx context.Context) ([]models.RoleAssignment, error)
	Create(ctx context.Context, assignment *models.RoleAssignment) error
	Delete(ctx context.Context, id string) error
	DeleteByUserAndInstance(ctx context.Context, userID, instanceID string) error
	DeleteAll(ctx context.Context) (int64, error)
}

type userResolver interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.User, error)
}

type rosterFetcher interface {
	CourseEnrollment(ctx context.Context, sisCourseID string) (map[string]models.EnrolmentStatus, error)
}

type actionRecorder interface {
	RecordAction(action string)
}

// SyncOptions configures the reconciliation engine.
type SyncOptions struct {
	Enabled       bool
	RemovalAction string `validate:"oneof=unenrol suspend suspendnoroles"`
}

// SyncService converges local enrolment and role-assignment state with
// SIS-reported truth, one enrol instance at a time.
type SyncService struct {
	instances  instanceStore
	enrolments enrolmentStore
	roles      roleStore
	users      userResolver
	roster     rosterFetcher
	opts       SyncOptions
	trace      Trace
	metrics    actionRecorder
	logger     *zap.Logger
}

// NewSyncService constructs the engine. The removal action is validated up
// front so a misconfigured deployment fails at startup, not mid-sweep.
func NewSyncService(instances instanceStore, enrolments enrolmentStore, roles roleStore, users userResolver, roster rosterFetcher, opts SyncOptions, validate *validator.Validate, trace Trace, metrics actionRecorder, logger *zap.Logger) (*SyncService, error) {
	if validate == nil {
		validate = validator.New()
	}
	if err := validate.Struct(opts); err != nil {
		return nil, appErrors.Wrap(err, "INVALID_SYNC_OPTIONS", "invalid sync options")
	}
	if trace == nil {
		trace = NopTrace{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		instances:  instances,
		enrolments: enrolments,
		roles:      roles,
		users:      users,
		roster:     roster,
		opts:       opts,
		trace:      trace,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Enabled reports whether synchronisation is administratively enabled.
func (s *SyncService) Enabled() bool {
	return s.opts.Enabled
}

// PurgeAllRoles removes every role assignment this component owns. Terminal
// state when synchronisation is administratively disabled.
func (s *SyncService) PurgeAllRoles(ctx context.Context) error {
	n, err := s.roles.DeleteAll(ctx)
	if err != nil {
		return err
	}
	s.trace.Output("sync disabled: removed %d role assignments", n)
	return nil
}

// SyncCourse synchronises the single instance linked to a local course,
// aborting on the first error, then runs the global role passes. Used when
// an administrator saves the enrolment form or requests an explicit sync.
func (s *SyncService) SyncCourse(ctx context.Context, courseID string) error {
	if !s.opts.Enabled {
		return s.PurgeAllRoles(ctx)
	}

	instance, err := s.instances.FindByCourseID(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no enrol instance for course "+courseID)
		}
		return err
	}

	if instance.Enabled() {
		if err := s.SyncInstance(ctx, *instance); err != nil {
			return err
		}
	} else {
		s.trace.Output("instance for course %s is disabled, skipping roster sync", courseID)
	}

	return s.RolePasses(ctx)
}

// SyncInstance fetches the SIS roster for one instance and converges the
// local enrolment rows. Role assignments are handled separately by
// RolePasses after all instances of a run are processed.
func (s *SyncService) SyncInstance(ctx context.Context, instance models.EnrolInstance) error {
	roster, err := s.roster.CourseEnrollment(ctx, instance.SISCourseID)
	if err != nil {
		s.record(ActionError)
		s.trace.Output("failed to fetch enrolment for SIS course %s: %v", instance.SISCourseID, err)
		return err
	}

	// An empty roster is an unreliable signal, not an authoritative
	// "nobody enrolled". Never unenrol anyone on empty data.
	if len(roster) == 0 {
		s.record(ActionSkip)
		s.trace.Output("no enrolment data for SIS course %s, skipping", instance.SISCourseID)
		return nil
	}

	local, err := s.enrolments.ListByInstance(ctx, instance.ID)
	if err != nil {
		return err
	}
	localByUser := make(map[string]models.UserEnrolment, len(local))
	for _, row := range local {
		localByUser[row.UserID] = row
	}

	seen := make(map[string]bool, len(roster))

	for _, studentID := range sortedKeys(roster) {
		status := roster[studentID]

		user, err := s.users.FindByExternalID(ctx, studentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				s.record(ActionSkip)
				s.trace.Output("skipping unknown student %s in SIS course %s", studentID, instance.SISCourseID)
				continue
			}
			return err
		}

		seen[user.ID] = true

		row, exists := localByUser[user.ID]
		if !exists {
			enrolment := &models.UserEnrolment{InstanceID: instance.ID, UserID: user.ID, Status: status}
			if err := s.enrolments.Create(ctx, enrolment); err != nil {
				return err
			}
			s.record(ActionEnrol)
			s.trace.Output("enrolled user %s into course %s as %s", user.ID, instance.CourseID, status)
			continue
		}

		if row.Status != status {
			if err := s.enrolments.UpdateStatus(ctx, row.ID, status); err != nil {
				return err
			}
			s.record(ActionUpdate)
			s.trace.Output("updated user %s in course %s to %s", user.ID, instance.CourseID, status)
		}
	}

	return s.removeUnseen(ctx, instance, local, seen)
}

// removeUnseen applies the configured removal action to local rows whose
// user was not reported by the SIS in this pass.
func (s *SyncService) removeUnseen(ctx context.Context, instance models.EnrolInstance, local []models.UserEnrolment, seen map[string]bool) error {
	for _, row := range local {
		if seen[row.UserID] {
			continue
		}

		switch s.opts.RemovalAction {
		case config.RemovalUnenrol:
			if err := s.enrolments.Delete(ctx, row.ID); err != nil {
				return err
			}
			s.record(ActionUnenrol)
			s.trace.Output("unenrolled user %s from course %s", row.UserID, instance.CourseID)

		case config.RemovalSuspend:
			if row.Status == models.EnrolmentStatusSuspended {
				continue
			}
			if err := s.enrolments.UpdateStatus(ctx, row.ID, models.EnrolmentStatusSuspended); err != nil {
				return err
			}
			s.record(ActionSuspend)
			s.trace.Output("suspended user %s in course %s", row.UserID, instance.CourseID)

		case config.RemovalSuspendNoRoles:
			if row.Status == models.EnrolmentStatusSuspended {
				continue
			}
			if err := s.enrolments.UpdateStatus(ctx, row.ID, models.EnrolmentStatusSuspended); err != nil {
				return err
			}
			if err := s.roles.DeleteByUserAndInstance(ctx, row.UserID, instance.ID); err != nil {
				return err
			}
			s.record(ActionSuspend)
			s.trace.Output("suspended user %s in course %s and removed roles", row.UserID, instance.CourseID)
		}
	}
	return nil
}

// RolePasses runs the two global passes: assign the instance role to every
// user with an ACTIVE enrolment under an enabled instance, then remove any
// owned assignment whose backing enrolment is missing, inactive, under a
// disabled instance, or whose configured role changed.
func (s *SyncService) RolePasses(ctx context.Context) error {
	active, err := s.enrolments.ListActiveUnderEnabled(ctx)
	if err != nil {
		return err
	}
	owned, err := s.roles.ListOwned(ctx)
	if err != nil {
		return err
	}

	ownedKeys := make(map[string]bool, len(owned))
	for _, assignment := range owned {
		ownedKeys[assignment.Key()] = true
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].UserID != active[j].UserID {
			return active[i].UserID < active[j].UserID
		}
		return active[i].CourseID < active[j].CourseID
	})

	wanted := make(map[string]bool, len(active))
	for _, row := range active {
		assignment := models.RoleAssignment{
			UserID:     row.UserID,
			CourseID:   row.CourseID,
			Role:       row.Role,
			InstanceID: row.InstanceID,
		}
		key := assignment.Key()
		wanted[key] = true

		if ownedKeys[key] {
			continue
		}
		if err := s.roles.Create(ctx, &assignment); err != nil {
			return err
		}
		s.record(ActionRoleAssign)
		s.trace.Output("assigned role %s to user %s in course %s", row.Role, row.UserID, row.CourseID)
	}

	for _, assignment := range owned {
		if wanted[assignment.Key()] {
			continue
		}
		if err := s.roles.Delete(ctx, assignment.ID); err != nil {
			return err
		}
		s.record(ActionRoleUnassign)
		s.trace.Output("unassigned role %s from user %s in course %s", assignment.Role, assignment.UserID, assignment.CourseID)
	}

	return nil
}

func (s *SyncService) record(action string) {
	if s.metrics != nil {
		s.metrics.RecordAction(action)
	}
}

func sortedKeys(m map[string]models.EnrolmentStatus) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
