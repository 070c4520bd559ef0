package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrol-sync/internal/models"
	"github.com/noah-isme/sis-enrol-sync/pkg/config"
)

type mockInstanceStore struct {
	instances map[string]models.EnrolInstance
}

func (m *mockInstanceStore) FindByCourseID(ctx context.Context, courseID string) (*models.EnrolInstance, error) {
	if instance, ok := m.instances[courseID]; ok {
		return &instance, nil
	}
	return nil, sql.ErrNoRows
}

type mockEnrolmentStore struct {
	rows    map[string]models.UserEnrolment
	active  []models.ActiveEnrolment
	created int
	updated int
	deleted int
	nextID  int

	// When set, ListActiveUnderEnabled derives the active set from rows
	// instead of returning the static active slice.
	deriveActiveFor *models.EnrolInstance
}

func (m *mockEnrolmentStore) ListByInstance(ctx context.Context, instanceID string) ([]models.UserEnrolment, error) {
	var out []models.UserEnrolment
	for _, row := range m.rows {
		if row.InstanceID == instanceID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockEnrolmentStore) Create(ctx context.Context, enrolment *models.UserEnrolment) error {
	if m.rows == nil {
		m.rows = make(map[string]models.UserEnrolment)
	}
	m.nextID++
	enrolment.ID = "e" + string(rune('0'+m.nextID))
	m.rows[enrolment.ID] = *enrolment
	m.created++
	return nil
}

func (m *mockEnrolmentStore) UpdateStatus(ctx context.Context, id string, status models.EnrolmentStatus) error {
	row := m.rows[id]
	row.Status = status
	m.rows[id] = row
	m.updated++
	return nil
}

func (m *mockEnrolmentStore) Delete(ctx context.Context, id string) error {
	delete(m.rows, id)
	m.deleted++
	return nil
}

func (m *mockEnrolmentStore) ListActiveUnderEnabled(ctx context.Context) ([]models.ActiveEnrolment, error) {
	if m.deriveActiveFor == nil {
		return m.active, nil
	}
	instance := *m.deriveActiveFor
	var out []models.ActiveEnrolment
	for _, row := range m.rows {
		if row.InstanceID == instance.ID && row.Status == models.EnrolmentStatusActive && instance.Enabled() {
			out = append(out, models.ActiveEnrolment{
				UserID:     row.UserID,
				CourseID:   instance.CourseID,
				Role:       instance.Role,
				InstanceID: instance.ID,
			})
		}
	}
	return out, nil
}

type mockRoleStore struct {
	assignments     map[string]models.RoleAssignment
	created         int
	deleted         int
	deletedForUsers []string
	purged          bool
	nextID          int
}

func (m *mockRoleStore) ListOwned(ctx context.Context) ([]models.RoleAssignment, error) {
	var out []models.RoleAssignment
	for _, a := range m.assignments {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockRoleStore) Create(ctx context.Context, assignment *models.RoleAssignment) error {
	if m.assignments == nil {
		m.assignments = make(map[string]models.RoleAssignment)
	}
	m.nextID++
	assignment.ID = "created-r" + string(rune('0'+m.nextID))
	m.assignments[assignment.ID] = *assignment
	m.created++
	return nil
}

func (m *mockRoleStore) Delete(ctx context.Context, id string) error {
	delete(m.assignments, id)
	m.deleted++
	return nil
}

func (m *mockRoleStore) DeleteByUserAndInstance(ctx context.Context, userID, instanceID string) error {
	m.deletedForUsers = append(m.deletedForUsers, userID)
	for id, a := range m.assignments {
		if a.UserID == userID && a.InstanceID == instanceID {
			delete(m.assignments, id)
		}
	}
	return nil
}

func (m *mockRoleStore) DeleteAll(ctx context.Context) (int64, error) {
	n := int64(len(m.assignments))
	m.assignments = nil
	m.purged = true
	return n, nil
}

type mockUserResolver struct {
	users map[string]models.User
}

func (m *mockUserResolver) FindByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	if user, ok := m.users[externalID]; ok {
		return &user, nil
	}
	return nil, sql.ErrNoRows
}

type mockRoster struct {
	rosters map[string]map[string]models.EnrolmentStatus
	err     error
	calls   int
}

func (m *mockRoster) CourseEnrollment(ctx context.Context, sisCourseID string) (map[string]models.EnrolmentStatus, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.rosters[sisCourseID], nil
}

func newTestSyncService(t *testing.T, instances *mockInstanceStore, enrolments *mockEnrolmentStore, roles *mockRoleStore, users *mockUserResolver, roster *mockRoster, opts SyncOptions) *SyncService {
	t.Helper()
	svc, err := NewSyncService(instances, enrolments, roles, users, roster, opts, validator.New(), NopTrace{}, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func enabledOpts(action string) SyncOptions {
	return SyncOptions{Enabled: true, RemovalAction: action}
}

func TestNewSyncServiceRejectsUnknownRemovalAction(t *testing.T) {
	_, err := NewSyncService(nil, nil, nil, nil, nil, SyncOptions{Enabled: true, RemovalAction: "delete"}, validator.New(), nil, nil, nil)
	require.Error(t, err)
}

func TestSyncInstanceEnrolsNewStudents(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Role: "student", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"S100": models.EnrolmentStatusActive, "S200": models.EnrolmentStatusSuspended},
	}}
	users := &mockUserResolver{users: map[string]models.User{
		"S100": {ID: "u1", ExternalID: "S100"},
		"S200": {ID: "u2", ExternalID: "S200"},
	}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, 2, enrolments.created)
	statuses := make(map[string]models.EnrolmentStatus)
	for _, row := range enrolments.rows {
		statuses[row.UserID] = row.Status
	}
	assert.Equal(t, models.EnrolmentStatusActive, statuses["u1"])
	assert.Equal(t, models.EnrolmentStatusSuspended, statuses["u2"])
}

func TestSyncInstanceIsIdempotent(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Role: "student", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"S100": models.EnrolmentStatusActive, "S200": models.EnrolmentStatusSuspended},
	}}
	users := &mockUserResolver{users: map[string]models.User{
		"S100": {ID: "u1", ExternalID: "S100"},
		"S200": {ID: "u2", ExternalID: "S200"},
	}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))
	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, 2, enrolments.created, "second run must not create rows")
	assert.Equal(t, 0, enrolments.updated, "second run must not update rows")
	assert.Equal(t, 0, enrolments.deleted)
}

func TestSyncInstanceUpdatesChangedStatus(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{rows: map[string]models.UserEnrolment{
		"e1": {ID: "e1", InstanceID: "i1", UserID: "u1", Status: models.EnrolmentStatusSuspended},
	}}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"S100": models.EnrolmentStatusActive},
	}}
	users := &mockUserResolver{users: map[string]models.User{"S100": {ID: "u1", ExternalID: "S100"}}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, 1, enrolments.updated)
	assert.Equal(t, models.EnrolmentStatusActive, enrolments.rows["e1"].Status)
}

func TestSyncInstanceSkipsUnknownStudents(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"GHOST": models.EnrolmentStatusActive, "S100": models.EnrolmentStatusActive},
	}}
	users := &mockUserResolver{users: map[string]models.User{"S100": {ID: "u1", ExternalID: "S100"}}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))
	assert.Equal(t, 1, enrolments.created)
}

func TestSyncInstanceEmptyRosterNeverRemoves(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{rows: map[string]models.UserEnrolment{
		"e1": {ID: "e1", InstanceID: "i1", UserID: "u1", Status: models.EnrolmentStatusActive},
	}}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, &mockUserResolver{}, roster, enabledOpts(config.RemovalUnenrol))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, 0, enrolments.deleted)
	assert.Equal(t, 0, enrolments.updated)
	assert.Len(t, enrolments.rows, 1)
}

func TestRemovalActionUnenrol(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{rows: map[string]models.UserEnrolment{
		"e1": {ID: "e1", InstanceID: "i1", UserID: "u1", Status: models.EnrolmentStatusActive},
		"e2": {ID: "e2", InstanceID: "i1", UserID: "u2", Status: models.EnrolmentStatusActive},
		"e3": {ID: "e3", InstanceID: "i1", UserID: "u3", Status: models.EnrolmentStatusActive},
	}}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"S100": models.EnrolmentStatusActive, "S200": models.EnrolmentStatusActive},
	}}
	users := &mockUserResolver{users: map[string]models.User{
		"S100": {ID: "u1", ExternalID: "S100"},
		"S200": {ID: "u2", ExternalID: "S200"},
	}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalUnenrol))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, 1, enrolments.deleted)
	_, stillThere := enrolments.rows["e3"]
	assert.False(t, stillThere)
}

func TestRemovalActionSuspendNoRoles(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{rows: map[string]models.UserEnrolment{
		"e1": {ID: "e1", InstanceID: "i1", UserID: "u1", Status: models.EnrolmentStatusActive},
	}}
	roles := &mockRoleStore{assignments: map[string]models.RoleAssignment{
		"r1": {ID: "r1", UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{"8041": {"S900": models.EnrolmentStatusActive}}}
	users := &mockUserResolver{users: map[string]models.User{"S900": {ID: "u9", ExternalID: "S900"}}}
	svc := newTestSyncService(t, nil, enrolments, roles, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))

	assert.Equal(t, models.EnrolmentStatusSuspended, enrolments.rows["e1"].Status)
	assert.Contains(t, roles.deletedForUsers, "u1")
	assert.Empty(t, roles.assignments)
}

func TestRemovalActionSuspendAlreadySuspendedIsNoop(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	enrolments := &mockEnrolmentStore{rows: map[string]models.UserEnrolment{
		"e1": {ID: "e1", InstanceID: "i1", UserID: "u1", Status: models.EnrolmentStatusSuspended},
	}}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{"8041": {"S900": models.EnrolmentStatusActive}}}
	users := &mockUserResolver{users: map[string]models.User{"S900": {ID: "u9", ExternalID: "S900"}}}
	svc := newTestSyncService(t, nil, enrolments, &mockRoleStore{}, users, roster, enabledOpts(config.RemovalSuspend))

	require.NoError(t, svc.SyncInstance(context.Background(), instance))
	assert.Equal(t, 0, enrolments.updated)
}

func TestSyncCourseUnknownCourse(t *testing.T) {
	svc := newTestSyncService(t, &mockInstanceStore{}, &mockEnrolmentStore{}, &mockRoleStore{}, &mockUserResolver{}, &mockRoster{}, enabledOpts(config.RemovalSuspendNoRoles))

	err := svc.SyncCourse(context.Background(), "missing")
	require.Error(t, err)
}

func TestSyncCourseDisabledInstanceSkipsRoster(t *testing.T) {
	instances := &mockInstanceStore{instances: map[string]models.EnrolInstance{
		"42": {ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusDisabled},
	}}
	roster := &mockRoster{}
	svc := newTestSyncService(t, instances, &mockEnrolmentStore{}, &mockRoleStore{}, &mockUserResolver{}, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncCourse(context.Background(), "42"))
	assert.Equal(t, 0, roster.calls)
}

func TestSyncCourseDisabledComponentPurgesRoles(t *testing.T) {
	roles := &mockRoleStore{assignments: map[string]models.RoleAssignment{
		"r1": {ID: "r1", UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	svc := newTestSyncService(t, &mockInstanceStore{}, &mockEnrolmentStore{}, roles, &mockUserResolver{}, &mockRoster{}, SyncOptions{Enabled: false, RemovalAction: config.RemovalSuspendNoRoles})

	require.NoError(t, svc.SyncCourse(context.Background(), "42"))
	assert.True(t, roles.purged)
}

func TestRolePassesConvergeAssignments(t *testing.T) {
	enrolments := &mockEnrolmentStore{active: []models.ActiveEnrolment{
		{UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
		{UserID: "u2", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	roles := &mockRoleStore{assignments: map[string]models.RoleAssignment{
		"r1": {ID: "r1", UserID: "u2", CourseID: "42", Role: "student", InstanceID: "i1"},
		"r2": {ID: "r2", UserID: "u3", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	svc := newTestSyncService(t, nil, enrolments, roles, &mockUserResolver{}, &mockRoster{}, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.RolePasses(context.Background()))

	assert.Equal(t, 1, roles.created, "u1 gains the role")
	assert.Equal(t, 1, roles.deleted, "u3 loses the stale role")

	keys := make(map[string]bool)
	for _, a := range roles.assignments {
		keys[a.Key()] = true
	}
	assert.True(t, keys["u1|42|student|i1"])
	assert.True(t, keys["u2|42|student|i1"])
	assert.False(t, keys["u3|42|student|i1"])
}

func TestRolePassesRoleChangeReplacesAssignment(t *testing.T) {
	enrolments := &mockEnrolmentStore{active: []models.ActiveEnrolment{
		{UserID: "u1", CourseID: "42", Role: "auditor", InstanceID: "i1"},
	}}
	roles := &mockRoleStore{assignments: map[string]models.RoleAssignment{
		"r1": {ID: "r1", UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	svc := newTestSyncService(t, nil, enrolments, roles, &mockUserResolver{}, &mockRoster{}, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.RolePasses(context.Background()))

	assert.Equal(t, 1, roles.created)
	assert.Equal(t, 1, roles.deleted)
	require.Len(t, roles.assignments, 1)
	for _, a := range roles.assignments {
		assert.Equal(t, "auditor", a.Role)
	}
}

func TestRolePassesIdempotent(t *testing.T) {
	enrolments := &mockEnrolmentStore{active: []models.ActiveEnrolment{
		{UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	roles := &mockRoleStore{assignments: map[string]models.RoleAssignment{
		"r1": {ID: "r1", UserID: "u1", CourseID: "42", Role: "student", InstanceID: "i1"},
	}}
	svc := newTestSyncService(t, nil, enrolments, roles, &mockUserResolver{}, &mockRoster{}, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.RolePasses(context.Background()))
	assert.Equal(t, 0, roles.created)
	assert.Equal(t, 0, roles.deleted)
}

func TestSyncCourseEndToEnd(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Role: "student", Status: models.InstanceStatusEnabled}
	instances := &mockInstanceStore{instances: map[string]models.EnrolInstance{"42": instance}}
	enrolments := &mockEnrolmentStore{deriveActiveFor: &instance}
	roles := &mockRoleStore{}
	roster := &mockRoster{rosters: map[string]map[string]models.EnrolmentStatus{
		"8041": {"S100": models.EnrolmentStatusActive, "S200": models.EnrolmentStatusSuspended},
	}}
	users := &mockUserResolver{users: map[string]models.User{
		"S100": {ID: "u1", ExternalID: "S100"},
		"S200": {ID: "u2", ExternalID: "S200"},
	}}
	svc := newTestSyncService(t, instances, enrolments, roles, users, roster, enabledOpts(config.RemovalSuspendNoRoles))

	require.NoError(t, svc.SyncCourse(context.Background(), "42"))

	assert.Equal(t, 2, enrolments.created)
	require.Len(t, roles.assignments, 1, "only the active student gets the role")
	for _, a := range roles.assignments {
		assert.Equal(t, "u1|42|student|i1", a.Key())
	}

	// A second sync with unchanged SIS data converges without mutations.
	require.NoError(t, svc.SyncCourse(context.Background(), "42"))
	assert.Equal(t, 2, enrolments.created)
	assert.Equal(t, 0, enrolments.updated)
	assert.Equal(t, 1, roles.created)
	assert.Equal(t, 0, roles.deleted)
}

func TestSyncInstanceFetchErrorPropagates(t *testing.T) {
	instance := models.EnrolInstance{ID: "i1", CourseID: "42", SISCourseID: "8041", Status: models.InstanceStatusEnabled}
	roster := &mockRoster{err: assert.AnError}
	buf := &BufferTrace{}
	svc, err := NewSyncService(nil, &mockEnrolmentStore{}, &mockRoleStore{}, &mockUserResolver{}, roster, enabledOpts(config.RemovalSuspendNoRoles), validator.New(), buf, nil, zap.NewNop())
	require.NoError(t, err)

	require.Error(t, svc.SyncInstance(context.Background(), instance))
	assert.NotEmpty(t, buf.Lines)
}
