package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/meridianstat/authz-service/internal/jobs"
)

type fakePolicyStore struct {
	tenants []uuid.UUID
	err     error
}

func (s *fakePolicyStore) SweepExpired(_ context.Context, _ time.Time) ([]uuid.UUID, error) {
	return s.tenants, s.err
}

type fakeGrantStore struct {
	removed int64
	err     error
}

func (s *fakeGrantStore) SweepExpiredGrants(_ context.Context, _ time.Time) (int64, error) {
	return s.removed, s.err
}

type fakeAssignmentStore struct {
	touched     [][2]uuid.UUID
	touchedErr  error
	deactivated int64
	sweepErr    error
}

func (s *fakeAssignmentStore) TenantsTouched(_ context.Context, _ time.Time) ([][2]uuid.UUID, error) {
	return s.touched, s.touchedErr
}

func (s *fakeAssignmentStore) SweepExpired(_ context.Context, _ time.Time) (int64, error) {
	return s.deactivated, s.sweepErr
}

type fakeCrossTenantStore struct {
	deactivated int64
	err         error
}

func (s *fakeCrossTenantStore) SweepExpired(_ context.Context, _ time.Time) (int64, error) {
	return s.deactivated, s.err
}

type fakeSweepCache struct {
	pairs      [][2]uuid.UUID
	tenants    []uuid.UUID
	allDropped int
	err        error
}

func (c *fakeSweepCache) Invalidate(_ context.Context, userID, tenantID uuid.UUID) error {
	c.pairs = append(c.pairs, [2]uuid.UUID{userID, tenantID})
	return c.err
}

func (c *fakeSweepCache) InvalidateTenant(_ context.Context, tenantID uuid.UUID) error {
	c.tenants = append(c.tenants, tenantID)
	return c.err
}

func (c *fakeSweepCache) InvalidateAll(_ context.Context) error {
	c.allDropped++
	return c.err
}

type sweeperFixture struct {
	policies    *fakePolicyStore
	grants      *fakeGrantStore
	assignments *fakeAssignmentStore
	crossTenant *fakeCrossTenantStore
	cache       *fakeSweepCache
	sweeper     *Sweeper
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	f := &sweeperFixture{
		policies:    &fakePolicyStore{},
		grants:      &fakeGrantStore{},
		assignments: &fakeAssignmentStore{},
		crossTenant: &fakeCrossTenantStore{},
		cache:       &fakeSweepCache{},
	}
	f.sweeper = NewSweeper(SweeperConfig{
		Policies:    f.policies,
		Grants:      f.grants,
		Assignments: f.assignments,
		CrossTenant: f.crossTenant,
		Cache:       f.cache,
		Metrics:     jobmetrics.NewMetrics(prometheus.NewRegistry()),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func sweepTask(t *testing.T, taskType string) *asynq.Task {
	t.Helper()
	task, err := NewSweepTask(taskType, time.Now())
	require.NoError(t, err)
	return task
}

func TestHandleSweepPoliciesInvalidatesTenantsOnce(t *testing.T) {
	f := newSweeperFixture(t)
	a, b := uuid.New(), uuid.New()
	f.policies.tenants = []uuid.UUID{a, b, a}

	err := f.sweeper.HandleSweepPolicies(context.Background(), sweepTask(t, TaskSweepPolicies))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, f.cache.tenants)
}

func TestHandleSweepPoliciesStoreError(t *testing.T) {
	f := newSweeperFixture(t)
	f.policies.err = fmt.Errorf("query failed")

	err := f.sweeper.HandleSweepPolicies(context.Background(), sweepTask(t, TaskSweepPolicies))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, f.cache.tenants)
}

func TestHandleSweepPoliciesBadPayloadSkipsRetry(t *testing.T) {
	f := newSweeperFixture(t)
	task := asynq.NewTask(TaskSweepPolicies, []byte("{not json"))

	err := f.sweeper.HandleSweepPolicies(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleSweepRoleGrantsDropsAllDecisions(t *testing.T) {
	f := newSweeperFixture(t)
	f.grants.removed = 3

	err := f.sweeper.HandleSweepRoleGrants(context.Background(), sweepTask(t, TaskSweepRoleGrants))
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.allDropped)
}

func TestHandleSweepRoleGrantsNothingRemoved(t *testing.T) {
	f := newSweeperFixture(t)

	err := f.sweeper.HandleSweepRoleGrants(context.Background(), sweepTask(t, TaskSweepRoleGrants))
	require.NoError(t, err)
	assert.Zero(t, f.cache.allDropped)
}

func TestHandleSweepUserRolesInvalidatesTouchedPairs(t *testing.T) {
	f := newSweeperFixture(t)
	pairs := [][2]uuid.UUID{
		{uuid.New(), uuid.New()},
		{uuid.New(), uuid.New()},
	}
	f.assignments.touched = pairs
	f.assignments.deactivated = 2

	err := f.sweeper.HandleSweepUserRoles(context.Background(), sweepTask(t, TaskSweepUserRoles))
	require.NoError(t, err)
	assert.Equal(t, pairs, f.cache.pairs)
}

func TestHandleSweepUserRolesTouchedLookupError(t *testing.T) {
	f := newSweeperFixture(t)
	f.assignments.touchedErr = fmt.Errorf("query failed")

	err := f.sweeper.HandleSweepUserRoles(context.Background(), sweepTask(t, TaskSweepUserRoles))
	require.Error(t, err)
	assert.Empty(t, f.cache.pairs)
}

func TestHandleSweepUserRolesCacheFailureTolerated(t *testing.T) {
	f := newSweeperFixture(t)
	f.assignments.touched = [][2]uuid.UUID{{uuid.New(), uuid.New()}}
	f.cache.err = errors.New("redis down")

	err := f.sweeper.HandleSweepUserRoles(context.Background(), sweepTask(t, TaskSweepUserRoles))
	require.NoError(t, err)
}

func TestHandleSweepCrossTenantLeavesCacheAlone(t *testing.T) {
	f := newSweeperFixture(t)
	f.crossTenant.deactivated = 4

	err := f.sweeper.HandleSweepCrossTenant(context.Background(), sweepTask(t, TaskSweepCrossTenant))
	require.NoError(t, err)
	assert.Empty(t, f.cache.pairs)
	assert.Empty(t, f.cache.tenants)
	assert.Zero(t, f.cache.allDropped)
}

func TestHandleSweepCrossTenantStoreError(t *testing.T) {
	f := newSweeperFixture(t)
	f.crossTenant.err = fmt.Errorf("query failed")

	err := f.sweeper.HandleSweepCrossTenant(context.Background(), sweepTask(t, TaskSweepCrossTenant))
	require.Error(t, err)
}

func TestNewSweepTaskPayload(t *testing.T) {
	at := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	task, err := NewSweepTask(TaskSweepPolicies, at)
	require.NoError(t, err)
	assert.Equal(t, TaskSweepPolicies, task.Type())
	assert.Contains(t, string(task.Payload()), "2025-06-02T03:00:00Z")
}
