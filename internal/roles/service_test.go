package roles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/shared"
)

type fakeStore struct {
	roles       map[uuid.UUID]Role
	grants      map[uuid.UUID][]GrantedPermission
	assignments map[uuid.UUID]int
	children    map[uuid.UUID]int

	deleted []uuid.UUID
	txCalls int
	txErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roles:       map[uuid.UUID]Role{},
		grants:      map[uuid.UUID][]GrantedPermission{},
		assignments: map[uuid.UUID]int{},
		children:    map[uuid.UUID]int{},
	}
}

func (s *fakeStore) put(role Role) Role {
	s.roles[role.ID] = role
	return role
}

func (s *fakeStore) WithTx(_ context.Context, fn func(q Querier) error) error {
	s.txCalls++
	if s.txErr != nil {
		return s.txErr
	}
	return fn(fakeTxQuerier{store: s})
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (Role, error) {
	if r, ok := s.roles[id]; ok {
		return r, nil
	}
	return Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
}

func (s *fakeStore) GetByName(_ context.Context, tenantID *uuid.UUID, name string) (Role, error) {
	for _, r := range s.roles {
		if r.Name != name {
			continue
		}
		if (r.TenantID == nil) != (tenantID == nil) {
			continue
		}
		if r.TenantID == nil || *r.TenantID == *tenantID {
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("role %q: %w", name, shared.ErrNotFound)
}

func (s *fakeStore) List(_ context.Context, _ ListFilters) ([]Role, error) {
	var out []Role
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, role Role) (Role, error) {
	stored, ok := s.roles[role.ID]
	if !ok {
		return Role{}, fmt.Errorf("role %s: %w", role.ID, shared.ErrNotFound)
	}
	if stored.Version != role.Version {
		return Role{}, fmt.Errorf("role %s: %w", role.ID, shared.ErrConflict)
	}
	role.Version++
	s.roles[role.ID] = role
	return role, nil
}

func (s *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := s.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	delete(s.roles, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) Children(_ context.Context, _ uuid.UUID) ([]Role, error) {
	return nil, nil
}

func (s *fakeStore) CountChildren(_ context.Context, id uuid.UUID) (int, error) {
	return s.children[id], nil
}

func (s *fakeStore) CountActiveAssignments(_ context.Context, roleID uuid.UUID) (int, error) {
	return s.assignments[roleID], nil
}

func (s *fakeStore) Grants(_ context.Context, roleID uuid.UUID) ([]GrantedPermission, error) {
	return s.grants[roleID], nil
}

func (s *fakeStore) AddGrant(_ context.Context, grant Grant) (Grant, error) {
	s.grants[grant.RoleID] = append(s.grants[grant.RoleID], GrantedPermission{
		Grant:      grant,
		Permission: permissions.Permission{ID: grant.PermissionID, IsActive: true},
	})
	return grant, nil
}

func (s *fakeStore) RemoveGrant(_ context.Context, roleID, permissionID uuid.UUID) error {
	kept := s.grants[roleID][:0]
	for _, g := range s.grants[roleID] {
		if g.Grant.PermissionID != permissionID {
			kept = append(kept, g)
		}
	}
	s.grants[roleID] = kept
	return nil
}

func (s *fakeStore) RemoveAllGrants(_ context.Context, roleID uuid.UUID) (int64, error) {
	n := int64(len(s.grants[roleID]))
	delete(s.grants, roleID)
	return n, nil
}

func (s *fakeStore) SetGrantExpiration(_ context.Context, _, _ uuid.UUID, _ time.Time) error {
	return nil
}

func (s *fakeStore) SetGrantConstraints(_ context.Context, _, _ uuid.UUID, _ shared.Conditions) error {
	return nil
}

func (s *fakeStore) ExpiringGrants(_ context.Context, _ uuid.UUID, _ time.Time) ([]GrantedPermission, error) {
	return nil, nil
}

func (s *fakeStore) Statistics(_ context.Context, roleID uuid.UUID) (Statistics, error) {
	return Statistics{RoleID: roleID}, nil
}

type fakeTxQuerier struct {
	store *fakeStore
}

func (q fakeTxQuerier) InsertRole(_ context.Context, role Role) (Role, error) {
	q.store.roles[role.ID] = role
	return role, nil
}

func (q fakeTxQuerier) InsertGrant(_ context.Context, grant Grant) (Grant, error) {
	return q.store.AddGrant(context.Background(), grant)
}

type fakePermSource struct {
	known map[uuid.UUID]struct{}
	err   error
}

func (s fakePermSource) ListByIDs(_ context.Context, ids []uuid.UUID) ([]permissions.Permission, error) {
	if s.err != nil {
		return nil, s.err
	}
	seen := map[uuid.UUID]struct{}{}
	var out []permissions.Permission
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := s.known[id]; ok {
			out = append(out, permissions.Permission{ID: id, IsActive: true})
		}
	}
	return out, nil
}

type fakeCache struct {
	tenants []uuid.UUID
	all     int
}

func (c *fakeCache) InvalidateTenant(_ context.Context, tenantID uuid.UUID) error {
	c.tenants = append(c.tenants, tenantID)
	return nil
}

func (c *fakeCache) InvalidateAll(_ context.Context) error {
	c.all++
	return nil
}

type captureSink struct {
	emitted []events.AuditEvent
}

func (s *captureSink) Emit(ev events.AuditEvent) {
	s.emitted = append(s.emitted, ev)
}

func (s *captureSink) kinds() []string {
	var out []string
	for _, ev := range s.emitted {
		out = append(out, ev.Kind)
	}
	return out
}

type serviceFixture struct {
	store *fakeStore
	perms fakePermSource
	cache *fakeCache
	sink  *captureSink
	svc   *Service
}

func newServiceFixture(maxDepth, maxPerms int, known ...uuid.UUID) *serviceFixture {
	fx := &serviceFixture{
		store: newFakeStore(),
		perms: fakePermSource{known: map[uuid.UUID]struct{}{}},
		cache: &fakeCache{},
		sink:  &captureSink{},
	}
	for _, id := range known {
		fx.perms.known[id] = struct{}{}
	}
	fx.svc = NewService(ServiceParams{
		Repo:     fx.store,
		Perms:    fx.perms,
		Cache:    fx.cache,
		Sink:     fx.sink,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxDepth: maxDepth,
		MaxPerms: maxPerms,
	})
	return fx
}

// chain seeds length roles where each links to the previous as parent and
// returns them root first.
func (fx *serviceFixture) chain(tenantID *uuid.UUID, length int) []Role {
	out := make([]Role, 0, length)
	var parent *uuid.UUID
	for i := 0; i < length; i++ {
		role := fx.store.put(Role{
			ID:           uuid.New(),
			TenantID:     tenantID,
			Name:         fmt.Sprintf("LEVEL_%d", i),
			IsActive:     true,
			ParentRoleID: parent,
		})
		id := role.ID
		parent = &id
		out = append(out, role)
	}
	return out
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func TestCreateWithPermissions(t *testing.T) {
	tenantID := uuid.New()
	permA, permB := uuid.New(), uuid.New()
	fx := newServiceFixture(0, 0, permA, permB)

	created, err := fx.svc.Create(context.Background(), CreateRequest{
		TenantID:      &tenantID,
		Name:          "AUDITOR",
		Priority:      200,
		PermissionIDs: []uuid.UUID{permA, permB},
	})
	require.NoError(t, err)

	assert.True(t, created.IsActive)
	assert.Len(t, fx.store.grants[created.ID], 2)
	assert.Equal(t, 1, fx.store.txCalls)
	assert.Equal(t, []string{events.KindRoleCreated}, fx.sink.kinds())
}

func TestCreateRejectsPermissionCap(t *testing.T) {
	tenantID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	fx := newServiceFixture(0, 3, ids...)

	_, err := fx.svc.Create(context.Background(), CreateRequest{
		TenantID:      &tenantID,
		Name:          "OVERLOADED",
		Priority:      100,
		PermissionIDs: ids,
	})
	require.ErrorIs(t, err, shared.ErrBusinessRule)
	assert.Zero(t, fx.store.txCalls)
}

func TestCreateRejectsUnknownPermission(t *testing.T) {
	tenantID := uuid.New()
	known := uuid.New()
	fx := newServiceFixture(0, 0, known)

	_, err := fx.svc.Create(context.Background(), CreateRequest{
		TenantID:      &tenantID,
		Name:          "AUDITOR",
		Priority:      100,
		PermissionIDs: []uuid.UUID{known, uuid.New()},
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, fx.store.txCalls)
}

func TestCreateRejectsDeepHierarchy(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(3, 0)
	seeded := fx.chain(&tenantID, 3)
	deepest := seeded[len(seeded)-1]

	_, err := fx.svc.Create(context.Background(), CreateRequest{
		TenantID:     &tenantID,
		Name:         "LEVEL_3",
		Priority:     100,
		ParentRoleID: &deepest.ID,
	})
	require.ErrorIs(t, err, shared.ErrBusinessRule)
}

func TestCreateAllowsChainInsideDepthBound(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(10, 0)
	seeded := fx.chain(&tenantID, 9)
	deepest := seeded[len(seeded)-1]

	created, err := fx.svc.Create(context.Background(), CreateRequest{
		TenantID:     &tenantID,
		Name:         "LEVEL_9",
		Priority:     100,
		ParentRoleID: &deepest.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, deepest.ID, *created.ParentRoleID)
}

func TestCheckParentTerminatesOnCycle(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(10, 0)

	a := uuid.New()
	b := uuid.New()
	fx.store.put(Role{ID: a, TenantID: &tenantID, Name: "A", IsActive: true, ParentRoleID: &b})
	fx.store.put(Role{ID: b, TenantID: &tenantID, Name: "B", IsActive: true, ParentRoleID: &a})

	// The walk must stop once it revisits a node instead of looping.
	err := fx.svc.checkParent(context.Background(), a, &tenantID)
	require.NoError(t, err)
}

func TestCheckParentRejectsForeignTenant(t *testing.T) {
	theirs := uuid.New()
	mine := uuid.New()
	fx := newServiceFixture(10, 0)
	parent := fx.store.put(Role{ID: uuid.New(), TenantID: &theirs, Name: "THEIRS", IsActive: true})

	err := fx.svc.checkParent(context.Background(), parent.ID, &mine)
	require.ErrorIs(t, err, shared.ErrTenantIsolation)
}

func TestCheckParentAcceptsGlobalParent(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(10, 0)
	parent := fx.store.put(Role{ID: uuid.New(), Name: "GLOBAL", IsActive: true})

	require.NoError(t, fx.svc.checkParent(context.Background(), parent.ID, &tenantID))
}

func TestUpdateSystemRoleGuard(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "TENANT_ADMIN", IsSystem: true, IsActive: true})

	_, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{
		Description: strPtr("tweaked"),
	})
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	updated, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{
		Description:    strPtr("tweaked"),
		SystemOverride: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "tweaked", updated.Description)
	assert.Equal(t, []uuid.UUID{tenantID}, fx.cache.tenants)
}

func TestUpdateRejectsDuplicateName(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "TAKEN", IsActive: true})
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "MINE", IsActive: true})

	_, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{Name: strPtr("TAKEN")})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestUpdateRejectsMaxUsersBelowActive(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "BUSY", IsActive: true})
	fx.store.assignments[role.ID] = 5

	_, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{MaxUsers: intPtr(3)})
	require.ErrorIs(t, err, shared.ErrBusinessRule)

	updated, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{MaxUsers: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, *updated.MaxUsers)
}

func TestUpdateStaleVersionConflicts(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "EDITED", IsActive: true, Version: 4})

	_, err := fx.svc.Update(context.Background(), role.ID, UpdateRequest{
		Description: strPtr("stale"),
		Version:     3,
	})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestDeleteGuards(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)

	system := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "TENANT_ADMIN", IsSystem: true, IsActive: true})
	require.ErrorIs(t, fx.svc.Delete(context.Background(), system.ID), shared.ErrBusinessRule)

	assigned := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "HELD", IsActive: true})
	fx.store.assignments[assigned.ID] = 2
	require.ErrorIs(t, fx.svc.Delete(context.Background(), assigned.ID), shared.ErrBusinessRule)

	parent := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "PARENT", IsActive: true})
	fx.store.children[parent.ID] = 1
	require.ErrorIs(t, fx.svc.Delete(context.Background(), parent.ID), shared.ErrBusinessRule)

	assert.Empty(t, fx.store.deleted)
}

func TestDeleteUnusedRole(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "IDLE", IsActive: true})

	require.NoError(t, fx.svc.Delete(context.Background(), role.ID))
	assert.Equal(t, []uuid.UUID{role.ID}, fx.store.deleted)
	assert.Equal(t, []uuid.UUID{tenantID}, fx.cache.tenants)
	assert.Equal(t, []string{events.KindRoleDeleted}, fx.sink.kinds())
}

func TestCloneCopiesGrants(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(0, 0)
	expiry := time.Now().Add(24 * time.Hour)
	source := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "SOURCE", Priority: 300, IsActive: true})
	fx.store.grants[source.ID] = []GrantedPermission{
		{Grant: Grant{RoleID: source.ID, PermissionID: uuid.New()}, Permission: permissions.Permission{ID: uuid.New()}},
		{Grant: Grant{RoleID: source.ID, PermissionID: uuid.New(), ExpiresAt: &expiry,
			Constraints: shared.Conditions{"region": "eu"}}, Permission: permissions.Permission{ID: uuid.New()}},
	}

	clone, err := fx.svc.Clone(context.Background(), source.ID, "COPY", &tenantID)
	require.NoError(t, err)

	assert.NotEqual(t, source.ID, clone.ID)
	assert.Equal(t, "COPY", clone.Name)
	assert.Equal(t, source.Priority, clone.Priority)
	require.Len(t, fx.store.grants[clone.ID], 2)
	assert.Equal(t, &expiry, fx.store.grants[clone.ID][1].Grant.ExpiresAt)

	require.Len(t, fx.sink.emitted, 1)
	assert.Equal(t, source.ID.String(), fx.sink.emitted[0].Fields["cloned_of"])
}

func TestAssignPermissionsSkipsHeldAndEnforcesCap(t *testing.T) {
	tenantID := uuid.New()
	held := uuid.New()
	freshA, freshB := uuid.New(), uuid.New()
	fx := newServiceFixture(0, 2, held, freshA, freshB)
	role := fx.store.put(Role{ID: uuid.New(), TenantID: &tenantID, Name: "GROWING", IsActive: true})
	fx.store.grants[role.ID] = []GrantedPermission{
		{Grant: Grant{RoleID: role.ID, PermissionID: held}, Permission: permissions.Permission{ID: held, IsActive: true}},
	}

	err := fx.svc.AssignPermissions(context.Background(), role.ID, []uuid.UUID{held, freshA, freshB})
	require.ErrorIs(t, err, shared.ErrBusinessRule)
	assert.Len(t, fx.store.grants[role.ID], 1)

	require.NoError(t, fx.svc.AssignPermissions(context.Background(), role.ID, []uuid.UUID{held, freshA}))
	assert.Len(t, fx.store.grants[role.ID], 2)
	assert.Equal(t, []uuid.UUID{tenantID}, fx.cache.tenants)
}

func TestGetAllPermissionsIncludingInheritedStopsAtCycle(t *testing.T) {
	tenantID := uuid.New()
	fx := newServiceFixture(10, 0)

	a := uuid.New()
	b := uuid.New()
	fx.store.put(Role{ID: a, TenantID: &tenantID, Name: "A", IsActive: true, ParentRoleID: &b})
	fx.store.put(Role{ID: b, TenantID: &tenantID, Name: "B", IsActive: true, ParentRoleID: &a})

	permA := permissions.Permission{ID: uuid.New(), ResourceType: "DATASET", Action: "READ", IsActive: true}
	permB := permissions.Permission{ID: uuid.New(), ResourceType: "DATASET", Action: "WRITE", IsActive: true}
	fx.store.grants[a] = []GrantedPermission{{Grant: Grant{RoleID: a, PermissionID: permA.ID}, Permission: permA}}
	fx.store.grants[b] = []GrantedPermission{{Grant: Grant{RoleID: b, PermissionID: permB.ID}, Permission: permB}}

	out, err := fx.svc.GetAllPermissionsIncludingInherited(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}
