package authz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/policy"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/shared"
	"github.com/meridianstat/authz-service/internal/userroles"
)

type fakeRoleSource struct {
	active []userroles.ActiveRole
	err    error
}

func (f *fakeRoleSource) ActiveRolesForUser(context.Context, uuid.UUID, uuid.UUID) ([]userroles.ActiveRole, error) {
	return f.active, f.err
}

type fakeRoleGraph struct {
	roles  map[uuid.UUID]roles.Role
	grants map[uuid.UUID][]roles.GrantedPermission
}

func (f *fakeRoleGraph) Get(_ context.Context, id uuid.UUID) (roles.Role, error) {
	r, ok := f.roles[id]
	if !ok {
		return roles.Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (f *fakeRoleGraph) Grants(_ context.Context, roleID uuid.UUID) ([]roles.GrantedPermission, error) {
	return f.grants[roleID], nil
}

type fakeResourceSource struct {
	byIdentifier map[string]resources.Resource
	err          error
}

func (f *fakeResourceSource) GetByIdentifier(_ context.Context, identifier string) (resources.Resource, error) {
	if f.err != nil {
		return resources.Resource{}, f.err
	}
	res, ok := f.byIdentifier[identifier]
	if !ok {
		return resources.Resource{}, fmt.Errorf("resource %q: %w", identifier, shared.ErrNotFound)
	}
	return res, nil
}

type fakePolicySource struct {
	byResource map[uuid.UUID][]policy.Policy
	tenant     []policy.Policy
	tenantErr  error
}

func (f *fakePolicySource) ForResource(_ context.Context, resourceID uuid.UUID) ([]policy.Policy, error) {
	return f.byResource[resourceID], nil
}

func (f *fakePolicySource) ActiveForTenant(context.Context, uuid.UUID, time.Time) ([]policy.Policy, error) {
	return f.tenant, f.tenantErr
}

type emptyRefs struct{}

func (emptyRefs) PermissionsByIDs(context.Context, []uuid.UUID) ([]permissions.Permission, error) {
	return nil, nil
}

func (emptyRefs) ResourcesByIDs(context.Context, []uuid.UUID) ([]resources.Resource, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func grantOf(resourceType, action string) roles.GrantedPermission {
	return roles.GrantedPermission{
		Grant:      roles.Grant{ID: uuid.New()},
		Permission: permissions.Permission{ID: uuid.New(), ResourceType: resourceType, Action: action, IsActive: true},
	}
}

func activeRole(name string, grants ...roles.GrantedPermission) userroles.ActiveRole {
	return userroles.ActiveRole{
		Assignment: userroles.Assignment{ID: uuid.New(), IsActive: true},
		Role:       roles.Role{ID: uuid.New(), Name: name, IsActive: true},
		Grants:     grants,
	}
}

type engineDeps struct {
	roles     *fakeRoleSource
	graph     *fakeRoleGraph
	resources *fakeResourceSource
	policies  *fakePolicySource
	cache     *Cache
}

func newTestEngine(d engineDeps) *Engine {
	if d.roles == nil {
		d.roles = &fakeRoleSource{}
	}
	if d.graph == nil {
		d.graph = &fakeRoleGraph{}
	}
	if d.resources == nil {
		d.resources = &fakeResourceSource{}
	}
	if d.policies == nil {
		d.policies = &fakePolicySource{}
	}
	logger := discardLogger()
	return NewEngine(EngineParams{
		UserRoles: d.roles,
		RoleGraph: d.graph,
		Resources: d.resources,
		Policies:  d.policies,
		Evaluator: policy.NewEvaluator(emptyRefs{}, logger),
		Cache:     d.cache,
		Logger:    logger,
	})
}

func readRequest() Request {
	return Request{UserID: uuid.New(), TenantID: uuid.New(), Resource: "DATASET", Action: "READ"}
}

func TestAuthorizeNoActiveRoles(t *testing.T) {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{}})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.False(t, resp.Allowed)
	assert.Equal(t, "User has no active roles", resp.Reason)
}

func TestAuthorizeSuperAdmin(t *testing.T) {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
		active: []userroles.ActiveRole{activeRole(roles.SuperAdminRoleName)},
	}})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.True(t, resp.Allowed)
	assert.Equal(t, "Super admin access granted", resp.Reason)
	assert.Equal(t, []string{roles.SuperAdminRoleName}, resp.GrantedPermissions)
}

func TestAuthorizeDirectPermission(t *testing.T) {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
		active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("DATASET", "READ"))},
	}})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.True(t, resp.Allowed)
	assert.Equal(t, "Direct permission granted", resp.Reason)
	assert.Equal(t, []string{"DATASET:READ"}, resp.GrantedPermissions)
}

func TestAuthorizeWildcardPermission(t *testing.T) {
	t.Run("manage action covers the resource type", func(t *testing.T) {
		engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
			active: []userroles.ActiveRole{activeRole("MANAGER", grantOf("DATASET", "MANAGE"))},
		}})
		resp := engine.Authorize(context.Background(), readRequest())
		assert.True(t, resp.Allowed)
		assert.Equal(t, "Wildcard permission granted", resp.Reason)
	})

	t.Run("star resource type covers the action", func(t *testing.T) {
		engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
			active: []userroles.ActiveRole{activeRole("READER", grantOf("*", "READ"))},
		}})
		resp := engine.Authorize(context.Background(), readRequest())
		assert.True(t, resp.Allowed)
		assert.Equal(t, "Wildcard permission granted", resp.Reason)
	})
}

func TestAuthorizeExpiredGrantIgnored(t *testing.T) {
	expired := grantOf("DATASET", "READ")
	past := time.Now().Add(-time.Hour)
	expired.Grant.ExpiresAt = &past

	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
		active: []userroles.ActiveRole{activeRole("ANALYST", expired)},
	}})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.False(t, resp.Allowed)
	assert.Equal(t, "No permission for DATASET:READ", resp.Reason)
}

func TestAuthorizeResourceOwner(t *testing.T) {
	req := readRequest()
	req.ResourceID = "dataset:census-2024"

	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))}},
		resources: &fakeResourceSource{byIdentifier: map[string]resources.Resource{
			req.ResourceID: {ID: uuid.New(), ResourceIdentifier: req.ResourceID, OwnerID: &req.UserID},
		}},
	})

	resp := engine.Authorize(context.Background(), req)

	assert.True(t, resp.Allowed)
	assert.Equal(t, "Resource owner access granted", resp.Reason)
	assert.Equal(t, []string{"OWNER"}, resp.GrantedPermissions)
}

func TestAuthorizePublicResourceReadOnly(t *testing.T) {
	req := readRequest()
	req.ResourceID = "dataset:open-data"

	res := resources.Resource{ID: uuid.New(), ResourceIdentifier: req.ResourceID, IsPublic: true}
	engine := newTestEngine(engineDeps{
		roles:     &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))}},
		resources: &fakeResourceSource{byIdentifier: map[string]resources.Resource{req.ResourceID: res}},
	})

	resp := engine.Authorize(context.Background(), req)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "Public resource access granted", resp.Reason)
	assert.Equal(t, []string{"PUBLIC_ACCESS"}, resp.GrantedPermissions)

	// Public access never covers writes.
	write := req
	write.Action = "UPDATE"
	resp = engine.Authorize(context.Background(), write)
	assert.False(t, resp.Allowed)
}

func TestAuthorizeResourcePolicyDeny(t *testing.T) {
	req := readRequest()
	req.ResourceID = "dataset:restricted"
	resID := uuid.New()

	deny := policy.Policy{ID: uuid.New(), Name: "deny-all", PolicyType: policy.TypeConditional,
		Effect: policy.EffectDeny, IsActive: true,
		Conditions: shared.Conditions{"expression": "true"}}

	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))}},
		resources: &fakeResourceSource{byIdentifier: map[string]resources.Resource{
			req.ResourceID: {ID: resID, ResourceIdentifier: req.ResourceID},
		}},
		policies: &fakePolicySource{byResource: map[uuid.UUID][]policy.Policy{resID: {deny}}},
	})

	resp := engine.Authorize(context.Background(), req)

	assert.False(t, resp.Allowed)
	assert.Equal(t, "Resource policy denies access", resp.Reason)
}

func TestAuthorizeUnknownResourceFallsThrough(t *testing.T) {
	req := readRequest()
	req.ResourceID = "dataset:ghost"

	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))}},
	})

	resp := engine.Authorize(context.Background(), req)

	assert.False(t, resp.Allowed)
	assert.Equal(t, "No permission for DATASET:READ", resp.Reason)
}

func TestAuthorizeTenantPolicy(t *testing.T) {
	allow := policy.Policy{ID: uuid.New(), Name: "business-hours", PolicyType: policy.TypeConditional,
		Effect: policy.EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"expression": "action == 'READ'"}}

	engine := newTestEngine(engineDeps{
		roles:    &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))}},
		policies: &fakePolicySource{tenant: []policy.Policy{allow}},
	})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.True(t, resp.Allowed)
	assert.Equal(t, "Tenant policy allows access", resp.Reason)
}

func TestAuthorizeInheritedPermission(t *testing.T) {
	parent := roles.Role{ID: uuid.New(), Name: "DATA_STEWARD", IsActive: true}
	child := activeRole("JUNIOR_STEWARD", grantOf("REPORT", "READ"))
	child.Role.ParentRoleID = &parent.ID

	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{active: []userroles.ActiveRole{child}},
		graph: &fakeRoleGraph{
			roles:  map[uuid.UUID]roles.Role{parent.ID: parent},
			grants: map[uuid.UUID][]roles.GrantedPermission{parent.ID: {grantOf("DATASET", "READ")}},
		},
	})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.True(t, resp.Allowed)
	assert.Equal(t, "Inherited permission granted", resp.Reason)
}

func TestAuthorizeInheritedWalkSurvivesCycle(t *testing.T) {
	a := roles.Role{ID: uuid.New(), Name: "A", IsActive: true}
	b := roles.Role{ID: uuid.New(), Name: "B", IsActive: true}
	a.ParentRoleID = &b.ID
	b.ParentRoleID = &a.ID

	child := activeRole("C", grantOf("REPORT", "READ"))
	child.Role.ParentRoleID = &a.ID

	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{active: []userroles.ActiveRole{child}},
		graph: &fakeRoleGraph{roles: map[uuid.UUID]roles.Role{a.ID: a, b.ID: b}},
	})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.False(t, resp.Allowed)
	assert.Equal(t, "No permission for DATASET:READ", resp.Reason)
}

func TestAuthorizeStoreErrorDenies(t *testing.T) {
	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{err: errors.New("connection refused")},
	})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.False(t, resp.Allowed)
	assert.Contains(t, resp.Reason, "Authorization check failed: ")
	assert.Contains(t, resp.Reason, "connection refused")
}

func TestAuthorizeDeadlineExceededReason(t *testing.T) {
	engine := newTestEngine(engineDeps{
		roles: &fakeRoleSource{err: fmt.Errorf("load roles: %w", context.DeadlineExceeded)},
	})

	resp := engine.Authorize(context.Background(), readRequest())

	assert.False(t, resp.Allowed)
	assert.Equal(t, "Authorization check failed: deadline exceeded", resp.Reason)
}

func TestAuthorizeServesFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	source := &fakeRoleSource{active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("DATASET", "READ"))}}
	engine := newTestEngine(engineDeps{roles: source, cache: NewCache(client, time.Minute)})

	req := readRequest()
	first := engine.Authorize(context.Background(), req)
	require.True(t, first.Allowed)

	// The store no longer answers; the cached decision must.
	source.active = nil
	source.err = errors.New("store offline")

	second := engine.Authorize(context.Background(), req)
	assert.True(t, second.Allowed)
	assert.Equal(t, first.Reason, second.Reason)
}

func TestHasPermission(t *testing.T) {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
		active: []userroles.ActiveRole{activeRole("ADMIN", grantOf("ROLE", "MANAGE"))},
	}})

	userID, tenantID := uuid.New(), uuid.New()
	assert.True(t, engine.HasPermission(context.Background(), userID, tenantID, "ROLE", "MANAGE"))
	assert.False(t, engine.HasPermission(context.Background(), userID, tenantID, "POLICY", "DELETE"))
}

func TestBatchAuthorize(t *testing.T) {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{
		active: []userroles.ActiveRole{activeRole("ANALYST", grantOf("DATASET", "READ"))},
	}})

	reqs := []Request{readRequest(), {UserID: uuid.New(), TenantID: uuid.New(), Resource: "DATASET", Action: "DELETE"}}
	out := engine.BatchAuthorize(context.Background(), reqs)

	require.Len(t, out, 2)
	assert.True(t, out[0].Allowed)
	assert.False(t, out[1].Allowed)
}
