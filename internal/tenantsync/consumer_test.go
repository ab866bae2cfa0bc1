package tenantsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianstat/authz-service/internal/events"
)

func consumerFixture(store *fakeRoleStore, assigns *fakeAssignStore, cache *fakeDecisionCache) *Consumer {
	syncer := NewSyncer(store, &fakePermStore{perms: catalogPerms()}, assigns, cache, &captureSink{}, discardLogger())
	return &Consumer{syncer: syncer, subject: "tenant.lifecycle", logger: discardLogger()}
}

func TestHandleCreatedProvisionsTenant(t *testing.T) {
	store := newFakeRoleStore()
	assigns := &fakeAssignStore{}
	c := consumerFixture(store, assigns, &fakeDecisionCache{})

	tenantID := uuid.New()
	creator := uuid.New()
	data := events.MarshalTenantCreated(events.TenantCreated{
		CorrelationID: "corr-1",
		UserID:        creator.String(),
		TenantID:      tenantID.String(),
		TenantCode:    "ACME",
	})

	err := c.handle(context.Background(), "tenant.lifecycle.created", data)
	require.NoError(t, err)
	assert.Len(t, store.byName, len(DefaultRoles))
	require.Len(t, assigns.assigned, 1)
	assert.Equal(t, creator, assigns.assigned[0].UserID)
}

func TestHandleCreatedWithoutCreator(t *testing.T) {
	store := newFakeRoleStore()
	assigns := &fakeAssignStore{}
	c := consumerFixture(store, assigns, &fakeDecisionCache{})

	data := events.MarshalTenantCreated(events.TenantCreated{TenantID: uuid.NewString()})

	err := c.handle(context.Background(), "tenant.lifecycle.created", data)
	require.NoError(t, err)
	assert.Empty(t, assigns.assigned)
}

func TestHandleCreatedMalformedPayloadDropped(t *testing.T) {
	c := consumerFixture(newFakeRoleStore(), &fakeAssignStore{}, &fakeDecisionCache{})

	err := c.handle(context.Background(), "tenant.lifecycle.created", []byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, errDrop)
}

func TestHandleCreatedBadTenantIDDropped(t *testing.T) {
	c := consumerFixture(newFakeRoleStore(), &fakeAssignStore{}, &fakeDecisionCache{})

	data := events.MarshalTenantCreated(events.TenantCreated{TenantID: "not-a-uuid"})
	err := c.handle(context.Background(), "tenant.lifecycle.created", data)
	assert.ErrorIs(t, err, errDrop)
}

func TestHandleCreatedBadCreatorIDDropped(t *testing.T) {
	c := consumerFixture(newFakeRoleStore(), &fakeAssignStore{}, &fakeDecisionCache{})

	data := events.MarshalTenantCreated(events.TenantCreated{
		TenantID: uuid.NewString(),
		UserID:   "not-a-uuid",
	})
	err := c.handle(context.Background(), "tenant.lifecycle.created", data)
	assert.ErrorIs(t, err, errDrop)
}

func TestHandleCreatedTransientFailureRetried(t *testing.T) {
	store := newFakeRoleStore()
	store.insertErr = fmt.Errorf("connection refused")
	c := consumerFixture(store, &fakeAssignStore{}, &fakeDecisionCache{})

	data := events.MarshalTenantCreated(events.TenantCreated{TenantID: uuid.NewString()})
	err := c.handle(context.Background(), "tenant.lifecycle.created", data)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errDrop)
}

func TestHandleDeactivated(t *testing.T) {
	store := newFakeRoleStore()
	store.deactivateCount = 3
	cache := &fakeDecisionCache{}
	c := consumerFixture(store, &fakeAssignStore{}, cache)

	tenantID := uuid.New()
	data := events.MarshalTenantDeactivated(events.TenantDeactivated{TenantID: tenantID.String()})

	err := c.handle(context.Background(), "tenant.lifecycle.deactivated", data)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{tenantID}, store.deactivatedTenants)
	assert.Equal(t, []uuid.UUID{tenantID}, cache.invalidated)
}

func TestHandleDeactivatedBadTenantIDDropped(t *testing.T) {
	c := consumerFixture(newFakeRoleStore(), &fakeAssignStore{}, &fakeDecisionCache{})

	data := events.MarshalTenantDeactivated(events.TenantDeactivated{TenantID: "nope"})
	err := c.handle(context.Background(), "tenant.lifecycle.deactivated", data)
	assert.ErrorIs(t, err, errDrop)
}

func TestHandleUnknownSubjectDropped(t *testing.T) {
	c := consumerFixture(newFakeRoleStore(), &fakeAssignStore{}, &fakeDecisionCache{})

	err := c.handle(context.Background(), "tenant.lifecycle.renamed", nil)
	assert.ErrorIs(t, err, errDrop)
}
