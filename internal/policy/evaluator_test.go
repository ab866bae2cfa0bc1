package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/shared"
)

type fakeRefs struct {
	perms   map[uuid.UUID]permissions.Permission
	res     map[uuid.UUID]resources.Resource
	permErr error
	resErr  error
}

func (f *fakeRefs) PermissionsByIDs(_ context.Context, ids []uuid.UUID) ([]permissions.Permission, error) {
	if f.permErr != nil {
		return nil, f.permErr
	}
	var out []permissions.Permission
	for _, id := range ids {
		if p, ok := f.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRefs) ResourcesByIDs(_ context.Context, ids []uuid.UUID) ([]resources.Resource, error) {
	if f.resErr != nil {
		return nil, f.resErr
	}
	var out []resources.Resource
	for _, id := range ids {
		if r, ok := f.res[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func datasetReadSet() PermissionSet {
	return NewPermissionSet([]permissions.Permission{
		{ID: uuid.New(), ResourceType: "DATASET", Action: "READ", RiskLevel: permissions.RiskLow, IsActive: true},
	})
}

func baseRequest() Request {
	return Request{
		UserID:   uuid.New(),
		TenantID: uuid.New(),
		Resource: "DATASET",
		Action:   "READ",
	}
}

func TestEvaluateInactivePolicyNotApplicable(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	now := time.Now()

	p := Policy{ID: uuid.New(), PolicyType: TypeConditional, Effect: EffectAllow, IsActive: false,
		Conditions: shared.Conditions{"expression": "true"}}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), now))

	past := now.Add(-time.Hour)
	p.IsActive = true
	p.EndDate = &past
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), now))
}

func TestEvaluateConditionalPolicy(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	now := time.Now()

	allow := Policy{ID: uuid.New(), PolicyType: TypeConditional, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"expression": "action == 'READ'"}}
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), allow, baseRequest(), datasetReadSet(), now))

	deny := allow
	deny.Effect = EffectDeny
	assert.Equal(t, OutcomeDeny, e.Evaluate(context.Background(), deny, baseRequest(), datasetReadSet(), now))

	miss := allow
	miss.Conditions = shared.Conditions{"expression": "action == 'DELETE'"}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), miss, baseRequest(), datasetReadSet(), now))
}

func TestEvaluateConditionalBadExpressionDenies(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())

	p := Policy{ID: uuid.New(), PolicyType: TypeConditional, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"expression": "?? bogus"}}

	assert.Equal(t, OutcomeDeny, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), time.Now()))
}

func TestEvaluateTimeBasedPolicy(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	// A Monday at 14:30 UTC.
	now := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	p := Policy{ID: uuid.New(), PolicyType: TypeTimeBased, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{
			"allowedHours": "09:00-17:00",
			"allowedDays":  "MON,TUE,WED,THU,FRI",
		}}
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), now))

	weekend := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), weekend))

	night := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), night))
}

func TestEvaluateTimeBasedOvernightWindow(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	p := Policy{ID: uuid.New(), PolicyType: TypeTimeBased, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"allowedHours": "22:00-06:00"}}

	late := time.Date(2025, 6, 2, 23, 15, 0, 0, time.UTC)
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), late))

	early := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), early))

	midday := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), midday))
}

func TestEvaluateIdentityBasedPolicy(t *testing.T) {
	permID := uuid.New()
	refs := &fakeRefs{perms: map[uuid.UUID]permissions.Permission{
		permID: {ID: permID, ResourceType: "DATASET", Action: "READ"},
	}}
	e := NewEvaluator(refs, testLogger())
	now := time.Now()
	req := baseRequest()

	p := Policy{ID: uuid.New(), PolicyType: TypeIdentityBased, Effect: EffectAllow, IsActive: true,
		PermissionIDs: []uuid.UUID{permID},
		Conditions:    shared.Conditions{"userId": req.UserID.String()}}
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, req, datasetReadSet(), now))

	p.Conditions = shared.Conditions{"userId": uuid.NewString()}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, req, datasetReadSet(), now))
}

func TestEvaluateIdentityBasedGroupMatch(t *testing.T) {
	permID := uuid.New()
	refs := &fakeRefs{perms: map[uuid.UUID]permissions.Permission{
		permID: {ID: permID, ResourceType: "DATASET", Action: "READ"},
	}}
	e := NewEvaluator(refs, testLogger())
	req := baseRequest()
	req.Attributes = shared.Conditions{"groups": []any{"analysts"}}

	p := Policy{ID: uuid.New(), PolicyType: TypeIdentityBased, Effect: EffectDeny, IsActive: true,
		PermissionIDs: []uuid.UUID{permID},
		Conditions:    shared.Conditions{"groups": []any{"analysts", "contractors"}}}
	assert.Equal(t, OutcomeDeny, e.Evaluate(context.Background(), p, req, datasetReadSet(), time.Now()))

	req.Attributes = shared.Conditions{"groups": []any{"admins"}}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, req, datasetReadSet(), time.Now()))
}

func TestEvaluateResourceBasedPolicy(t *testing.T) {
	permID := uuid.New()
	resID := uuid.New()
	refs := &fakeRefs{
		perms: map[uuid.UUID]permissions.Permission{
			permID: {ID: permID, ResourceType: "DATASET", Action: "READ"},
		},
		res: map[uuid.UUID]resources.Resource{
			resID: {ID: resID, ResourceIdentifier: "dataset:census-2024", ResourceType: "DATASET"},
		},
	}
	e := NewEvaluator(refs, testLogger())
	now := time.Now()

	req := baseRequest()
	req.ResolvedResourceID = &resID

	p := Policy{ID: uuid.New(), PolicyType: TypeResourceBased, Effect: EffectAllow, IsActive: true,
		PermissionIDs: []uuid.UUID{permID}, ResourceIDs: []uuid.UUID{resID}}
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, req, datasetReadSet(), now))

	// The subject lacks every referenced permission.
	empty := NewPermissionSet(nil)
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, req, empty, now))

	// No reference sets means the policy never applies.
	bare := Policy{ID: uuid.New(), PolicyType: TypeResourceBased, Effect: EffectAllow, IsActive: true}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), bare, req, datasetReadSet(), now))
}

func TestEvaluateResourceBasedLoadErrorDenies(t *testing.T) {
	refs := &fakeRefs{resErr: errors.New("connection reset")}
	e := NewEvaluator(refs, testLogger())

	p := Policy{ID: uuid.New(), PolicyType: TypeResourceBased, Effect: EffectAllow, IsActive: true,
		PermissionIDs: []uuid.UUID{uuid.New()}, ResourceIDs: []uuid.UUID{uuid.New()}}

	assert.Equal(t, OutcomeDeny, e.Evaluate(context.Background(), p, baseRequest(), datasetReadSet(), time.Now()))
}

func TestEvaluateAttributeBasedPolicy(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	req := baseRequest()
	req.Attributes = shared.Conditions{"department": "finance"}

	p := Policy{ID: uuid.New(), PolicyType: TypeAttributeBased, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"dept": "attributes.department == 'finance'"}}
	assert.Equal(t, OutcomeAllow, e.Evaluate(context.Background(), p, req, datasetReadSet(), time.Now()))

	req.Attributes = shared.Conditions{"department": "sales"}
	assert.Equal(t, OutcomeNotApplicable, e.Evaluate(context.Background(), p, req, datasetReadSet(), time.Now()))
}

func TestEvaluateAllDenyWins(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	now := time.Now()
	req := baseRequest()
	perms := datasetReadSet()

	allow := Policy{ID: uuid.New(), Name: "allow-read", PolicyType: TypeConditional, Effect: EffectAllow,
		IsActive: true, Priority: 10, Conditions: shared.Conditions{"expression": "action == 'READ'"}}
	deny := Policy{ID: uuid.New(), Name: "deny-all", PolicyType: TypeConditional, Effect: EffectDeny,
		IsActive: true, Priority: 5, Conditions: shared.Conditions{"expression": "true"}}

	assert.Equal(t, OutcomeDeny, e.EvaluateAll(context.Background(), []Policy{allow, deny}, req, perms, now))
	assert.Equal(t, OutcomeAllow, e.EvaluateAll(context.Background(), []Policy{allow}, req, perms, now))
	assert.Equal(t, OutcomeNotApplicable, e.EvaluateAll(context.Background(), nil, req, perms, now))
}

func TestEvaluateAllSkipsErroringPolicies(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	now := time.Now()

	broken := Policy{ID: uuid.New(), PolicyType: TypeConditional, Effect: EffectDeny, IsActive: true,
		Conditions: shared.Conditions{"expression": "?? bogus"}}
	allow := Policy{ID: uuid.New(), PolicyType: TypeConditional, Effect: EffectAllow, IsActive: true,
		Conditions: shared.Conditions{"expression": "true"}}

	assert.Equal(t, OutcomeAllow, e.EvaluateAll(context.Background(), []Policy{broken, allow}, baseRequest(), datasetReadSet(), now))
}

func TestDecideDefaultsToDeny(t *testing.T) {
	e := NewEvaluator(&fakeRefs{}, testLogger())
	assert.Equal(t, OutcomeDeny, e.Decide(context.Background(), nil, baseRequest(), datasetReadSet(), time.Now()))
}
