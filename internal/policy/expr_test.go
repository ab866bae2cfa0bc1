package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprCtx() ExprContext {
	return ExprContext{
		Vars: map[string]any{
			"action":     "READ",
			"resource":   "DATASET",
			"hour":       14,
			"ipAddress":  "10.1.2.3",
			"attributes": map[string]any{"department": "finance", "clearance": float64(3)},
			"groups":     []any{"analysts", "auditors"},
			"now":        time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
		},
		HasPermission: func(resourceType, action string) bool {
			return resourceType == "DATASET" && action == "READ"
		},
		HasAnyPermission: func(names []string) bool {
			for _, n := range names {
				if n == "DATASET:READ" {
					return true
				}
			}
			return false
		},
	}
}

func TestEvalExpr(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `action == 'READ'`, true},
		{"string inequality", `action != 'DELETE'`, true},
		{"numeric comparison", `hour >= 9 && hour <= 17`, true},
		{"numeric out of range", `hour > 17`, false},
		{"member access", `attributes.department == 'finance'`, true},
		{"member numeric", `attributes.clearance >= 2`, true},
		{"negation", `!(action == 'DELETE')`, true},
		{"or short circuit", `action == 'DELETE' || resource == 'DATASET'`, true},
		{"list contains", `groups contains 'auditors'`, true},
		{"list not contains", `groups contains 'admins'`, false},
		{"string contains", `ipAddress contains '10.1.'`, true},
		{"list literal contains", `['READ', 'LIST'] contains action`, true},
		{"has permission", `hasPermission('DATASET', 'READ')`, true},
		{"has permission denied", `hasPermission('DATASET', 'DELETE')`, false},
		{"has any permission", `hasAnyPermission(['DATASET:READ', 'DATASET:WRITE'])`, true},
		{"has any permission miss", `hasAnyPermission(['DATASET:DELETE'])`, false},
		{"grouping", `(hour > 12 && action == 'READ') || resource == 'REPORT'`, true},
		{"boolean literal", `true && action == 'READ'`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvalExpr(tc.expr, exprCtx())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalExprErrors(t *testing.T) {
	cases := []struct {
		name string
		expr string
	}{
		{"unknown name", `missing == 1`},
		{"unterminated string", `action == 'READ`},
		{"trailing token", `action == 'READ' action`},
		{"non boolean result", `hour`},
		{"unknown function", `isAdmin()`},
		{"bad argument count", `hasPermission('DATASET')`},
		{"member on scalar", `action.sub == 'x'`},
		{"incomparable types", `action > 5`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EvalExpr(tc.expr, exprCtx())
			assert.Error(t, err)
		})
	}
}

func TestEvalExprTimeComparison(t *testing.T) {
	ctx := exprCtx()
	ctx.Vars["deadline"] = time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	got, err := EvalExpr(`now < deadline`, ctx)
	require.NoError(t, err)
	assert.True(t, got)
}
