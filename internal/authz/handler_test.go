package authz

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/userroles"
)

func handlerFixture(active []userroles.ActiveRole) http.Handler {
	engine := newTestEngine(engineDeps{roles: &fakeRoleSource{active: active}})
	handler := NewHandler(discardLogger(), engine)
	r := chi.NewRouter()
	r.Route("/authz", handler.MountRoutes)
	return r
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCheckAllows(t *testing.T) {
	h := handlerFixture([]userroles.ActiveRole{activeRole("ANALYST", grantOf("DATASET", "READ"))})

	rec := postJSON(t, h, "/authz/check", readRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "Direct permission granted", resp.Reason)
}

func TestCheckDeniesWithoutGrant(t *testing.T) {
	h := handlerFixture([]userroles.ActiveRole{activeRole("ANALYST", grantOf("REPORT", "READ"))})

	rec := postJSON(t, h, "/authz/check", readRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.False(t, resp.Allowed)
	assert.Equal(t, "No permission for DATASET:READ", resp.Reason)
}

func TestCheckRejectsMissingFields(t *testing.T) {
	h := handlerFixture(nil)

	rec := postJSON(t, h, "/authz/check", map[string]any{
		"user_id": uuid.NewString(),
		"action":  "READ",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Validation Failed")
}

func TestCheckRejectsMalformedBody(t *testing.T) {
	h := handlerFixture(nil)

	req := httptest.NewRequest(http.MethodPost, "/authz/check", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid Body")
}

func TestCheckBatch(t *testing.T) {
	h := handlerFixture([]userroles.ActiveRole{activeRole("ANALYST", grantOf("DATASET", "READ"))})

	reqs := []Request{
		readRequest(),
		{UserID: uuid.New(), TenantID: uuid.New(), Resource: "DATASET", Action: "DELETE"},
	}
	rec := postJSON(t, h, "/authz/check/batch", reqs)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.True(t, out[0].Allowed)
	assert.False(t, out[1].Allowed)
}

func TestCheckBatchRejectsEmpty(t *testing.T) {
	h := handlerFixture(nil)

	rec := postJSON(t, h, "/authz/check/batch", []Request{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "batch is empty")
}

func TestCheckBatchRejectsOversize(t *testing.T) {
	h := handlerFixture(nil)

	reqs := make([]Request, maxBatchSize+1)
	for i := range reqs {
		reqs[i] = readRequest()
	}
	rec := postJSON(t, h, "/authz/check/batch", reqs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "batch exceeds 100 requests")
}

func TestCheckBatchValidatesEachRequest(t *testing.T) {
	h := handlerFixture(nil)

	reqs := []Request{readRequest(), {UserID: uuid.New()}}
	rec := postJSON(t, h, "/authz/check/batch", reqs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSuperAdminThroughHandler(t *testing.T) {
	h := handlerFixture([]userroles.ActiveRole{activeRole(roles.SuperAdminRoleName)})

	rec := postJSON(t, h, "/authz/check", readRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "Super admin access granted", resp.Reason)
	assert.Equal(t, []string{roles.SuperAdminRoleName}, resp.GrantedPermissions)
}
