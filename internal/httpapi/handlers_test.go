package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/actions"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/auth"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

type fakeAPIStore struct {
	actions       []db.ProposedAction
	instances     []db.PersonaInstance
	autonomySet   string
	statusSet     string
	updateMissing bool
}

func (f *fakeAPIStore) ListActions(_ context.Context, _ uuid.UUID, status string, _ int) ([]db.ProposedAction, error) {
	if status == "" {
		return f.actions, nil
	}
	var out []db.ProposedAction
	for _, a := range f.actions {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) ListInstances(context.Context, uuid.UUID) ([]db.PersonaInstance, error) {
	return f.instances, nil
}

func (f *fakeAPIStore) UpdateInstanceAutonomy(_ context.Context, _, _ uuid.UUID, mode string) (bool, error) {
	if f.updateMissing {
		return false, nil
	}
	f.autonomySet = mode
	return true, nil
}

func (f *fakeAPIStore) SetInstanceStatus(_ context.Context, _, _ uuid.UUID, status string) (bool, error) {
	if f.updateMissing {
		return false, nil
	}
	f.statusSet = status
	return true, nil
}

type fakeEngine struct {
	view       actions.View
	approveErr error
	rejectErr  error
	approvedBy string
}

func (f *fakeEngine) Approve(_ context.Context, _, _ uuid.UUID, approvedBy, _ string) (actions.View, error) {
	f.approvedBy = approvedBy
	return f.view, f.approveErr
}

func (f *fakeEngine) Reject(_ context.Context, _, _ uuid.UUID, _, reason string) (actions.View, error) {
	v := f.view
	v.ErrorMessage = reason
	return v, f.rejectErr
}

func (f *fakeEngine) ViewsOf(_ context.Context, list []db.ProposedAction) []actions.View {
	out := make([]actions.View, 0, len(list))
	for _, a := range list {
		out = append(out, actions.View{ID: a.ID, Tool: a.ActionType, Status: a.Status})
	}
	return out
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

func testCatalog(t *testing.T) *personas.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	content := `
templates:
  - key: lead_manager
    display_name: Lead Manager
    description: Pipeline keeper.
    autonomy_default: requires-approval
    active: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c, err := personas.NewCatalog(path, zap.NewNop())
	require.NoError(t, err)
	return c
}

type apiFixture struct {
	store  *fakeAPIStore
	engine *fakeEngine
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := &fakeAPIStore{}
	engine := &fakeEngine{}
	catalog := testCatalog(t)
	provisioner := personas.NewProvisioner(catalog, provisionRecorder{}, zap.NewNop())
	middleware := auth.NewMiddleware(nil, true, zap.NewNop())

	server := NewServer(store, engine, nil, catalog, provisioner,
		okPinger{}, okPinger{}, middleware, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{store: store, engine: engine, srv: srv}
}

type provisionRecorder struct{}

func (provisionRecorder) EnsureInstance(context.Context, uuid.UUID, string, string, []string) error {
	return nil
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	resp, err := http.Get(fx.srv.URL + "/healthz")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListActionsEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.store.actions = []db.ProposedAction{
		{ID: uuid.New(), ActionType: "send_email", Status: "requires-approval"},
		{ID: uuid.New(), ActionType: "get_hot_leads", Status: "executed"},
	}

	resp, err := http.Get(fx.srv.URL + "/v1/ai/actions")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["actions"], 2)
}

func TestApproveEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	fx.engine.view = actions.View{ID: uuid.New(), Tool: "send_email", Status: "executed"}

	resp, err := http.Post(fx.srv.URL+"/v1/ai/actions/"+uuid.New().String()+"/approve",
		"application/json", nil)
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "executed", body["status"])
	assert.NotEmpty(t, fx.engine.approvedBy)
}

func TestApproveErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", actions.ErrNotFound, http.StatusNotFound},
		{"invalid state", actions.ErrInvalidState, http.StatusBadRequest},
		{"rate limited", actions.ErrRateLimited, http.StatusTooManyRequests},
		{"execution failed", &tools.ExecutionError{Tool: "send_email", Cause: errors.New("smtp down")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newAPIFixture(t)
			fx.engine.approveErr = tt.err

			resp, err := http.Post(fx.srv.URL+"/v1/ai/actions/"+uuid.New().String()+"/approve",
				"application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestApproveBadID(t *testing.T) {
	fx := newAPIFixture(t)

	resp, err := http.Post(fx.srv.URL+"/v1/ai/actions/not-a-uuid/approve",
		"application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectEndpointCarriesReason(t *testing.T) {
	fx := newAPIFixture(t)
	fx.engine.view = actions.View{ID: uuid.New(), Tool: "send_email", Status: "rejected"}

	resp, err := http.Post(fx.srv.URL+"/v1/ai/actions/"+uuid.New().String()+"/reject",
		"application/json", strings.NewReader(`{"reason":"wrong recipient"}`))
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "wrong recipient", body["error_message"])
}

func TestListEmployeesMergesCatalog(t *testing.T) {
	fx := newAPIFixture(t)
	fx.store.instances = []db.PersonaInstance{
		{ID: uuid.New(), TemplateKey: "lead_manager", AutonomyMode: "requires-approval", Status: "active"},
		{ID: uuid.New(), TemplateKey: "ghost_template", AutonomyMode: "suggest-only", Status: "active"},
	}

	resp, err := http.Get(fx.srv.URL + "/v1/ai/employees")
	require.NoError(t, err)
	body := decode(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	employees := body["employees"].([]interface{})
	require.Len(t, employees, 2)
	first := employees[0].(map[string]interface{})
	assert.Equal(t, "Lead Manager", first["display_name"])
	// Instances whose template left the catalog fall back to the key.
	second := employees[1].(map[string]interface{})
	assert.Equal(t, "ghost_template", second["display_name"])
}

func TestUpdateEmployee(t *testing.T) {
	fx := newAPIFixture(t)

	req, _ := http.NewRequest(http.MethodPatch,
		fx.srv.URL+"/v1/ai/employees/"+uuid.New().String(),
		strings.NewReader(`{"autonomy_mode":"auto-run","status":"inactive"}`))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "auto-run", fx.store.autonomySet)
	assert.Equal(t, "inactive", fx.store.statusSet)
}

func TestUpdateEmployeeValidation(t *testing.T) {
	fx := newAPIFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad autonomy", `{"autonomy_mode":"unsupervised"}`},
		{"bad status", `{"status":"deleted"}`},
		{"empty patch", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPatch,
				fx.srv.URL+"/v1/ai/employees/"+uuid.New().String(),
				strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestProvisionEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	resp, err := http.Post(fx.srv.URL+"/v1/ai/employees/provision", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	store := &fakeAPIStore{}
	middleware := auth.NewMiddleware(auth.NewJWTValidator("secret", "iss"), false, zap.NewNop())
	server := NewServer(store, &fakeEngine{}, nil, testCatalog(t), nil,
		okPinger{}, okPinger{}, middleware, zap.NewNop())
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/ai/actions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
