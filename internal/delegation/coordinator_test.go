package delegation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

const testCatalog = `
templates:
  - key: lead_manager
    display_name: Lead Manager
    autonomy_default: requires-approval
    active: true
  - key: listing_specialist
    display_name: Listing Specialist
    autonomy_default: suggest-only
    active: true
`

func newTestCatalog(t *testing.T) *personas.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	catalog, err := personas.NewCatalog(path, zap.NewNop())
	require.NoError(t, err)
	return catalog
}

type fakeFinder struct {
	instances map[string]*db.PersonaInstance
}

func (f *fakeFinder) FindActiveInstance(_ context.Context, _ uuid.UUID, templateKey string) (*db.PersonaInstance, error) {
	inst, ok := f.instances[templateKey]
	if !ok {
		return nil, db.ErrNoRows
	}
	return inst, nil
}

type fakeRunner struct {
	requests []Request
	reply    string
	err      error
}

func (f *fakeRunner) RunTurn(_ context.Context, req Request) (Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Reply: f.reply, ActionsCreated: 1}, nil
}

type delegationFixture struct {
	coordinator *Coordinator
	runner      *fakeRunner
	registry    *tools.Registry
	caller      tools.Context
	targets     map[string]*db.PersonaInstance
}

func newDelegationFixture(t *testing.T) *delegationFixture {
	t.Helper()
	tenant := uuid.New()
	targets := map[string]*db.PersonaInstance{
		"lead_manager":       {ID: uuid.New(), TenantID: tenant, TemplateKey: "lead_manager"},
		"listing_specialist": {ID: uuid.New(), TenantID: tenant, TemplateKey: "listing_specialist"},
	}

	runner := &fakeRunner{reply: "handled"}
	coordinator := NewCoordinator(newTestCatalog(t), &fakeFinder{instances: targets}, zap.NewNop())
	coordinator.SetRunner(runner)

	registry := tools.NewRegistry(0, zap.NewNop())
	coordinator.RegisterTools(registry)

	return &delegationFixture{
		coordinator: coordinator,
		runner:      runner,
		registry:    registry,
		caller: tools.Context{
			TenantID:   tenant,
			UserID:     "user-1",
			InstanceID: targets["lead_manager"].ID,
			Channel:    "web",
		},
		targets: targets,
	}
}

func TestDelegateToEmployee(t *testing.T) {
	fx := newDelegationFixture(t)

	out, err := fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "Listing Specialist", "task": "prep the 4pm showing"},
		fx.caller)
	require.NoError(t, err)

	assert.Equal(t, "Listing Specialist", out["persona"])
	assert.Equal(t, "handled", out["reply"])
	assert.Equal(t, 1, out["actions_created"])

	require.Len(t, fx.runner.requests, 1)
	req := fx.runner.requests[0]
	assert.Equal(t, fx.targets["listing_specialist"].ID, req.InstanceID)
	assert.Equal(t, "prep the 4pm showing", req.Message)
	assert.Equal(t, "delegation", req.ContextType)
	assert.Equal(t, fx.caller.InstanceID.String(), req.ContextID)
}

func TestSelfDelegationIsNoOp(t *testing.T) {
	fx := newDelegationFixture(t)

	out, err := fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "lead_manager", "task": "do your own job"},
		fx.caller)
	require.NoError(t, err)

	assert.Nil(t, out)
	assert.Empty(t, fx.runner.requests)
}

func TestDelegateUnknownEmployee(t *testing.T) {
	fx := newDelegationFixture(t)

	_, err := fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "Accountant", "task": "close the books"},
		fx.caller)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown employee")
	assert.Empty(t, fx.runner.requests)
}

func TestDelegationDepthCapped(t *testing.T) {
	fx := newDelegationFixture(t)

	ctx := WithDepth(context.Background(), maxDepth)
	_, err := fx.registry.Execute(ctx, "delegate_to_employee",
		map[string]interface{}{"employee": "listing_specialist", "task": "loop forever"},
		fx.caller)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDepthExceeded)
	assert.Empty(t, fx.runner.requests)
}

func TestDelegatedTurnGainsDepth(t *testing.T) {
	fx := newDelegationFixture(t)
	var seen int
	fx.coordinator.SetRunner(runnerFunc(func(ctx context.Context, req Request) (Result, error) {
		seen = DepthFrom(ctx)
		return Result{Reply: "ok"}, nil
	}))

	_, err := fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "listing_specialist", "task": "t"},
		fx.caller)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

type runnerFunc func(ctx context.Context, req Request) (Result, error)

func (f runnerFunc) RunTurn(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func TestCoordinateWorkflow(t *testing.T) {
	fx := newDelegationFixture(t)

	out, err := fx.registry.Execute(context.Background(), "coordinate_workflow",
		map[string]interface{}{"branches": []interface{}{
			map[string]interface{}{"employee": "listing_specialist", "task": "prep listing packet"},
			map[string]interface{}{"employee": "Accountant", "task": "impossible"},
		}},
		fx.caller)
	require.NoError(t, err)

	results := out["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, 1, out["failed"])

	first := results[0].(map[string]interface{})
	assert.Equal(t, "handled", first["reply"])
	second := results[1].(map[string]interface{})
	assert.Contains(t, second["error"], "unknown employee")

	// The failed branch never reached the runner.
	assert.Len(t, fx.runner.requests, 1)
}

func TestCoordinateWorkflowFanoutTruncated(t *testing.T) {
	fx := newDelegationFixture(t)

	branches := make([]interface{}, maxFanout+2)
	for i := range branches {
		branches[i] = map[string]interface{}{"employee": "listing_specialist", "task": "t"}
	}

	out, err := fx.registry.Execute(context.Background(), "coordinate_workflow",
		map[string]interface{}{"branches": branches}, fx.caller)
	require.NoError(t, err)

	// Excess branches are dropped, not refused.
	results := out["results"].([]interface{})
	assert.Len(t, results, maxFanout)
	assert.Len(t, fx.runner.requests, maxFanout)
	assert.Equal(t, 0, out["failed"])
}

func TestCoordinateWorkflowFromMessage(t *testing.T) {
	fx := newDelegationFixture(t)
	fx.caller.InstanceID = uuid.New() // not one of the targets

	message := "Have the Lead   Manager call the sellers and the listing specialist refresh the photos."
	out, err := fx.registry.Execute(context.Background(), "coordinate_workflow",
		map[string]interface{}{"message": message}, fx.caller)
	require.NoError(t, err)

	results := out["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, 0, out["failed"])

	require.Len(t, fx.runner.requests, 2)
	assert.Equal(t, fx.targets["lead_manager"].ID, fx.runner.requests[0].InstanceID)
	assert.Equal(t, fx.targets["listing_specialist"].ID, fx.runner.requests[1].InstanceID)
	assert.Equal(t, message, fx.runner.requests[0].Message)
}

func TestCoordinateWorkflowMessageWithoutMatches(t *testing.T) {
	fx := newDelegationFixture(t)

	_, err := fx.registry.Execute(context.Background(), "coordinate_workflow",
		map[string]interface{}{"message": "tidy up the office"}, fx.caller)
	require.Error(t, err)
	assert.Empty(t, fx.runner.requests)
}

func TestCoordinateWorkflowEmptyBranches(t *testing.T) {
	fx := newDelegationFixture(t)

	_, err := fx.registry.Execute(context.Background(), "coordinate_workflow",
		map[string]interface{}{"branches": []interface{}{}}, fx.caller)
	require.Error(t, err)
}

func TestPrefetchHookRuns(t *testing.T) {
	fx := newDelegationFixture(t)
	var fetched string
	fx.coordinator.SetPrefetchHook(func(_ context.Context, _ uuid.UUID, templateKey, task string) error {
		fetched = templateKey + ":" + task
		return nil
	})

	_, err := fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "listing_specialist", "task": "warm up"},
		fx.caller)
	require.NoError(t, err)
	assert.Equal(t, "listing_specialist:warm up", fetched)

	// A failing hook never blocks the delegation.
	fx.coordinator.SetPrefetchHook(func(context.Context, uuid.UUID, string, string) error {
		return errors.New("cache down")
	})
	_, err = fx.registry.Execute(context.Background(), "delegate_to_employee",
		map[string]interface{}{"employee": "listing_specialist", "task": "again"},
		fx.caller)
	assert.NoError(t, err)
}
