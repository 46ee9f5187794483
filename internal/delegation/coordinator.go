// Package delegation lets one persona hand a task to another, either as a
// single delegation or a small coordinated workflow. Delegated turns run in
// the target persona's own session scope, so history never bleeds between
// personas.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

const (
	// maxFanout bounds the branches of one coordinate_workflow call.
	maxFanout = 5
	// maxDepth bounds transitive delegation chains. At the cap a delegation
	// tool call fails instead of recursing.
	maxDepth = 3
)

// ErrDepthExceeded means a delegation chain hit the recursion cap.
var ErrDepthExceeded = errors.New("delegation depth limit reached")

type depthKey struct{}

// WithDepth records the delegation depth of a turn in its context.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the delegation depth of the current turn, 0 for a turn
// started by a human.
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Request is one delegated turn handed to the runner.
type Request struct {
	TenantID    uuid.UUID
	InstanceID  uuid.UUID
	UserID      string
	Channel     string
	ContextType string
	ContextID   string
	Message     string
}

// Result is what a delegated turn produced.
type Result struct {
	Reply          string
	ActionsCreated int
}

// Runner executes one turn against a persona instance. The orchestrator
// implements it; the indirection exists because the orchestrator also
// depends on the tool registry this package registers into.
type Runner interface {
	RunTurn(ctx context.Context, req Request) (Result, error)
}

// InstanceFinder resolves a tenant's active instance of a persona template.
type InstanceFinder interface {
	FindActiveInstance(ctx context.Context, tenantID uuid.UUID, templateKey string) (*db.PersonaInstance, error)
}

// PrefetchHook runs before a delegated turn, letting the host warm caches
// or record intent. Errors are logged and ignored.
type PrefetchHook func(ctx context.Context, tenantID uuid.UUID, templateKey, task string) error

// Coordinator owns the delegation tools.
type Coordinator struct {
	catalog  *personas.Catalog
	finder   InstanceFinder
	runner   Runner
	prefetch PrefetchHook
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. The runner is wired later with
// SetRunner because the orchestrator is constructed after the registry.
func NewCoordinator(catalog *personas.Catalog, finder InstanceFinder, logger *zap.Logger) *Coordinator {
	return &Coordinator{catalog: catalog, finder: finder, logger: logger}
}

// SetRunner wires the turn runner. Must be called before any delegation
// tool executes.
func (c *Coordinator) SetRunner(r Runner) { c.runner = r }

// SetPrefetchHook installs an optional pre-delegation hook.
func (c *Coordinator) SetPrefetchHook(h PrefetchHook) { c.prefetch = h }

// RegisterTools adds the delegation tools to the registry. Both always
// require approval by default; a tenant in auto-run mode can still have
// them fire automatically since they only create further proposals.
func (c *Coordinator) RegisterTools(reg *tools.Registry) {
	reg.Register(tools.Definition{
		Key:                     "delegate_to_employee",
		Description:             "Hand a task to another AI employee. Input: employee (persona name), task (what to do).",
		AllowAutoRun:            true,
		DefaultRequiresApproval: false,
		Schema: tools.Schema{
			"employee": {Type: "string", Required: true},
			"task":     {Type: "string", Required: true},
		},
		Handler: c.handleDelegate,
	})
	reg.Register(tools.Definition{
		Key:                     "coordinate_workflow",
		Description:             "Run a multi-step workflow across several AI employees. Input: branches (list of {employee, task}), or message (free text naming the employees to involve).",
		AllowAutoRun:            true,
		DefaultRequiresApproval: false,
		Schema: tools.Schema{
			"branches": {Type: "array"},
			"message":  {Type: "string"},
		},
		Handler: c.handleCoordinate,
	})
}

func (c *Coordinator) handleDelegate(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	employee, _ := input["employee"].(string)
	task, _ := input["task"].(string)

	out, err := c.delegate(ctx, tc, employee, task)
	if err != nil {
		metrics.Delegations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Delegations.WithLabelValues("ok").Inc()
	return out, nil
}

// delegate runs one delegation branch. Self-delegation returns nothing at
// all, a no-op success, so a confused plan never loops a persona on itself.
func (c *Coordinator) delegate(ctx context.Context, tc tools.Context, employee, task string) (map[string]interface{}, error) {
	if c.runner == nil {
		return nil, errors.New("delegation runner not configured")
	}

	depth := DepthFrom(ctx)
	if depth >= maxDepth {
		return nil, fmt.Errorf("%w (depth %d)", ErrDepthExceeded, depth)
	}

	tpl, ok := c.catalog.Resolve(employee)
	if !ok {
		return nil, fmt.Errorf("unknown employee %q", employee)
	}

	target, err := c.finder.FindActiveInstance(ctx, tc.TenantID, tpl.Key)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return nil, fmt.Errorf("no active %s employee in this workspace", tpl.DisplayName)
		}
		return nil, fmt.Errorf("resolve delegation target: %w", err)
	}

	if target.ID == tc.InstanceID {
		c.logger.Debug("self-delegation skipped",
			zap.String("instance_id", tc.InstanceID.String()),
			zap.String("employee", tpl.Key))
		return nil, nil
	}

	if c.prefetch != nil {
		if err := c.prefetch(ctx, tc.TenantID, tpl.Key, task); err != nil {
			c.logger.Warn("delegation prefetch failed", zap.Error(err))
		}
	}

	res, err := c.runner.RunTurn(WithDepth(ctx, depth+1), Request{
		TenantID:    tc.TenantID,
		InstanceID:  target.ID,
		UserID:      tc.UserID,
		Channel:     tc.Channel,
		ContextType: "delegation",
		ContextID:   tc.InstanceID.String(),
		Message:     task,
	})
	if err != nil {
		return nil, fmt.Errorf("delegated turn to %s: %w", tpl.Key, err)
	}

	return map[string]interface{}{
		"persona":         tpl.DisplayName,
		"reply":           res.Reply,
		"actions_created": res.ActionsCreated,
	}, nil
}

// branch is one resolved fan-out entry. A non-empty err marks an entry
// that was malformed in the input and only produces a synthetic result.
type branch struct {
	employee string
	task     string
	err      string
}

// handleCoordinate runs branches sequentially. A failed branch becomes a
// synthetic error result; the rest still run. Fan-out past the cap is
// truncated, never refused.
func (c *Coordinator) handleCoordinate(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	branches, err := c.resolveBranches(input)
	if err != nil {
		return nil, err
	}
	if len(branches) > maxFanout {
		c.logger.Warn("workflow fan-out truncated",
			zap.Int("requested", len(branches)),
			zap.Int("max", maxFanout))
		branches = branches[:maxFanout]
	}
	metrics.DelegationFanout.Observe(float64(len(branches)))

	results := make([]interface{}, 0, len(branches))
	failed := 0
	for _, b := range branches {
		if b.err != "" {
			failed++
			results = append(results, map[string]interface{}{"error": b.err})
			continue
		}
		out, err := c.delegate(ctx, tc, b.employee, b.task)
		if err != nil {
			failed++
			metrics.Delegations.WithLabelValues("error").Inc()
			results = append(results, map[string]interface{}{
				"persona": b.employee,
				"error":   err.Error(),
			})
			continue
		}
		metrics.Delegations.WithLabelValues("ok").Inc()
		results = append(results, out)
	}

	return map[string]interface{}{
		"results": results,
		"failed":  failed,
	}, nil
}

// resolveBranches derives the fan-out list from explicit branch objects or,
// when none are given, by scanning a free-text message for known personas.
func (c *Coordinator) resolveBranches(input map[string]interface{}) ([]branch, error) {
	if raw, ok := input["branches"].([]interface{}); ok && len(raw) > 0 {
		out := make([]branch, 0, len(raw))
		for i, b := range raw {
			obj, ok := b.(map[string]interface{})
			if !ok {
				out = append(out, branch{err: fmt.Sprintf("branch %d is not an object", i)})
				continue
			}
			employee, _ := obj["employee"].(string)
			task, _ := obj["task"].(string)
			out = append(out, branch{employee: employee, task: task})
		}
		return out, nil
	}

	message, _ := input["message"].(string)
	out := c.scanMessage(message)
	if len(out) == 0 {
		return nil, &tools.ValidationError{Tool: "coordinate_workflow", Field: "branches",
			Msg: "provide branches or a message naming at least one employee"}
	}
	return out, nil
}

// scanMessage finds active personas named in free text, by display name or
// by key. Each match becomes a branch carrying the whole message as its
// task; catalog order keeps the result deterministic.
func (c *Coordinator) scanMessage(message string) []branch {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	haystack := personas.NormalizeName(message)
	var out []branch
	for _, tpl := range c.catalog.ActiveTemplates() {
		display := personas.NormalizeName(tpl.DisplayName)
		key := personas.NormalizeName(strings.ReplaceAll(tpl.Key, "_", " "))
		if (display != "" && strings.Contains(haystack, display)) ||
			(key != "" && strings.Contains(haystack, key)) {
			out = append(out, branch{employee: tpl.Key, task: message})
		}
	}
	return out
}
