// Package actions implements the action lifecycle: proposed actions move
// through approval gating to execution, with every run audited in the
// execution log. The engine owns all status transitions; nothing else
// writes action statuses.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/plan"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/policy"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

// Action statuses. Proposed and requires-approval are pending; rejected,
// executed and failed are terminal. Approved is transient: every approved
// action settles into executed or failed within the same call.
const (
	StatusProposed         = "proposed"
	StatusRequiresApproval = "requires-approval"
	StatusApproved         = "approved"
	StatusRejected         = "rejected"
	StatusExecuted         = "executed"
	StatusFailed           = "failed"
)

var (
	// ErrNotFound means the action does not exist in the tenant.
	ErrNotFound = errors.New("action not found")
	// ErrInvalidState means the requested transition is not legal from the
	// action's current status.
	ErrInvalidState = errors.New("action is in a state that does not allow this operation")
	// ErrRateLimited means the tenant is over its daily action ceiling.
	ErrRateLimited = errors.New("tenant daily action limit reached")
)

// pendingStatuses are the statuses a human decision can still act on.
var pendingStatuses = []string{StatusProposed, StatusRequiresApproval, StatusApproved}

// Store is the persistence surface the engine needs.
type Store interface {
	InsertAction(ctx context.Context, a *db.ProposedAction) error
	GetAction(ctx context.Context, tenantID, actionID uuid.UUID) (*db.ProposedAction, error)
	TransitionAction(ctx context.Context, tenantID, actionID uuid.UUID, from []string, to string, upd db.ActionUpdate) (bool, error)
	InsertExecutionLog(ctx context.Context, e *db.ExecutionLog) error
	LatestSuccessLog(ctx context.Context, actionID uuid.UUID) (*db.ExecutionLog, error)
}

// RateLimiter gates execution on the tenant's daily ceiling.
type RateLimiter interface {
	IsOverLimit(ctx context.Context, tenantID uuid.UUID) (bool, error)
}

// PolicyGate can tighten, never loosen, the built-in approval rules.
type PolicyGate interface {
	Enabled() bool
	Mode() policy.Mode
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Engine drives the action state machine.
type Engine struct {
	store    Store
	registry *tools.Registry
	limiter  RateLimiter
	gate     PolicyGate
	logger   *zap.Logger
}

// NewEngine creates the engine. gate may be nil when policy gating is off.
func NewEngine(store Store, registry *tools.Registry, limiter RateLimiter, gate PolicyGate, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		limiter:  limiter,
		gate:     gate,
		logger:   logger,
	}
}

// IntakeOptions carries the turn context an intaken plan executes under.
type IntakeOptions struct {
	Instance  *db.PersonaInstance
	SessionID string
	UserID    string
	Channel   string
	DryRun    bool
}

// IntakePlan persists and, where autonomy allows, executes every action of
// a parsed plan. Failures on one action never abort the rest; each action
// lands in a definite status. Unknown tools were already dropped by the
// parser, so a miss here is a registry change mid-turn and is skipped.
func (e *Engine) IntakePlan(ctx context.Context, opts IntakeOptions, p plan.Plan) []View {
	views := make([]View, 0, len(p.Actions))
	for _, pa := range p.Actions {
		view, err := e.IntakeAction(ctx, opts, pa)
		if err != nil {
			e.logger.Error("action intake failed",
				zap.String("tenant_id", opts.Instance.TenantID.String()),
				zap.String("tool", pa.Tool),
				zap.Error(err))
			continue
		}
		views = append(views, view)
	}
	return views
}

// IntakeAction persists one planned action and executes it when its resolved
// status is approved. Execution failures are contained: the action lands in
// failed with the error recorded, and the rest of the turn proceeds.
func (e *Engine) IntakeAction(ctx context.Context, opts IntakeOptions, pa plan.Action) (View, error) {
	def, ok := e.registry.Get(pa.Tool)
	if !ok {
		return View{}, fmt.Errorf("%w: %s", tools.ErrUnknownTool, pa.Tool)
	}

	inst := opts.Instance
	status := resolveStatus(def, inst.AutonomyMode, pa.RequiresApproval)

	var rejection *string
	if status != StatusRejected && e.gate != nil && e.gate.Enabled() {
		status, rejection = e.applyPolicy(ctx, opts, pa, status)
	}

	action := &db.ProposedAction{
		ID:               uuid.New(),
		TenantID:         inst.TenantID,
		InstanceID:       inst.ID,
		SessionID:        opts.SessionID,
		ActionType:       pa.Tool,
		Payload:          db.JSONB(pa.Input),
		Status:           status,
		RequiresApproval: status != StatusApproved,
		DryRun:           opts.DryRun,
		ErrorMessage:     rejection,
	}
	if err := e.store.InsertAction(ctx, action); err != nil {
		return View{}, fmt.Errorf("persist action: %w", err)
	}
	metrics.ActionsProposed.WithLabelValues(pa.Tool, status).Inc()

	if status == StatusApproved {
		if err := e.executeRecord(ctx, action, opts.UserID, opts.Channel); err != nil {
			// Contained: the action is already failed with the error
			// recorded, and one capped or broken autonomous action must not
			// abort the rest of the turn.
			e.logger.Warn("auto-run execution failed",
				zap.String("action_id", action.ID.String()),
				zap.String("tool", action.ActionType),
				zap.Error(err))
		}
	}

	return e.ViewOf(ctx, action), nil
}

// Approve records a human approval and executes the action. Calling it
// again on an already executed or failed action is a no-op returning the
// current view; a rejected action cannot be revived.
func (e *Engine) Approve(ctx context.Context, tenantID, actionID uuid.UUID, approvedBy, channel string) (View, error) {
	approver := approvedBy
	claimed, err := e.store.TransitionAction(ctx, tenantID, actionID,
		[]string{StatusProposed, StatusRequiresApproval}, StatusApproved,
		db.ActionUpdate{ApprovedBy: &approver})
	if err != nil {
		return View{}, fmt.Errorf("approve action: %w", err)
	}

	action, err := e.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return View{}, ErrNotFound
		}
		return View{}, fmt.Errorf("load action: %w", err)
	}

	if !claimed {
		switch action.Status {
		case StatusExecuted, StatusFailed:
			// Already settled; approval is idempotent.
			return e.ViewOf(ctx, action), nil
		case StatusApproved:
			// A concurrent approval won the claim and is executing right
			// now. Converge on its outcome instead of running the handler a
			// second time.
			return e.ViewOf(ctx, action), nil
		default:
			// rejected, or a status this engine never wrote
			return e.ViewOf(ctx, action), ErrInvalidState
		}
	}
	metrics.ActionApprovals.WithLabelValues("approved").Inc()
	metrics.ActionTransitions.WithLabelValues(StatusApproved).Inc()

	// Only the claimant reaches here, so the handler runs at most once per
	// action no matter how many approvals race.
	if err := e.executeRecord(ctx, action, approvedBy, channel); err != nil {
		return e.ViewOf(ctx, action), err
	}
	return e.ViewOf(ctx, action), nil
}

// Reject marks a pending action rejected. Rejection is terminal and
// idempotent; an executed or failed action can no longer be rejected.
func (e *Engine) Reject(ctx context.Context, tenantID, actionID uuid.UUID, rejectedBy, reason string) (View, error) {
	upd := db.ActionUpdate{ApprovedBy: &rejectedBy}
	if reason != "" {
		upd.ErrorMessage = &reason
	}
	claimed, err := e.store.TransitionAction(ctx, tenantID, actionID, pendingStatuses, StatusRejected, upd)
	if err != nil {
		return View{}, fmt.Errorf("reject action: %w", err)
	}

	action, err := e.store.GetAction(ctx, tenantID, actionID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return View{}, ErrNotFound
		}
		return View{}, fmt.Errorf("load action: %w", err)
	}

	if !claimed {
		if action.Status == StatusRejected {
			return e.ViewOf(ctx, action), nil
		}
		return e.ViewOf(ctx, action), ErrInvalidState
	}

	metrics.ActionApprovals.WithLabelValues("rejected").Inc()
	metrics.ActionTransitions.WithLabelValues(StatusRejected).Inc()
	action.Status = StatusRejected
	return e.ViewOf(ctx, action), nil
}

// executeRecord runs one approved action: rate limit gate, tool dispatch,
// one audit row per attempt, then the terminal transition. Any execution
// failure, rate limit included, lands the action in failed and is returned
// to the caller; intake contains it, manual approval surfaces it.
func (e *Engine) executeRecord(ctx context.Context, action *db.ProposedAction, userID, channel string) error {
	over, lerr := e.limiter.IsOverLimit(ctx, action.TenantID)
	if lerr == nil && over {
		msg := ErrRateLimited.Error()
		e.writeLog(ctx, action, nil, &msg)
		if _, terr := e.transition(ctx, action, []string{StatusApproved}, StatusFailed, db.ActionUpdate{ErrorMessage: &msg}); terr != nil {
			return terr
		}
		return ErrRateLimited
	}

	input := map[string]interface{}(action.Payload)
	tc := tools.Context{
		TenantID:   action.TenantID,
		UserID:     userID,
		InstanceID: action.InstanceID,
		SessionID:  action.SessionID,
		Channel:    channel,
	}

	var output map[string]interface{}
	var execErr error
	if action.DryRun {
		output = map[string]interface{}{"dry_run": true, "tool": action.ActionType}
	} else {
		output, execErr = e.registry.Execute(ctx, action.ActionType, input, tc)
	}

	var errMsg *string
	if execErr != nil {
		msg := execErr.Error()
		errMsg = &msg
	}
	e.writeLog(ctx, action, output, errMsg)

	if execErr != nil {
		if _, terr := e.transition(ctx, action, []string{StatusApproved}, StatusFailed, db.ActionUpdate{ErrorMessage: errMsg}); terr != nil {
			return terr
		}
		return execErr
	}

	now := time.Now()
	_, terr := e.transition(ctx, action, []string{StatusApproved}, StatusExecuted, db.ActionUpdate{ExecutedAt: &now})
	return terr
}

// writeLog appends the audit row for one execution attempt. A log write
// failure never masks the attempt's own outcome.
func (e *Engine) writeLog(ctx context.Context, action *db.ProposedAction, output map[string]interface{}, errMsg *string) {
	entry := &db.ExecutionLog{
		TenantID:     action.TenantID,
		InstanceID:   action.InstanceID,
		ActionID:     &action.ID,
		ToolKey:      action.ActionType,
		Input:        action.Payload,
		Output:       db.JSONB(output),
		Success:      errMsg == nil,
		ErrorMessage: errMsg,
	}
	if err := e.store.InsertExecutionLog(ctx, entry); err != nil {
		e.logger.Error("failed to write execution log",
			zap.String("action_id", action.ID.String()),
			zap.Error(err))
	}
}

// transition wraps the store call and keeps the in-memory action in sync so
// callers can build a view without a re-read.
func (e *Engine) transition(ctx context.Context, action *db.ProposedAction, from []string, to string, upd db.ActionUpdate) (bool, error) {
	ok, err := e.store.TransitionAction(ctx, action.TenantID, action.ID, from, to, upd)
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	if ok {
		metrics.ActionTransitions.WithLabelValues(to).Inc()
		action.Status = to
		if upd.ErrorMessage != nil {
			action.ErrorMessage = upd.ErrorMessage
		}
		if upd.ExecutedAt != nil {
			action.ExecutedAt = upd.ExecutedAt
		}
	}
	return ok, nil
}

// applyPolicy runs the tool gating policy after the built-in rules. The
// policy can reject outright or force approval, never relax. In dry-run
// mode the decision is logged and discarded.
func (e *Engine) applyPolicy(ctx context.Context, opts IntakeOptions, pa plan.Action, status string) (string, *string) {
	inst := opts.Instance
	decision, err := e.gate.Evaluate(ctx, policy.Input{
		TenantID:     inst.TenantID.String(),
		UserID:       opts.UserID,
		InstanceID:   inst.ID.String(),
		TemplateKey:  inst.TemplateKey,
		AutonomyMode: inst.AutonomyMode,
		Tool:         pa.Tool,
		Payload:      pa.Input,
	})
	if err != nil {
		// The engine already applied its fail-open or fail-closed posture.
		e.logger.Warn("policy evaluation error", zap.Error(err))
	}

	if e.gate.Mode() != policy.ModeEnforce {
		return status, nil
	}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by policy"
		}
		return StatusRejected, &reason
	}
	if decision.RequireApproval && status == StatusApproved {
		return StatusRequiresApproval, nil
	}
	return status, nil
}

// resolveStatus applies the layered approval rules: a suggest-only persona
// only ever proposes, whatever the tool allows; a tool that forbids
// auto-run always needs a human; and in auto-run mode the plan's explicit
// hint or the tool's default decides.
func resolveStatus(def *tools.Definition, autonomyMode string, hint *bool) string {
	if autonomyMode == personas.AutonomySuggestOnly {
		return StatusProposed
	}
	if !def.AllowAutoRun || autonomyMode != personas.AutonomyAutoRun {
		return StatusRequiresApproval
	}
	requires := def.DefaultRequiresApproval
	if hint != nil {
		requires = *hint
	}
	if requires {
		return StatusRequiresApproval
	}
	return StatusApproved
}
