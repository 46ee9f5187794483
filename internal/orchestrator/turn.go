// Package orchestrator runs conversation turns: it assembles the persona's
// prompt, calls the model, parses the returned plan and hands its actions
// to the action engine. One turn is one model call; the engine decides what
// executes now and what waits for a human.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/actions"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/delegation"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/llm"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/personas"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/plan"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/session"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

// ErrInstanceInactive means the target persona instance exists but is not
// active for this tenant.
var ErrInstanceInactive = errors.New("persona instance is not active")

// TurnStore is the persistence the turn service needs beyond what the
// action engine already owns.
type TurnStore interface {
	GetInstance(ctx context.Context, tenantID, instanceID uuid.UUID) (*db.PersonaInstance, error)
	InsertExecutionLog(ctx context.Context, e *db.ExecutionLog) error
}

// TurnRequest is one inbound message to a persona instance.
type TurnRequest struct {
	TenantID    uuid.UUID
	InstanceID  uuid.UUID
	UserID      string
	Channel     string
	ContextType string
	ContextID   string
	Message     string
	DryRun      bool
}

// TurnResult is what a turn produced: the persona's reply and the actions
// the plan yielded, in their post-intake statuses.
type TurnResult struct {
	SessionID string
	Reply     string
	Actions   []actions.View
}

// PlanHints supplies extra prompt lines for a turn, e.g. host-derived
// context about the user's current screen. Hint failures never fail the
// turn.
type PlanHints interface {
	Hints(ctx context.Context, req TurnRequest) ([]string, error)
}

// TurnService drives the per-message pipeline.
type TurnService struct {
	store        TurnStore
	sessions     *session.Manager
	catalog      *personas.Catalog
	registry     *tools.Registry
	model        *llm.Client
	engine       *actions.Engine
	hints        PlanHints
	historyLimit int
	logger       *zap.Logger
}

// SetPlanHints installs an optional hint provider.
func (s *TurnService) SetPlanHints(h PlanHints) { s.hints = h }

// NewTurnService creates the turn service. historyLimit caps the turns
// replayed to the model; 0 means the default of 20.
func NewTurnService(store TurnStore, sessions *session.Manager, catalog *personas.Catalog,
	registry *tools.Registry, model *llm.Client, engine *actions.Engine,
	historyLimit int, logger *zap.Logger) *TurnService {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &TurnService{
		store:        store,
		sessions:     sessions,
		catalog:      catalog,
		registry:     registry,
		model:        model,
		engine:       engine,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// SendMessage runs one full turn. A model or store failure fails the turn;
// a malformed plan does not, it degrades to a plain reply.
func (s *TurnService) SendMessage(ctx context.Context, req TurnRequest) (TurnResult, error) {
	metrics.TurnsStarted.WithLabelValues(req.Channel).Inc()
	start := time.Now()

	inst, err := s.store.GetInstance(ctx, req.TenantID, req.InstanceID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return TurnResult{}, actions.ErrNotFound
		}
		return TurnResult{}, fmt.Errorf("load persona instance: %w", err)
	}
	if inst.Status != personas.StatusActive {
		return TurnResult{}, ErrInstanceInactive
	}

	key := session.Key{
		TenantID:    req.TenantID,
		InstanceID:  req.InstanceID,
		UserID:      req.UserID,
		Channel:     req.Channel,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
	}
	sess, err := s.sessions.Upsert(ctx, key)
	if err != nil {
		return TurnResult{}, fmt.Errorf("open session: %w", err)
	}

	allowed := s.allowedTools(inst)
	messages := s.replayHistory(sess)
	messages = append(messages, llm.Message{Role: session.RoleUser, Content: req.Message})

	s.recordConversation(ctx, inst, sess.ID, key, session.KindUser, req.Message)

	prompt := s.systemPrompt(inst, allowed)
	if s.hints != nil {
		lines, hintErr := s.hints.Hints(ctx, req)
		if hintErr != nil {
			s.logger.Warn("plan hint provider failed", zap.Error(hintErr))
		} else if len(lines) > 0 {
			prompt += "\n\nContext:\n" + strings.Join(lines, "\n")
		}
	}

	raw, err := s.model.CompleteChat(ctx, prompt, messages, true)
	if err != nil {
		metrics.TurnsCompleted.WithLabelValues(req.Channel, "error").Inc()
		return TurnResult{}, fmt.Errorf("model turn: %w", err)
	}

	p := plan.Parse(raw, allowed, s.logger)
	views := s.engine.IntakePlan(ctx, actions.IntakeOptions{
		Instance:  inst,
		SessionID: sess.ID,
		UserID:    req.UserID,
		Channel:   req.Channel,
		DryRun:    req.DryRun,
	}, p)

	reply := composeReply(p.Reply, views)
	s.recordConversation(ctx, inst, sess.ID, key, session.KindAssistant, reply)

	metrics.TurnsCompleted.WithLabelValues(req.Channel, "ok").Inc()
	metrics.TurnDuration.WithLabelValues(req.Channel).Observe(time.Since(start).Seconds())

	return TurnResult{SessionID: sess.ID, Reply: reply, Actions: views}, nil
}

// RunTurn adapts SendMessage for delegated turns. The delegated session is
// scoped to the delegating instance, so a persona's delegations never mix
// with the human operator's own conversation.
func (s *TurnService) RunTurn(ctx context.Context, req delegation.Request) (delegation.Result, error) {
	res, err := s.SendMessage(ctx, TurnRequest{
		TenantID:    req.TenantID,
		InstanceID:  req.InstanceID,
		UserID:      req.UserID,
		Channel:     req.Channel,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		Message:     req.Message,
	})
	if err != nil {
		return delegation.Result{}, err
	}
	return delegation.Result{Reply: res.Reply, ActionsCreated: len(res.Actions)}, nil
}

// allowedTools intersects the instance's allow-list with what is actually
// registered. An empty allow-list means every registered tool.
func (s *TurnService) allowedTools(inst *db.PersonaInstance) map[string]struct{} {
	registered := s.registry.Keys()
	keys := registered
	if len(inst.AllowedTools) > 0 {
		keys = lo.Intersect(registered, []string(inst.AllowedTools))
	}
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return allowed
}

func (s *TurnService) replayHistory(sess *session.Session) []llm.Message {
	turns := sess.RecentHistory(s.historyLimit)
	out := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role(), Content: t.Content})
	}
	return out
}

// recordConversation writes a turn to both the session history and the
// execution log. Conversation rows carry the reserved conversation: prefix
// and are excluded from the daily action ceiling.
func (s *TurnService) recordConversation(ctx context.Context, inst *db.PersonaInstance, sessionID string, key session.Key, kind, content string) {
	if err := s.sessions.AppendTurn(ctx, key, kind, content, nil); err != nil {
		s.logger.Warn("failed to append session turn",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	err := s.store.InsertExecutionLog(ctx, &db.ExecutionLog{
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		ToolKey:    kind,
		Input:      db.JSONB{"session_id": sessionID},
		Output:     db.JSONB{"content": content},
		Success:    true,
	})
	if err != nil {
		s.logger.Warn("failed to log conversation turn",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// systemPrompt assembles the persona prompt plus the plan contract. The
// contract pins the JSON shape the parser expects.
func (s *TurnService) systemPrompt(inst *db.PersonaInstance, allowed map[string]struct{}) string {
	var b strings.Builder

	if tpl, ok := s.catalog.Get(inst.TemplateKey); ok && tpl.SystemPrompt != "" {
		b.WriteString(tpl.SystemPrompt)
	} else {
		b.WriteString("You are an AI employee at a real estate brokerage. Be concise and professional.")
	}
	b.WriteString("\n\n")

	descriptions := s.registry.Descriptions(allowed)
	if len(descriptions) > 0 {
		b.WriteString("You can take actions using these tools:\n")
		keys := lo.Keys(descriptions)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, descriptions[k])
		}
		b.WriteString("\n")
	}

	b.WriteString(`Respond with a single JSON object, no other text:
{"reply": "<your message to the user>", "actions": [{"tool": "<tool key>", "input": {...}, "requires_approval": <optional bool>}]}
Omit "actions" or leave it empty when no action is needed. Only use the tools listed above.`)
	return b.String()
}

// composeReply appends human-readable results of actions that executed
// inside the turn, so auto-run outcomes show up in the conversation.
func composeReply(reply string, views []actions.View) string {
	var extras []string
	for _, v := range views {
		if v.Status == actions.StatusExecuted && v.HumanReadableResult != "" {
			extras = append(extras, v.HumanReadableResult)
		}
	}
	if len(extras) == 0 {
		return reply
	}
	if reply == "" {
		return strings.Join(extras, "\n\n")
	}
	return reply + "\n\n" + strings.Join(extras, "\n\n")
}
