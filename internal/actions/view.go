package actions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/db"
	"github.com/openhouse-crm/openhouse/go/aiengine/internal/humanize"
)

// View is the outward representation of an action: what the API returns
// and what gets folded into a turn reply. For executed actions it carries
// the latest successful result and, when a formatter exists for the tool,
// a human-readable rendering of it.
type View struct {
	ID                  uuid.UUID              `json:"id"`
	Tool                string                 `json:"tool"`
	Status              string                 `json:"status"`
	RequiresApproval    bool                   `json:"requires_approval"`
	Payload             map[string]interface{} `json:"payload,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	Result              map[string]interface{} `json:"result,omitempty"`
	HumanReadableResult string                 `json:"human_readable_result,omitempty"`
	DryRun              bool                   `json:"dry_run,omitempty"`
	ApprovedBy          string                 `json:"approved_by,omitempty"`
	ExecutedAt          *time.Time             `json:"executed_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// ViewOf builds the outward view of an action. A missing execution log for
// an executed action is tolerated; the view just has no result.
func (e *Engine) ViewOf(ctx context.Context, action *db.ProposedAction) View {
	v := View{
		ID:               action.ID,
		Tool:             action.ActionType,
		Status:           action.Status,
		RequiresApproval: action.RequiresApproval,
		Payload:          map[string]interface{}(action.Payload),
		DryRun:           action.DryRun,
		ExecutedAt:       action.ExecutedAt,
		CreatedAt:        action.CreatedAt,
	}
	if action.ErrorMessage != nil {
		v.ErrorMessage = *action.ErrorMessage
	}
	if action.ApprovedBy != nil {
		v.ApprovedBy = *action.ApprovedBy
	}

	if action.Status != StatusExecuted {
		return v
	}

	entry, err := e.store.LatestSuccessLog(ctx, action.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNoRows) {
			e.logger.Warn("failed to load execution result",
				zap.String("action_id", action.ID.String()),
				zap.Error(err))
		}
		return v
	}

	v.Result = map[string]interface{}(entry.Output)
	if text, ok := humanize.Humanize(action.ActionType, v.Result); ok {
		v.HumanReadableResult = text
	}
	return v
}

// ViewsOf maps a page of actions to views.
func (e *Engine) ViewsOf(ctx context.Context, list []db.ProposedAction) []View {
	out := make([]View, 0, len(list))
	for i := range list {
		out = append(out, e.ViewOf(ctx, &list[i]))
	}
	return out
}
