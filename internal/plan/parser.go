package plan

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// Action is one validated plan action. Values only exist after passing the
// allow-list check in Parse; raw model JSON never crosses this boundary.
type Action struct {
	Tool  string
	Input map[string]interface{}
	// RequiresApproval is the model's explicit per-action override. Nil
	// means unset, letting the engine fall back to tool and persona policy.
	RequiresApproval *bool
}

// Plan is the parsed output of one model turn.
type Plan struct {
	Reply   string
	Actions []Action
}

// rawPlan mirrors the JSON shape the model is instructed to produce.
type rawPlan struct {
	Reply   string `json:"reply"`
	Actions []struct {
		Tool             string                 `json:"tool"`
		Input            map[string]interface{} `json:"input"`
		RequiresApproval *bool                  `json:"requires_approval"`
	} `json:"actions"`
}

// Parse converts raw model text into a validated plan. Actions referencing
// tools outside the allow-list are dropped individually; a response that is
// not valid JSON at all degrades to a plain reply with no actions. Parse
// never fails the turn.
func Parse(raw string, allowed map[string]struct{}, logger *zap.Logger) Plan {
	text := stripFences(raw)

	var rp rawPlan
	if err := json.Unmarshal([]byte(text), &rp); err != nil {
		metrics.PlanParseFallbacks.Inc()
		logger.Debug("model response is not a plan, treating as plain reply",
			zap.Error(err))
		return Plan{Reply: raw}
	}

	p := Plan{Reply: rp.Reply}
	for _, a := range rp.Actions {
		if a.Tool == "" {
			metrics.PlanActionsDropped.Inc()
			continue
		}
		if _, ok := allowed[a.Tool]; !ok {
			metrics.PlanActionsDropped.Inc()
			logger.Debug("dropping plan action for disallowed tool",
				zap.String("tool", a.Tool))
			continue
		}
		input := a.Input
		if input == nil {
			input = map[string]interface{}{}
		}
		p.Actions = append(p.Actions, Action{
			Tool:             a.Tool,
			Input:            input,
			RequiresApproval: a.RequiresApproval,
		})
	}
	return p
}

// stripFences removes a surrounding markdown code fence, which models emit
// even when asked for bare JSON.
func stripFences(s string) string {
	text := strings.TrimSpace(s)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
	} else {
		return text
	}
	if idx := strings.LastIndex(text, "```"); idx != -1 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
