package crmtools

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/tools"
)

// Register adds the CRM tool suite to the registry. send_email is the one
// tool that can never auto-run: outbound mail to a client always gets a
// human look first, whatever the persona's autonomy mode says.
func (c *Client) Register(reg *tools.Registry) {
	reg.Register(tools.Definition{
		Key:                     "get_daily_summary",
		Description:             "Summarize today's pipeline activity: new leads, showings, pending deals.",
		AllowAutoRun:            true,
		DefaultRequiresApproval: false,
		Schema:                  tools.Schema{},
		Handler:                 c.handleDailySummary,
	})
	reg.Register(tools.Definition{
		Key:                     "get_hot_leads",
		Description:             "List the highest-scoring active leads. Input: limit (optional number).",
		AllowAutoRun:            true,
		DefaultRequiresApproval: false,
		Schema: tools.Schema{
			"limit": {Type: "number"},
		},
		Handler: c.handleHotLeads,
	})
	reg.Register(tools.Definition{
		Key:                     "create_lead_note",
		Description:             "Attach a note to a lead's record. Input: lead_id, note.",
		AllowAutoRun:            true,
		DefaultRequiresApproval: true,
		Schema: tools.Schema{
			"lead_id": {Type: "string", Required: true},
			"note":    {Type: "string", Required: true},
		},
		Handler: c.handleCreateLeadNote,
	})
	reg.Register(tools.Definition{
		Key:                     "send_email",
		Description:             "Send an email to a lead or client. Input: to, subject, body.",
		AllowAutoRun:            false,
		DefaultRequiresApproval: true,
		Schema: tools.Schema{
			"to":      {Type: "string", Required: true},
			"subject": {Type: "string", Required: true},
			"body":    {Type: "string", Required: true},
		},
		Handler: c.handleSendEmail,
	})
	reg.Register(tools.Definition{
		Key:                     "schedule_followup",
		Description:             "Schedule a follow-up task on a lead. Input: lead_id, due_at (RFC3339), note (optional).",
		AllowAutoRun:            true,
		DefaultRequiresApproval: true,
		Schema: tools.Schema{
			"lead_id": {Type: "string", Required: true},
			"due_at":  {Type: "string", Required: true},
			"note":    {Type: "string"},
		},
		Handler: c.handleScheduleFollowup,
	})
}

func (c *Client) handleDailySummary(ctx context.Context, _ map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodGet, "/internal/v1/reports/daily-summary", tc.TenantID, nil, nil)
}

func (c *Client) handleHotLeads(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	query := url.Values{}
	if limit, ok := input["limit"].(float64); ok && limit > 0 {
		query.Set("limit", strconv.Itoa(int(limit)))
	}
	return c.do(ctx, http.MethodGet, "/internal/v1/leads/hot", tc.TenantID, query, nil)
}

func (c *Client) handleCreateLeadNote(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	leadID, _ := input["lead_id"].(string)
	return c.do(ctx, http.MethodPost, "/internal/v1/leads/"+url.PathEscape(leadID)+"/notes", tc.TenantID, nil,
		map[string]interface{}{
			"note":   input["note"],
			"author": "ai:" + tc.InstanceID.String(),
		})
}

func (c *Client) handleSendEmail(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, "/internal/v1/outbound/email", tc.TenantID, nil,
		map[string]interface{}{
			"to":        input["to"],
			"subject":   input["subject"],
			"body":      input["body"],
			"sent_by":   "ai:" + tc.InstanceID.String(),
			"on_behalf": tc.UserID,
		})
}

func (c *Client) handleScheduleFollowup(ctx context.Context, input map[string]interface{}, tc tools.Context) (map[string]interface{}, error) {
	leadID, _ := input["lead_id"].(string)
	body := map[string]interface{}{
		"due_at":     input["due_at"],
		"created_by": "ai:" + tc.InstanceID.String(),
	}
	if note, ok := input["note"].(string); ok && note != "" {
		body["note"] = note
	}
	return c.do(ctx, http.MethodPost, "/internal/v1/leads/"+url.PathEscape(leadID)+"/followups", tc.TenantID, nil, body)
}
