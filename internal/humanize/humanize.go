// Package humanize renders structured tool results into short chat-visible
// summaries. The table is closed and explicit: a tool gets a summary only
// when one is added here, never automatically. Unknown tools render nothing
// rather than leaking raw structured data into a transcript.
package humanize

import (
	"fmt"
	"strings"
)

// Formatter renders one tool's result. Returning false means the result is
// missing the fields the summary needs.
type Formatter func(result map[string]interface{}) (string, bool)

var table = map[string]Formatter{
	"get_daily_summary":    formatDailySummary,
	"get_hot_leads":        formatHotLeads,
	"create_lead_note":     formatLeadNote,
	"send_email":           formatEmail,
	"schedule_followup":    formatFollowup,
	"delegate_to_employee": formatDelegation,
	"coordinate_workflow":  formatCoordination,
}

// Humanize renders a tool result for chat display. Returns false for any
// tool key outside the table, regardless of the result's shape.
func Humanize(toolKey string, result map[string]interface{}) (string, bool) {
	f, ok := table[toolKey]
	if !ok || result == nil {
		return "", false
	}
	return f(result)
}

func formatDailySummary(result map[string]interface{}) (string, bool) {
	if s, ok := result["summary"].(string); ok && s != "" {
		return s, true
	}
	return "", false
}

func formatHotLeads(result map[string]interface{}) (string, bool) {
	leads, ok := result["leads"].([]interface{})
	if !ok {
		return "", false
	}
	if len(leads) == 0 {
		return "No hot leads right now.", true
	}
	names := make([]string, 0, len(leads))
	for _, l := range leads {
		m, ok := l.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := m["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Found %d hot leads.", len(leads)), true
	}
	const shown = 3
	if len(names) > shown {
		return fmt.Sprintf("Found %d hot leads, starting with %s.",
			len(leads), strings.Join(names[:shown], ", ")), true
	}
	return fmt.Sprintf("Found %d hot leads: %s.", len(leads), strings.Join(names, ", ")), true
}

func formatLeadNote(result map[string]interface{}) (string, bool) {
	if name, ok := result["lead_name"].(string); ok && name != "" {
		return fmt.Sprintf("Added a note to %s.", name), true
	}
	if _, ok := result["note_id"]; ok {
		return "Note added.", true
	}
	return "", false
}

func formatEmail(result map[string]interface{}) (string, bool) {
	if to, ok := result["to"].(string); ok && to != "" {
		return fmt.Sprintf("Email sent to %s.", to), true
	}
	return "", false
}

func formatFollowup(result map[string]interface{}) (string, bool) {
	when, _ := result["scheduled_for"].(string)
	lead, _ := result["lead_name"].(string)
	switch {
	case when != "" && lead != "":
		return fmt.Sprintf("Follow-up with %s scheduled for %s.", lead, when), true
	case when != "":
		return fmt.Sprintf("Follow-up scheduled for %s.", when), true
	default:
		return "", false
	}
}

func formatDelegation(result map[string]interface{}) (string, bool) {
	persona, _ := result["persona"].(string)
	reply, _ := result["reply"].(string)
	if reply == "" {
		return "", false
	}
	if persona != "" {
		return fmt.Sprintf("%s: %s", persona, reply), true
	}
	return reply, true
}

func formatCoordination(result map[string]interface{}) (string, bool) {
	branches, ok := result["results"].([]interface{})
	if !ok || len(branches) == 0 {
		return "", false
	}
	failed := 0
	for _, b := range branches {
		if m, ok := b.(map[string]interface{}); ok {
			if _, hasErr := m["error"]; hasErr {
				failed++
			}
		}
	}
	if failed == 0 {
		return fmt.Sprintf("Coordinated %d team members.", len(branches)), true
	}
	return fmt.Sprintf("Coordinated %d team members (%d failed).", len(branches), failed), true
}
