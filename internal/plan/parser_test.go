package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var allowAll = map[string]struct{}{
	"get_hot_leads": {},
	"send_email":    {},
}

func TestParsePlan(t *testing.T) {
	raw := `{"reply":"On it.","actions":[{"tool":"get_hot_leads","input":{"limit":5}}]}`

	p := Parse(raw, allowAll, zap.NewNop())
	assert.Equal(t, "On it.", p.Reply)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "get_hot_leads", p.Actions[0].Tool)
	assert.Equal(t, float64(5), p.Actions[0].Input["limit"])
	assert.Nil(t, p.Actions[0].RequiresApproval)
}

func TestParseFencedPlan(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"json fence", "```json\n{\"reply\":\"hi\",\"actions\":[]}\n```"},
		{"bare fence", "```\n{\"reply\":\"hi\"}\n```"},
		{"fence with padding", "  ```json\n{\"reply\":\"hi\"}\n```  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Parse(tt.raw, allowAll, zap.NewNop())
			assert.Equal(t, "hi", p.Reply)
			assert.Empty(t, p.Actions)
		})
	}
}

func TestParseFallbackToPlainReply(t *testing.T) {
	raw := "Sure, I'll take a look at those leads for you."

	p := Parse(raw, allowAll, zap.NewNop())
	assert.Equal(t, raw, p.Reply)
	assert.Empty(t, p.Actions)
}

func TestParseDropsDisallowedTools(t *testing.T) {
	raw := `{"reply":"ok","actions":[
        {"tool":"get_hot_leads","input":{}},
        {"tool":"drop_database","input":{}},
        {"tool":"","input":{}},
        {"tool":"send_email","input":{"to":"a@b.c"}}
    ]}`

	p := Parse(raw, allowAll, zap.NewNop())
	require.Len(t, p.Actions, 2)
	assert.Equal(t, "get_hot_leads", p.Actions[0].Tool)
	assert.Equal(t, "send_email", p.Actions[1].Tool)
}

func TestParseRequiresApprovalHint(t *testing.T) {
	raw := `{"reply":"ok","actions":[{"tool":"send_email","input":{},"requires_approval":true}]}`

	p := Parse(raw, allowAll, zap.NewNop())
	require.Len(t, p.Actions, 1)
	require.NotNil(t, p.Actions[0].RequiresApproval)
	assert.True(t, *p.Actions[0].RequiresApproval)
}

func TestParseNilInputBecomesEmptyMap(t *testing.T) {
	raw := `{"reply":"ok","actions":[{"tool":"get_hot_leads"}]}`

	p := Parse(raw, allowAll, zap.NewNop())
	require.Len(t, p.Actions, 1)
	assert.NotNil(t, p.Actions[0].Input)
	assert.Empty(t, p.Actions[0].Input)
}
