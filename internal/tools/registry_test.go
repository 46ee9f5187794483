package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	return NewRegistry(timeout, zap.NewNop())
}

func echoDef(key string) Definition {
	return Definition{
		Key:          key,
		Description:  "echoes its input",
		AllowAutoRun: true,
		Schema: Schema{
			"message": {Type: "string", Required: true},
			"count":   {Type: "number"},
		},
		Handler: func(_ context.Context, input map[string]interface{}, _ Context) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": input["message"]}, nil
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	reg := newTestRegistry(t, 0)
	reg.Register(echoDef("echo"))

	out, err := reg.Execute(context.Background(), "echo",
		map[string]interface{}{"message": "hi"}, Context{TenantID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := newTestRegistry(t, 0)

	_, err := reg.Execute(context.Background(), "nope", nil, Context{})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistryLastWriteWins(t *testing.T) {
	reg := newTestRegistry(t, 0)
	reg.Register(echoDef("echo"))

	replaced := echoDef("echo")
	replaced.Handler = func(_ context.Context, _ map[string]interface{}, _ Context) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": "replaced"}, nil
	}
	reg.Register(replaced)

	out, err := reg.Execute(context.Background(), "echo",
		map[string]interface{}{"message": "hi"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, "replaced", out["echo"])
	assert.Len(t, reg.Keys(), 1)
}

func TestRegistryValidation(t *testing.T) {
	reg := newTestRegistry(t, 0)
	reg.Register(echoDef("echo"))

	tests := []struct {
		name  string
		input map[string]interface{}
		field string
	}{
		{"missing required", map[string]interface{}{}, "message"},
		{"nil required", map[string]interface{}{"message": nil}, "message"},
		{"wrong type", map[string]interface{}{"message": 42}, "message"},
		{"wrong optional type", map[string]interface{}{"message": "hi", "count": "three"}, "count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Execute(context.Background(), "echo", tt.input, Context{})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistryExtraFieldsPassThrough(t *testing.T) {
	reg := newTestRegistry(t, 0)
	reg.Register(echoDef("echo"))

	_, err := reg.Execute(context.Background(), "echo",
		map[string]interface{}{"message": "hi", "unlisted": true}, Context{})
	assert.NoError(t, err)
}

func TestRegistryHandlerError(t *testing.T) {
	reg := newTestRegistry(t, 0)
	boom := errors.New("boom")
	reg.Register(Definition{
		Key: "fail",
		Handler: func(_ context.Context, _ map[string]interface{}, _ Context) (map[string]interface{}, error) {
			return nil, boom
		},
	})

	_, err := reg.Execute(context.Background(), "fail", nil, Context{})
	var eerr *ExecutionError
	require.ErrorAs(t, err, &eerr)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryHandlerTimeout(t *testing.T) {
	reg := newTestRegistry(t, 20*time.Millisecond)
	reg.Register(Definition{
		Key: "slow",
		Handler: func(ctx context.Context, _ map[string]interface{}, _ Context) (map[string]interface{}, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]interface{}{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	start := time.Now()
	_, err := reg.Execute(context.Background(), "slow", nil, Context{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryDescriptions(t *testing.T) {
	reg := newTestRegistry(t, 0)
	reg.Register(echoDef("a"))
	reg.Register(echoDef("b"))
	reg.Register(echoDef("c"))

	descs := reg.Descriptions(map[string]struct{}{"a": {}, "c": {}})
	assert.Len(t, descs, 2)
	assert.Contains(t, descs, "a")
	assert.NotContains(t, descs, "b")
}
