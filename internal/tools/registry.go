package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// Context carries the caller identity a handler executes under. Handlers
// receive it alongside the request context and never see engine internals.
type Context struct {
	TenantID   uuid.UUID
	UserID     string
	InstanceID uuid.UUID
	SessionID  string
	Channel    string
}

// Handler is one callable side-effecting operation supplied by the host
// application. It must honor ctx cancellation.
type Handler func(ctx context.Context, input map[string]interface{}, tc Context) (map[string]interface{}, error)

// FieldSpec describes one schema field. Type is one of string, number,
// bool, object, array; empty means any.
type FieldSpec struct {
	Type     string
	Required bool
}

// Schema validates tool input. Fields not listed pass through untouched so
// model-provided payloads can carry extra context.
type Schema map[string]FieldSpec

// Definition describes one registered tool. Immutable once registered;
// re-registering a key replaces the previous definition.
type Definition struct {
	Key         string
	Description string
	// AllowAutoRun false means the tool can never execute without a human
	// approval, regardless of persona autonomy. The flag is absolute.
	AllowAutoRun            bool
	DefaultRequiresApproval bool
	Schema                  Schema
	Handler                 Handler
}

// Registry is the closed catalog of callable tools. Dispatch only; approval
// and autonomy policy live in the action engine so the registry stays
// reusable for direct in-process calls.
type Registry struct {
	mu             sync.RWMutex
	defs           map[string]*Definition
	handlerTimeout time.Duration
	logger         *zap.Logger
}

// NewRegistry creates an empty registry. handlerTimeout bounds every
// handler invocation; 0 disables the bound.
func NewRegistry(handlerTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		defs:           make(map[string]*Definition),
		handlerTimeout: handlerTimeout,
		logger:         logger,
	}
}

// Register adds a tool definition, replacing any existing one with the same
// key (last write wins).
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Key]; exists {
		r.logger.Debug("replacing tool definition", zap.String("tool", def.Key))
	}
	d := def
	r.defs[def.Key] = &d
}

// Get returns the definition for a key.
func (r *Registry) Get(key string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key]
	return d, ok
}

// Keys returns the sorted set of registered tool keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Descriptions returns key and description pairs for prompt assembly,
// restricted to the given allow-list.
func (r *Registry) Descriptions(allowed map[string]struct{}) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(allowed))
	for k, d := range r.defs {
		if _, ok := allowed[k]; ok {
			out[k] = d.Description
		}
	}
	return out
}

// Execute validates input against the tool's schema and invokes the
// handler. Handler failures come back as *ExecutionError; a handler that
// outlives the timeout is abandoned and reported as a timeout failure.
func (r *Registry) Execute(ctx context.Context, key string, input map[string]interface{}, tc Context) (map[string]interface{}, error) {
	def, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, key)
	}

	if err := validate(def, input); err != nil {
		metrics.ToolExecutions.WithLabelValues(key, "invalid").Inc()
		return nil, err
	}

	if r.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := runHandler(ctx, def, input, tc)
	metrics.ToolExecutionDuration.WithLabelValues(key).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.ToolExecutions.WithLabelValues(key, "error").Inc()
		return nil, &ExecutionError{Tool: key, Cause: err}
	}
	metrics.ToolExecutions.WithLabelValues(key, "ok").Inc()
	return out, nil
}

type handlerResult struct {
	out map[string]interface{}
	err error
}

// runHandler surfaces the timeout even when a handler ignores its context.
func runHandler(ctx context.Context, def *Definition, input map[string]interface{}, tc Context) (map[string]interface{}, error) {
	done := make(chan handlerResult, 1)
	go func() {
		out, err := def.Handler(ctx, input, tc)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("handler timed out: %w", ctx.Err())
	}
}

func validate(def *Definition, input map[string]interface{}) error {
	for name, spec := range def.Schema {
		val, present := input[name]
		if !present || val == nil {
			if spec.Required {
				return &ValidationError{Tool: def.Key, Field: name, Msg: "required field missing"}
			}
			continue
		}
		if spec.Type == "" {
			continue
		}
		if !typeMatches(spec.Type, val) {
			return &ValidationError{Tool: def.Key, Field: name, Msg: fmt.Sprintf("expected %s, got %T", spec.Type, val)}
		}
	}
	return nil
}

func typeMatches(typ string, val interface{}) bool {
	switch typ {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "bool":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	case "array":
		_, ok := val.([]interface{})
		return ok
	default:
		return true
	}
}
