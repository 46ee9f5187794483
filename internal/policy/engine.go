package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// Mode is the enforcement mode of the policy gate.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration.
type Config struct {
	Enabled bool
	Mode    Mode
	// Path is the directory of .rego policy files.
	Path string
	// FailClosed makes a policy load failure fatal instead of degrading to
	// an open gate.
	FailClosed bool
}

// Input is the evaluation context for one proposed action. The gate runs
// after the built-in approval-resolution rules and can only tighten them.
type Input struct {
	TenantID     string                 `json:"tenant_id"`
	UserID       string                 `json:"user_id"`
	InstanceID   string                 `json:"instance_id"`
	TemplateKey  string                 `json:"template_key"`
	AutonomyMode string                 `json:"autonomy_mode"`
	Tool         string                 `json:"tool"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// Decision is the gate's verdict. Deny beats require-approval.
type Decision struct {
	Allow           bool   `json:"allow"`
	RequireApproval bool   `json:"require_approval"`
	Reason          string `json:"reason,omitempty"`
}

// Engine evaluates tenant Rego policies against proposed actions.
type Engine struct {
	config   Config
	logger   *zap.Logger
	prepared *rego.PreparedEvalQuery
	enabled  bool
}

// NewEngine compiles the policy bundle. With FailClosed unset a load
// failure logs a warning and leaves the gate open.
func NewEngine(config Config, logger *zap.Logger) (*Engine, error) {
	e := &Engine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff && config.Mode != "",
	}

	if e.enabled {
		if err := e.loadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("load policies (fail-closed): %w", err)
			}
			logger.Warn("failed to load policies, gate left open", zap.Error(err))
			e.enabled = false
		}
	}

	return e, nil
}

// Enabled reports whether the gate evaluates anything.
func (e *Engine) Enabled() bool { return e.enabled }

// Mode returns the configured enforcement mode.
func (e *Engine) Mode() Mode { return e.config.Mode }

func (e *Engine) loadPolicies() error {
	modules := make(map[string]string)

	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		return fmt.Errorf("no .rego files under %s", e.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query("data.aiengine.gating.decision")}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}
	e.prepared = &prepared

	e.logger.Info("policy bundle loaded",
		zap.Int("modules", len(modules)),
		zap.String("mode", string(e.config.Mode)))
	return nil
}

// Evaluate returns the gate's verdict for one action. In dry-run mode the
// real decision is logged and counted but an allow-all verdict is returned.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	open := Decision{Allow: true}
	if !e.enabled || e.prepared == nil {
		return open, nil
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if e.config.FailClosed {
			return Decision{Allow: false, Reason: "policy evaluation failed"}, fmt.Errorf("policy eval: %w", err)
		}
		e.logger.Warn("policy evaluation failed, allowing", zap.Error(err))
		return open, nil
	}

	decision := e.parseResults(results)
	metrics.PolicyDecisions.WithLabelValues(outcomeLabel(decision), string(e.config.Mode)).Inc()

	if e.config.Mode == ModeDryRun {
		if !decision.Allow || decision.RequireApproval {
			e.logger.Info("policy gate decision (dry-run, not applied)",
				zap.String("tool", input.Tool),
				zap.String("tenant_id", input.TenantID),
				zap.Bool("allow", decision.Allow),
				zap.Bool("require_approval", decision.RequireApproval),
				zap.String("reason", decision.Reason))
		}
		return open, nil
	}
	return decision, nil
}

func (e *Engine) parseResults(results rego.ResultSet) Decision {
	// No matching decision rule means the default-open stance.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true}
	}

	raw, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Allow: true}
	}

	d := Decision{Allow: true}
	if v, ok := raw["allow"].(bool); ok {
		d.Allow = v
	}
	if v, ok := raw["require_approval"].(bool); ok {
		d.RequireApproval = v
	}
	if v, ok := raw["reason"].(string); ok {
		d.Reason = v
	}
	return d
}

func outcomeLabel(d Decision) string {
	switch {
	case !d.Allow:
		return "deny"
	case d.RequireApproval:
		return "require_approval"
	default:
		return "allow"
	}
}
