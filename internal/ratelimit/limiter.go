package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouse-crm/openhouse/go/aiengine/internal/metrics"
)

// ExecutionCounter counts a tenant's executed tool calls inside a window.
// The store implementation excludes conversation: entries.
type ExecutionCounter interface {
	CountExecutionsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
}

// Config holds the per-tenant daily ceilings.
type Config struct {
	// DefaultDailyCeiling applies to tenants without an override. 0 or
	// negative disables limiting.
	DefaultDailyCeiling int
	// TenantOverrides maps tenant ID strings to tenant-specific ceilings.
	TenantOverrides map[string]int
}

// Limiter enforces the sliding 24-hour tenant ceiling. It is read-then-
// decide: concurrent bursts can overshoot slightly, which the design
// accepts in exchange for not needing a reservation scheme.
type Limiter struct {
	counter ExecutionCounter
	config  Config
	window  time.Duration
	logger  *zap.Logger
}

// NewLimiter creates a limiter over the execution log.
func NewLimiter(counter ExecutionCounter, config Config, logger *zap.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		config:  config,
		window:  24 * time.Hour,
		logger:  logger,
	}
}

// CeilingFor returns the effective daily ceiling for a tenant.
func (l *Limiter) CeilingFor(tenantID uuid.UUID) int {
	if c, ok := l.config.TenantOverrides[tenantID.String()]; ok {
		return c
	}
	return l.config.DefaultDailyCeiling
}

// IsOverLimit reports whether the tenant has already used up its daily
// execution budget. A counting failure fails open with a warning; the
// limiter is best-effort by design.
func (l *Limiter) IsOverLimit(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	ceiling := l.CeilingFor(tenantID)
	if ceiling <= 0 {
		return false, nil
	}

	n, err := l.counter.CountExecutionsSince(ctx, tenantID, time.Now().Add(-l.window))
	if err != nil {
		l.logger.Warn("rate limit count failed, allowing execution",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return false, err
	}

	if n >= ceiling {
		metrics.RateLimitRejections.Inc()
		l.logger.Info("tenant over daily action ceiling",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("count", n),
			zap.Int("ceiling", ceiling))
		return true, nil
	}
	return false, nil
}
