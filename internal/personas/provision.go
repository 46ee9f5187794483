package personas

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InstanceStore is the persistence surface provisioning needs.
type InstanceStore interface {
	EnsureInstance(ctx context.Context, tenantID uuid.UUID, templateKey, autonomyMode string, allowedTools []string) error
}

// Provisioner stamps tenant instances from the template catalog.
type Provisioner struct {
	catalog *Catalog
	store   InstanceStore
	logger  *zap.Logger
}

// NewProvisioner creates a provisioner.
func NewProvisioner(catalog *Catalog, store InstanceStore, logger *zap.Logger) *Provisioner {
	return &Provisioner{catalog: catalog, store: store, logger: logger}
}

// EnsureTenantInstances creates one instance per active template for the
// tenant. Idempotent: existing instances, including ones an admin already
// tuned, are left untouched.
func (p *Provisioner) EnsureTenantInstances(ctx context.Context, tenantID uuid.UUID) error {
	for _, t := range p.catalog.ActiveTemplates() {
		if err := p.store.EnsureInstance(ctx, tenantID, t.Key, t.AutonomyDefault, t.Tools); err != nil {
			return fmt.Errorf("provision %s: %w", t.Key, err)
		}
	}
	p.logger.Info("tenant persona instances ensured",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("templates", len(p.catalog.ActiveTemplates())))
	return nil
}
