package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrNoRows is returned by lookups that match nothing.
var ErrNoRows = sql.ErrNoRows

// Store provides persistence for actions, execution logs and persona
// instances. Sessions live in Redis, not here.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a store over an open client.
func NewStore(client *Client, logger *zap.Logger) *Store {
	return &Store{db: client.DB(), logger: logger}
}

// NewStoreFromDB creates a store over a raw handle; used by tests.
func NewStoreFromDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// InsertAction persists a newly proposed action.
func (s *Store) InsertAction(ctx context.Context, a *ProposedAction) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO proposed_actions (
            id, tenant_id, instance_id, session_id, action_type, payload,
            status, requires_approval, dry_run, error_message, approved_by,
            executed_at, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    `, a.ID, a.TenantID, a.InstanceID, a.SessionID, a.ActionType, a.Payload,
		a.Status, a.RequiresApproval, a.DryRun, a.ErrorMessage, a.ApprovedBy,
		a.ExecutedAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// GetAction loads one action scoped to a tenant. Returns ErrNoRows on miss.
func (s *Store) GetAction(ctx context.Context, tenantID, actionID uuid.UUID) (*ProposedAction, error) {
	var a ProposedAction
	err := s.db.GetContext(ctx, &a, `
        SELECT * FROM proposed_actions WHERE id = $1 AND tenant_id = $2
    `, actionID, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// TransitionAction performs the status-guarded conditional update that gives
// action execution its exactly-once semantics. It returns true only when the
// row was in one of the from statuses and this call claimed the transition.
func (s *Store) TransitionAction(ctx context.Context, tenantID, actionID uuid.UUID, from []string, to string, upd ActionUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE proposed_actions
        SET status = $1,
            error_message = $2,
            approved_by = COALESCE($3, approved_by),
            executed_at = COALESCE($4, executed_at),
            updated_at = $5
        WHERE id = $6 AND tenant_id = $7 AND status = ANY($8)
    `, to, upd.ErrorMessage, upd.ApprovedBy, upd.ExecutedAt, time.Now(),
		actionID, tenantID, pq.Array(from))
	if err != nil {
		return false, fmt.Errorf("transition action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition action rows: %w", err)
	}
	return n > 0, nil
}

// ListActions returns a tenant's actions, optionally filtered by status,
// most recent first.
func (s *Store) ListActions(ctx context.Context, tenantID uuid.UUID, status string, limit int) ([]ProposedAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []ProposedAction
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &out, `
            SELECT * FROM proposed_actions
            WHERE tenant_id = $1
            ORDER BY created_at DESC LIMIT $2
        `, tenantID, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
            SELECT * FROM proposed_actions
            WHERE tenant_id = $1 AND status = $2
            ORDER BY created_at DESC LIMIT $3
        `, tenantID, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

// InsertExecutionLog appends one audit row. Rows are immutable.
func (s *Store) InsertExecutionLog(ctx context.Context, e *ExecutionLog) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO execution_logs (
            id, tenant_id, instance_id, action_id, tool_key, input, output,
            success, error_message, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    `, e.ID, e.TenantID, e.InstanceID, e.ActionID, e.ToolKey, e.Input,
		e.Output, e.Success, e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

// LatestSuccessLog returns the most recent successful execution row for an
// action; retried runs resolve to the newest one. ErrNoRows on miss.
func (s *Store) LatestSuccessLog(ctx context.Context, actionID uuid.UUID) (*ExecutionLog, error) {
	var e ExecutionLog
	err := s.db.GetContext(ctx, &e, `
        SELECT * FROM execution_logs
        WHERE action_id = $1 AND success = true
        ORDER BY created_at DESC LIMIT 1
    `, actionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("latest success log: %w", err)
	}
	return &e, nil
}

// CountExecutionsSince counts a tenant's executed tool calls in the window,
// excluding conversational turns. Feeds the daily ceiling check.
func (s *Store) CountExecutionsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
        SELECT COUNT(*) FROM execution_logs
        WHERE tenant_id = $1 AND created_at >= $2
          AND tool_key NOT LIKE 'conversation:%'
    `, tenantID, since)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// GetInstance loads a persona instance scoped to a tenant.
func (s *Store) GetInstance(ctx context.Context, tenantID, instanceID uuid.UUID) (*PersonaInstance, error) {
	var p PersonaInstance
	err := s.db.GetContext(ctx, &p, `
        SELECT * FROM persona_instances WHERE id = $1 AND tenant_id = $2
    `, instanceID, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &p, nil
}

// FindActiveInstance resolves the active instance of a persona template in a
// tenant. ErrNoRows when the tenant has none.
func (s *Store) FindActiveInstance(ctx context.Context, tenantID uuid.UUID, templateKey string) (*PersonaInstance, error) {
	var p PersonaInstance
	err := s.db.GetContext(ctx, &p, `
        SELECT * FROM persona_instances
        WHERE tenant_id = $1 AND template_key = $2 AND status = 'active'
        LIMIT 1
    `, tenantID, templateKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("find active instance: %w", err)
	}
	return &p, nil
}

// ListInstances returns all of a tenant's persona instances.
func (s *Store) ListInstances(ctx context.Context, tenantID uuid.UUID) ([]PersonaInstance, error) {
	var out []PersonaInstance
	err := s.db.SelectContext(ctx, &out, `
        SELECT * FROM persona_instances WHERE tenant_id = $1 ORDER BY template_key
    `, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// EnsureInstance creates the tenant's instance of a template if it does not
// exist yet. Idempotent; provisioning calls it once per active template.
func (s *Store) EnsureInstance(ctx context.Context, tenantID uuid.UUID, templateKey, autonomyMode string, allowedTools []string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO persona_instances (
            id, tenant_id, template_key, autonomy_mode, allowed_tools, status,
            created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,'active',$6,$6)
        ON CONFLICT (tenant_id, template_key) DO NOTHING
    `, uuid.New(), tenantID, templateKey, autonomyMode, pq.Array(allowedTools), now)
	if err != nil {
		return fmt.Errorf("ensure instance: %w", err)
	}
	return nil
}

// UpdateInstanceAutonomy changes an instance's autonomy mode. Returns false
// when the instance does not exist in the tenant.
func (s *Store) UpdateInstanceAutonomy(ctx context.Context, tenantID, instanceID uuid.UUID, mode string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE persona_instances SET autonomy_mode = $1, updated_at = $2
        WHERE id = $3 AND tenant_id = $4
    `, mode, time.Now(), instanceID, tenantID)
	if err != nil {
		return false, fmt.Errorf("update instance autonomy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetInstanceStatus flips an instance between active, inactive and deleted.
func (s *Store) SetInstanceStatus(ctx context.Context, tenantID, instanceID uuid.UUID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE persona_instances SET status = $1, updated_at = $2
        WHERE id = $3 AND tenant_id = $4
    `, status, time.Now(), instanceID, tenantID)
	if err != nil {
		return false, fmt.Errorf("set instance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
