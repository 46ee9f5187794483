package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// ProposedAction is a structured action proposed by an AI employee. Status
// transitions are the only mutations; rows are never deleted.
type ProposedAction struct {
	ID               uuid.UUID  `db:"id"`
	TenantID         uuid.UUID  `db:"tenant_id"`
	InstanceID       uuid.UUID  `db:"instance_id"`
	SessionID        string     `db:"session_id"`
	ActionType       string     `db:"action_type"`
	Payload          JSONB      `db:"payload"`
	Status           string     `db:"status"`
	RequiresApproval bool       `db:"requires_approval"`
	DryRun           bool       `db:"dry_run"`
	ErrorMessage     *string    `db:"error_message"`
	ApprovedBy       *string    `db:"approved_by"`
	ExecutedAt       *time.Time `db:"executed_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// ExecutionLog is the append-only audit record of one attempted tool
// invocation. Conversational turns are logged with a reserved
// "conversation:" key prefix.
type ExecutionLog struct {
	ID           uuid.UUID  `db:"id"`
	TenantID     uuid.UUID  `db:"tenant_id"`
	InstanceID   uuid.UUID  `db:"instance_id"`
	ActionID     *uuid.UUID `db:"action_id"`
	ToolKey      string     `db:"tool_key"`
	Input        JSONB      `db:"input"`
	Output       JSONB      `db:"output"`
	Success      bool       `db:"success"`
	ErrorMessage *string    `db:"error_message"`
	CreatedAt    time.Time  `db:"created_at"`
}

// PersonaInstance is a configured AI employee belonging to one tenant.
// Never hard-deleted, only status-flipped.
type PersonaInstance struct {
	ID           uuid.UUID      `db:"id"`
	TenantID     uuid.UUID      `db:"tenant_id"`
	TemplateKey  string         `db:"template_key"`
	AutonomyMode string         `db:"autonomy_mode"`
	AllowedTools pq.StringArray `db:"allowed_tools"`
	Status       string         `db:"status"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// ActionUpdate carries the mutable fields of one action transition.
// ErrorMessage replaces the stored value outright (nil clears it);
// ApprovedBy and ExecutedAt are only written when non-nil.
type ActionUpdate struct {
	ErrorMessage *string
	ApprovedBy   *string
	ExecutedAt   *time.Time
}
