package personas

// Autonomy modes controlling default approval requirements.
const (
	AutonomySuggestOnly      = "suggest-only"
	AutonomyRequiresApproval = "requires-approval"
	AutonomyAutoRun          = "auto-run"
)

// Instance statuses. Instances are never hard-deleted.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDeleted  = "deleted"
)

// ValidAutonomyMode reports whether s names a known autonomy mode.
func ValidAutonomyMode(s string) bool {
	switch s {
	case AutonomySuggestOnly, AutonomyRequiresApproval, AutonomyAutoRun:
		return true
	}
	return false
}

// Template defines one AI employee persona as shipped in the catalog file.
// Tenant provisioning stamps an instance per active template.
type Template struct {
	Key             string   `yaml:"key" json:"key"`
	DisplayName     string   `yaml:"display_name" json:"display_name"`
	Description     string   `yaml:"description" json:"description"`
	SystemPrompt    string   `yaml:"system_prompt" json:"system_prompt"`
	AutonomyDefault string   `yaml:"autonomy_default" json:"autonomy_default"`
	Tools           []string `yaml:"tools" json:"tools"`
	Active          bool     `yaml:"active" json:"active"`
}
