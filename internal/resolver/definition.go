// Package resolver resolves effective agent definitions through the
// three-tier chain: per-user instance, shared template, built-in. It also
// owns instance mutation (soul appends, file customization) and template
// version upgrades.
package resolver

import (
	"errors"
	"strings"

	"github.com/stewardhq/steward/internal/store"
)

// Well-known file keys inside a definition bundle.
const (
	FileRole      = "role.md"
	FileBootstrap = "bootstrap.md"
	FileHeartbeat = "heartbeat.yaml"
)

var (
	// ErrAgentNotFound reports that no tier knows the agent name.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAccessDenied reports that the caller's identity does not satisfy
	// a built-in definition's access tags.
	ErrAccessDenied = errors.New("agent access denied")
)

// Kind identifies which tier a definition came from.
type Kind string

const (
	KindInstance Kind = "instance"
	KindTemplate Kind = "template"
	KindBuiltin  Kind = "builtin"
)

// Role classifies a caller for built-in access checks.
type Role string

const (
	RoleUser         Role = "user"
	RoleOperator     Role = "operator"
	RoleOrchestrator Role = "orchestrator"
)

// Caller identifies who is asking for a definition.
type Caller struct {
	UserID string
	Role   Role
}

// Built-in access tags.
const (
	TagOrchestratorOnly = "internal-orchestrator-only"
	TagOperatorOnly     = "operator-only"
)

// Definition is the resolved, effective content for one agent name. The
// three concrete kinds differ in ownership and mutability, not interface.
type Definition interface {
	Name() string
	Kind() Kind
	Files() map[string]string
	// SystemPrompt is the assembled role content handed to the
	// conversation engine.
	SystemPrompt() string
	// Bootstrap is the priming prompt used when a foreground thread is
	// spawned without an explicit pre-task.
	Bootstrap() string
	// Heartbeat parses the definition's schedule declaration block.
	// A definition without one yields an empty heartbeat.
	Heartbeat() (*Heartbeat, error)
}

// InstanceDefinition is a per-user mutable definition with a soul.
type InstanceDefinition struct {
	rec *store.Instance
}

func (d *InstanceDefinition) Name() string              { return d.rec.AgentName }
func (d *InstanceDefinition) Kind() Kind                { return KindInstance }
func (d *InstanceDefinition) Files() map[string]string  { return d.rec.Files }
func (d *InstanceDefinition) Bootstrap() string         { return d.rec.Files[FileBootstrap] }
func (d *InstanceDefinition) Heartbeat() (*Heartbeat, error) {
	return ParseHeartbeat([]byte(d.rec.Files[FileHeartbeat]))
}

// UserID returns the owning user.
func (d *InstanceDefinition) UserID() string { return d.rec.UserID }

// Soul returns the append-only memory log.
func (d *InstanceDefinition) Soul() string { return d.rec.Soul }

// Template returns the name of the template this instance was derived
// from, or empty for novel instances.
func (d *InstanceDefinition) Template() string { return d.rec.TemplateName }

// CustomizedFiles returns the file keys pinned against template upgrades.
func (d *InstanceDefinition) CustomizedFiles() map[string]bool { return d.rec.Customized }

// TemplateVersion returns the template version this instance was last
// upgraded to, or 0 for instances not derived from a template.
func (d *InstanceDefinition) TemplateVersion() int { return d.rec.TemplateVersion }

func (d *InstanceDefinition) SystemPrompt() string {
	prompt := d.rec.Files[FileRole]
	if soul := strings.TrimSpace(d.rec.Soul); soul != "" {
		prompt = prompt + "\n\n## Soul\n" + soul
	}
	return prompt
}

// TemplateDefinition is a shared, versioned definition. Users never run a
// template directly; Resolve materializes an instance first.
type TemplateDefinition struct {
	rec *store.Template
}

func (d *TemplateDefinition) Name() string             { return d.rec.Name }
func (d *TemplateDefinition) Kind() Kind               { return KindTemplate }
func (d *TemplateDefinition) Files() map[string]string { return d.rec.Files }
func (d *TemplateDefinition) SystemPrompt() string     { return d.rec.Files[FileRole] }
func (d *TemplateDefinition) Bootstrap() string        { return d.rec.Files[FileBootstrap] }
func (d *TemplateDefinition) Heartbeat() (*Heartbeat, error) {
	return ParseHeartbeat([]byte(d.rec.Files[FileHeartbeat]))
}

// Version returns the template version.
func (d *TemplateDefinition) Version() int { return d.rec.Version }

// BuiltinDefinition is a stateless, access-controlled service-level
// definition shipped with the binary.
type BuiltinDefinition struct {
	name       string
	files      map[string]string
	accessTags []string
}

func (d *BuiltinDefinition) Name() string             { return d.name }
func (d *BuiltinDefinition) Kind() Kind               { return KindBuiltin }
func (d *BuiltinDefinition) Files() map[string]string { return d.files }
func (d *BuiltinDefinition) SystemPrompt() string     { return d.files[FileRole] }
func (d *BuiltinDefinition) Bootstrap() string        { return d.files[FileBootstrap] }
func (d *BuiltinDefinition) Heartbeat() (*Heartbeat, error) {
	return ParseHeartbeat([]byte(d.files[FileHeartbeat]))
}

// AccessTags returns the caller-identity tags gating this built-in.
func (d *BuiltinDefinition) AccessTags() []string { return d.accessTags }

// allows reports whether the caller satisfies any access tag. A built-in
// with no tags is open to every caller.
func (d *BuiltinDefinition) allows(caller Caller) bool {
	if len(d.accessTags) == 0 {
		return true
	}
	for _, tag := range d.accessTags {
		switch tag {
		case TagOrchestratorOnly:
			if caller.Role == RoleOrchestrator {
				return true
			}
		case TagOperatorOnly:
			if caller.Role == RoleOperator {
				return true
			}
		}
	}
	return false
}
