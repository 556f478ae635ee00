package resolver

import (
	"fmt"
	"log/slog"

	"github.com/stewardhq/steward/internal/store"
)

// Resolver resolves agent names to effective definitions.
type Resolver struct {
	store    *store.Store
	builtins map[string]*BuiltinDefinition
}

// New creates a Resolver. Built-ins come from LoadBuiltins; a nil map is
// valid and simply disables the third tier.
func New(st *store.Store, builtins map[string]*BuiltinDefinition) *Resolver {
	if builtins == nil {
		builtins = map[string]*BuiltinDefinition{}
	}
	return &Resolver{store: st, builtins: builtins}
}

// Resolve walks the three-tier chain for (userID, agentName):
//  1. an active per-user instance wins;
//  2. else a template of that name is materialized into a fresh instance
//     (empty soul, no customized files) and returned;
//  3. else a built-in of that name is returned after an access-tag check;
//     built-ins are stateless and never copied per user;
//  4. else ErrAgentNotFound.
func (r *Resolver) Resolve(userID, agentName string, caller Caller) (Definition, error) {
	inst, err := r.store.GetInstance(userID, agentName)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return &InstanceDefinition{rec: inst}, nil
	}

	tpl, err := r.store.GetTemplate(agentName)
	if err != nil {
		return nil, err
	}
	if tpl != nil {
		return r.materialize(userID, tpl)
	}

	if builtin, ok := r.builtins[agentName]; ok {
		if !builtin.allows(caller) {
			return nil, fmt.Errorf("%w: %s requires %v, caller role %s",
				ErrAccessDenied, agentName, builtin.AccessTags(), caller.Role)
		}
		return builtin, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentName)
}

// materialize copies a template into a new instance for the user. The
// insert is idempotent on the primary key, so a concurrent first use still
// produces exactly one instance row.
func (r *Resolver) materialize(userID string, tpl *store.Template) (Definition, error) {
	files := make(map[string]string, len(tpl.Files))
	for k, v := range tpl.Files {
		files[k] = v
	}
	rec := &store.Instance{
		UserID:          userID,
		AgentName:       tpl.Name,
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		Files:           files,
		Customized:      map[string]bool{},
	}
	if err := r.store.InsertInstance(rec); err != nil {
		return nil, err
	}
	// Re-read so a lost materialization race returns the winning row.
	inst, err := r.store.GetInstance(userID, tpl.Name)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("materialize %s for %s: instance vanished", tpl.Name, userID)
	}
	slog.Info("Agent instance materialized", "user", userID, "agent", tpl.Name, "template_version", tpl.Version)
	return &InstanceDefinition{rec: inst}, nil
}

// AppendSoul strictly appends text to an instance's soul.
func (r *Resolver) AppendSoul(userID, agentName, text string) error {
	return r.store.AppendSoul(userID, agentName, text)
}

// UpdateFile writes a file into an instance bundle and marks the key
// customized, pinning it against future template upgrades.
func (r *Resolver) UpdateFile(userID, agentName, fileKey, content string) error {
	return r.store.UpsertInstanceFile(userID, agentName, fileKey, content, true)
}

// Create inserts a brand-new instance not derived from any template. Used
// when the orchestrator defines a novel agent at a user's request.
func (r *Resolver) Create(userID, agentName string, files map[string]string, createdBy string) error {
	existing, err := r.store.GetInstance(userID, agentName)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("create agent %s for %s: already exists", agentName, userID)
	}
	return r.store.InsertInstance(&store.Instance{
		UserID:     userID,
		AgentName:  agentName,
		CreatedBy:  createdBy,
		Files:      files,
		Customized: map[string]bool{},
	})
}

// UpgradeTemplate publishes a new template version and upgrades every
// derived instance: files absent from an instance's customized set are
// overwritten, customized files are left untouched, and the soul is never
// part of an upgrade.
func (r *Resolver) UpgradeTemplate(name string, version int, files map[string]string) error {
	current, err := r.store.GetTemplate(name)
	if err != nil {
		return err
	}
	if current != nil && version <= current.Version {
		return fmt.Errorf("upgrade template %s: version %d is not newer than %d", name, version, current.Version)
	}
	if err := r.store.PutTemplate(&store.Template{Name: name, Version: version, Files: files}); err != nil {
		return err
	}

	instances, err := r.store.ListInstancesByTemplate(name)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		for key, content := range files {
			if inst.Customized[key] {
				continue
			}
			if err := r.store.UpsertInstanceFile(inst.UserID, inst.AgentName, key, content, false); err != nil {
				return err
			}
		}
		if err := r.store.SetInstanceTemplateVersion(inst.UserID, inst.AgentName, version); err != nil {
			return err
		}
		slog.Info("Agent instance upgraded", "user", inst.UserID, "agent", inst.AgentName, "template_version", version)
	}
	return nil
}

// Instances returns the user's materialized definitions, used by the
// scheduler's sync pass.
func (r *Resolver) Instances(userID string) ([]*InstanceDefinition, error) {
	recs, err := r.store.ListInstances(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*InstanceDefinition, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &InstanceDefinition{rec: rec})
	}
	return out, nil
}

// Builtins returns the built-in definitions keyed by name.
func (r *Resolver) Builtins() map[string]*BuiltinDefinition {
	return r.builtins
}
