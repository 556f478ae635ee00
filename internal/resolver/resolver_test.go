package resolver

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stewardhq/steward/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "resolver.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func putTemplate(t *testing.T, st *store.Store, name string, version int, files map[string]string) {
	t.Helper()
	if err := st.PutTemplate(&store.Template{Name: name, Version: version, Files: files}); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
}

func userCaller(userID string) Caller {
	return Caller{UserID: userID, Role: RoleUser}
}

func TestResolve_InstanceWinsOverTemplate(t *testing.T) {
	st := newTestStore(t)
	putTemplate(t, st, "cos", 1, map[string]string{FileRole: "template role"})
	err := st.InsertInstance(&store.Instance{
		UserID:    "ada",
		AgentName: "cos",
		Files:     map[string]string{FileRole: "instance role"},
	})
	if err != nil {
		t.Fatalf("InsertInstance: %v", err)
	}

	r := New(st, nil)
	def, err := r.Resolve("ada", "cos", userCaller("ada"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if def.Kind() != KindInstance {
		t.Fatalf("kind = %s, want instance", def.Kind())
	}
	if def.Files()[FileRole] != "instance role" {
		t.Fatal("template shadowed the existing instance")
	}
}

func TestResolve_MaterializesTemplateOnce(t *testing.T) {
	st := newTestStore(t)
	putTemplate(t, st, "cos", 3, map[string]string{FileRole: "be helpful"})
	r := New(st, nil)

	def, err := r.Resolve("ada", "cos", userCaller("ada"))
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	inst, ok := def.(*InstanceDefinition)
	if !ok {
		t.Fatalf("expected an instance, got %T", def)
	}
	if inst.Soul() != "" {
		t.Fatalf("fresh instance has soul %q", inst.Soul())
	}
	if inst.TemplateVersion() != 3 {
		t.Fatalf("template version = %d, want 3", inst.TemplateVersion())
	}

	// Customize, then resolve again: the same instance returns, not a
	// fresh copy of the template.
	if err := r.AppendSoul("ada", "cos", "- remembers things\n"); err != nil {
		t.Fatalf("AppendSoul: %v", err)
	}
	def2, err := r.Resolve("ada", "cos", userCaller("ada"))
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if def2.(*InstanceDefinition).Soul() == "" {
		t.Fatal("second resolve re-materialized instead of returning the instance")
	}

	// Another user gets their own copy with an empty soul.
	defBob, err := r.Resolve("bob", "cos", userCaller("bob"))
	if err != nil {
		t.Fatalf("bob Resolve: %v", err)
	}
	if defBob.(*InstanceDefinition).Soul() != "" {
		t.Fatal("soul leaked across users")
	}
}

func TestResolve_BuiltinAccessTags(t *testing.T) {
	st := newTestStore(t)
	builtins := map[string]*BuiltinDefinition{
		"triage": NewBuiltin("triage",
			map[string]string{FileRole: "triage notifications"},
			[]string{TagOrchestratorOnly}),
		"helper": NewBuiltin("helper",
			map[string]string{FileRole: "open to all"}, nil),
	}
	r := New(st, builtins)

	if _, err := r.Resolve("ada", "triage", userCaller("ada")); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("user reached an orchestrator-only builtin: %v", err)
	}
	orch := Caller{UserID: "ada", Role: RoleOrchestrator}
	if _, err := r.Resolve("ada", "triage", orch); err != nil {
		t.Fatalf("orchestrator denied: %v", err)
	}
	if _, err := r.Resolve("ada", "helper", userCaller("ada")); err != nil {
		t.Fatalf("untagged builtin denied: %v", err)
	}
	// Built-ins are never materialized.
	inst, err := st.GetInstance("ada", "helper")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst != nil {
		t.Fatal("builtin was copied into an instance")
	}
}

func TestResolve_UnknownAgent(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil)
	if _, err := r.Resolve("ada", "ghost", userCaller("ada")); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestSystemPrompt_IncludesSoul(t *testing.T) {
	st := newTestStore(t)
	putTemplate(t, st, "cos", 1, map[string]string{FileRole: "# Chief of staff"})
	r := New(st, nil)
	if _, err := r.Resolve("ada", "cos", userCaller("ada")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.AppendSoul("ada", "cos", "- ada runs before work\n"); err != nil {
		t.Fatalf("AppendSoul: %v", err)
	}
	def, err := r.Resolve("ada", "cos", userCaller("ada"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	prompt := def.SystemPrompt()
	if !strings.Contains(prompt, "# Chief of staff") || !strings.Contains(prompt, "ada runs before work") {
		t.Fatalf("system prompt missing role or soul:\n%s", prompt)
	}
}

func TestUpgradeTemplate_PreservesCustomizedFiles(t *testing.T) {
	st := newTestStore(t)
	putTemplate(t, st, "cos", 1, map[string]string{
		FileRole:      "role v1",
		FileBootstrap: "bootstrap v1",
	})
	r := New(st, nil)
	if _, err := r.Resolve("ada", "cos", userCaller("ada")); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := r.AppendSoul("ada", "cos", "- precious memory\n"); err != nil {
		t.Fatalf("AppendSoul: %v", err)
	}
	if err := r.UpdateFile("ada", "cos", FileBootstrap, "ada's own bootstrap"); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	err := r.UpgradeTemplate("cos", 2, map[string]string{
		FileRole:      "role v2",
		FileBootstrap: "bootstrap v2",
	})
	if err != nil {
		t.Fatalf("UpgradeTemplate: %v", err)
	}

	inst, err := st.GetInstance("ada", "cos")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Files[FileRole] != "role v2" {
		t.Fatalf("non-customized file not upgraded: %q", inst.Files[FileRole])
	}
	if inst.Files[FileBootstrap] != "ada's own bootstrap" {
		t.Fatalf("customized file overwritten: %q", inst.Files[FileBootstrap])
	}
	if inst.Soul != "- precious memory\n" {
		t.Fatalf("soul touched by upgrade: %q", inst.Soul)
	}
	if inst.TemplateVersion != 2 {
		t.Fatalf("template version = %d, want 2", inst.TemplateVersion)
	}
}

func TestUpgradeTemplate_RejectsStaleVersion(t *testing.T) {
	st := newTestStore(t)
	putTemplate(t, st, "cos", 5, map[string]string{FileRole: "v5"})
	r := New(st, nil)
	if err := r.UpgradeTemplate("cos", 5, map[string]string{FileRole: "v5 again"}); err == nil {
		t.Fatal("expected rejection of non-newer version")
	}
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	st := newTestStore(t)
	r := New(st, nil)
	files := map[string]string{FileRole: "novel"}
	if err := r.Create("ada", "scribe", files, "test"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create("ada", "scribe", files, "test"); err == nil {
		t.Fatal("duplicate create succeeded")
	}
}

func TestLoadBuiltins_EmbeddedDefinitions(t *testing.T) {
	builtins, err := LoadBuiltins()
	if err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	triage, ok := builtins["triage"]
	if !ok {
		t.Fatal("triage builtin missing")
	}
	if !triage.allows(Caller{UserID: "x", Role: RoleOrchestrator}) {
		t.Fatal("triage should allow the orchestrator")
	}
	if triage.allows(Caller{UserID: "x", Role: RoleUser}) {
		t.Fatal("triage should not allow plain users")
	}
}

func TestEnsureSeedTemplates_CreatesAndKeeps(t *testing.T) {
	st := newTestStore(t)
	if err := EnsureSeedTemplates(st); err != nil {
		t.Fatalf("EnsureSeedTemplates: %v", err)
	}
	tpl, err := st.GetTemplate("cos")
	if err != nil || tpl == nil {
		t.Fatalf("cos template not seeded: %v", err)
	}
	if tpl.Files[FileRole] == "" {
		t.Fatal("seeded template has no role file")
	}

	// Seeding again must not clobber an existing template.
	if err := st.PutTemplate(&store.Template{Name: "cos", Version: 9, Files: tpl.Files}); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	if err := EnsureSeedTemplates(st); err != nil {
		t.Fatalf("second EnsureSeedTemplates: %v", err)
	}
	tpl, _ = st.GetTemplate("cos")
	if tpl.Version != 9 {
		t.Fatalf("seed pass downgraded template to version %d", tpl.Version)
	}
}
