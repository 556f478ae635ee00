package resolver

import (
	"embed"
	"fmt"
	"io/fs"

	"log/slog"

	"github.com/stewardhq/steward/internal/store"
	"gopkg.in/yaml.v2"
)

//go:embed defs/builtins/*.yaml
var builtinFS embed.FS

//go:embed defs/templates/*.yaml
var templateFS embed.FS

// defDoc is the on-disk layout for embedded definitions.
type defDoc struct {
	Name    string            `yaml:"name"`
	Version int               `yaml:"version"`
	Access  []string          `yaml:"access"`
	Files   map[string]string `yaml:"files"`
}

// LoadBuiltins parses the embedded built-in definitions. A malformed
// access tag is a configuration error surfaced here, at startup, never
// deferred to a per-call failure.
func LoadBuiltins() (map[string]*BuiltinDefinition, error) {
	entries, err := fs.ReadDir(builtinFS, "defs/builtins")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*BuiltinDefinition, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("defs/builtins/" + entry.Name())
		if err != nil {
			return nil, err
		}
		var doc defDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("builtin %s: %w", entry.Name(), err)
		}
		if doc.Name == "" {
			return nil, fmt.Errorf("builtin %s: missing name", entry.Name())
		}
		for _, tag := range doc.Access {
			switch tag {
			case TagOrchestratorOnly, TagOperatorOnly:
			default:
				return nil, fmt.Errorf("builtin %s: unknown access tag %q", doc.Name, tag)
			}
		}
		if _, dup := out[doc.Name]; dup {
			return nil, fmt.Errorf("builtin %s: duplicate definition", doc.Name)
		}
		out[doc.Name] = &BuiltinDefinition{
			name:       doc.Name,
			files:      doc.Files,
			accessTags: doc.Access,
		}
	}
	return out, nil
}

// NewBuiltin constructs a built-in definition directly. Intended for tests;
// production built-ins ship embedded in the binary.
func NewBuiltin(name string, files map[string]string, accessTags []string) *BuiltinDefinition {
	return &BuiltinDefinition{name: name, files: files, accessTags: accessTags}
}

// EnsureSeedTemplates inserts the embedded templates that are not yet in
// the store. Existing templates are never touched here: version upgrades
// go through UpgradeTemplate so customized instance files survive.
func EnsureSeedTemplates(st *store.Store) error {
	entries, err := fs.ReadDir(templateFS, "defs/templates")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		data, err := templateFS.ReadFile("defs/templates/" + entry.Name())
		if err != nil {
			return err
		}
		var doc defDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		if doc.Name == "" {
			return fmt.Errorf("template %s: missing name", entry.Name())
		}
		if doc.Version <= 0 {
			doc.Version = 1
		}
		existing, err := st.GetTemplate(doc.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := st.PutTemplate(&store.Template{
			Name:    doc.Name,
			Version: doc.Version,
			Files:   doc.Files,
		}); err != nil {
			return err
		}
		slog.Info("Seed template installed", "template", doc.Name, "version", doc.Version)
	}
	return nil
}
