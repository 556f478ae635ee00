package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keysetFileName = "keyset.json"
	keyringService = "steward.vault"
	keyringUser    = "keyset"
)

// keysetDoc is the persisted keyset layout.
type keysetDoc struct {
	Version string         `json:"version"`
	Current int            `json:"current"`
	Keys    map[string]string `json:"keys"`
}

// Keyset holds the vault's versioned 32-byte AES master keys. Old versions
// stay loadable so rows sealed under them can be opened and lazily resealed.
type Keyset struct {
	keys    map[int][]byte
	current int

	// persist writes the keyset back to its backend after a rotation.
	// Nil for keysets built directly from raw keys (tests).
	persist func(*Keyset) error
}

// NewKeysetFromKeys builds a keyset from raw keys. Used by tests and by
// callers that manage key material themselves.
func NewKeysetFromKeys(keys map[int][]byte, current int) (*Keyset, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyset: no keys")
	}
	if _, ok := keys[current]; !ok {
		return nil, fmt.Errorf("keyset: current version %d missing", current)
	}
	for v, k := range keys {
		if len(k) != 32 {
			return nil, fmt.Errorf("keyset: key version %d has length %d, want 32", v, len(k))
		}
	}
	copied := make(map[int][]byte, len(keys))
	for v, k := range keys {
		copied[v] = append([]byte(nil), k...)
	}
	return &Keyset{keys: copied, current: current}, nil
}

// LoadOrCreateKeyset loads the vault keyset, creating a fresh single-key
// keyset on first use. Priority: STEWARD_VAULT_KEYSET env (inline JSON),
// then the configured backend (keyring or key file).
func LoadOrCreateKeyset(backend, fileDir string) (*Keyset, error) {
	if raw := strings.TrimSpace(os.Getenv("STEWARD_VAULT_KEYSET")); raw != "" {
		ks, err := decodeKeyset([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid STEWARD_VAULT_KEYSET: %w", err)
		}
		// Env-provided keysets are read-only; rotation is refused.
		ks.persist = func(*Keyset) error {
			return fmt.Errorf("keyset: cannot rotate an env-provided keyset")
		}
		return ks, nil
	}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "keyring":
		return loadOrCreateKeyringKeyset()
	case "", "file":
		return loadOrCreateFileKeyset(fileDir)
	case "auto":
		if ks, err := loadOrCreateKeyringKeyset(); err == nil {
			return ks, nil
		}
		return loadOrCreateFileKeyset(fileDir)
	default:
		return nil, fmt.Errorf("keyset: unknown backend %q", backend)
	}
}

// CurrentVersion returns the active key version.
func (k *Keyset) CurrentVersion() int {
	return k.current
}

// Key returns the key for a version, or false when the version is unknown.
func (k *Keyset) Key(version int) ([]byte, bool) {
	key, ok := k.keys[version]
	return key, ok
}

// Rotate generates a new key, makes it current, and persists the keyset.
// Old versions are retained for lazy re-encryption on read.
func (k *Keyset) Rotate() (int, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, err
	}
	next := k.current + 1
	k.keys[next] = key
	k.current = next
	if k.persist != nil {
		if err := k.persist(k); err != nil {
			return 0, fmt.Errorf("keyset: persist after rotation: %w", err)
		}
	}
	return next, nil
}

// Versions returns all known key versions, ascending.
func (k *Keyset) Versions() []int {
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (k *Keyset) encode() ([]byte, error) {
	doc := keysetDoc{
		Version: "v1",
		Current: k.current,
		Keys:    make(map[string]string, len(k.keys)),
	}
	for v, key := range k.keys {
		doc.Keys[strconv.Itoa(v)] = base64.RawStdEncoding.EncodeToString(key)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeKeyset(data []byte) (*Keyset, error) {
	var doc keysetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version != "" && doc.Version != "v1" {
		return nil, fmt.Errorf("unsupported keyset version %q", doc.Version)
	}
	keys := make(map[int][]byte, len(doc.Keys))
	for raw, encoded := range doc.Keys {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid key version %q", raw)
		}
		key, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("decode key version %d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("key version %d has length %d, want 32", v, len(key))
		}
		keys[v] = key
	}
	return NewKeysetFromKeys(keys, doc.Current)
}

func freshKeyset() (*Keyset, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewKeysetFromKeys(map[int][]byte{1: key}, 1)
}

func loadOrCreateFileKeyset(dir string) (*Keyset, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, keysetFileName)

	persist := func(ks *Keyset) error {
		data, err := ks.encode()
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o600)
	}

	if data, err := os.ReadFile(path); err == nil {
		ks, decErr := decodeKeyset(data)
		if decErr != nil {
			return nil, fmt.Errorf("keyset file %s: %w", path, decErr)
		}
		ks.persist = persist
		return ks, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	ks, err := freshKeyset()
	if err != nil {
		return nil, err
	}
	ks.persist = persist
	if err := persist(ks); err != nil {
		return nil, err
	}
	return ks, nil
}

func loadOrCreateKeyringKeyset() (*Keyset, error) {
	persist := func(ks *Keyset) error {
		data, err := ks.encode()
		if err != nil {
			return err
		}
		return keyring.Set(keyringService, keyringUser, string(data))
	}

	if raw, err := keyring.Get(keyringService, keyringUser); err == nil {
		ks, decErr := decodeKeyset([]byte(raw))
		if decErr != nil {
			return nil, fmt.Errorf("keyring keyset: %w", decErr)
		}
		ks.persist = persist
		return ks, nil
	}

	ks, err := freshKeyset()
	if err != nil {
		return nil, err
	}
	ks.persist = persist
	if err := persist(ks); err != nil {
		return nil, err
	}
	return ks, nil
}
