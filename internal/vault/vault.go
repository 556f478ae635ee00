// Package vault encrypts per-user, per-service secrets at rest with
// AES-256-GCM under a versioned master keyset. It is the only component
// that sees plaintext secret material; callers get a decrypt-use-discard
// payload and nothing else.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/store"
)

// OperatorUserID is the reserved tenant that owns operator-shared keys.
const OperatorUserID = "operator"

// llmServicePrefix namespaces LLM provider credentials inside the vault.
const llmServicePrefix = "llm."

var (
	// ErrCredentialNotFound reports that no credential is stored for the
	// (user, service) pair.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialDecrypt reports that a stored payload could not be
	// authenticated and opened.
	ErrCredentialDecrypt = errors.New("credential decrypt failed")
	// ErrNoLLMKey reports that BYOK resolution found neither a user key
	// nor a permitted operator fallback. Fail closed.
	ErrNoLLMKey = errors.New("no LLM key configured")
)

// sealedBlob is the stored envelope around one encrypted payload.
type sealedBlob struct {
	Version    string `json:"version"`
	KeyVersion int    `json:"key_version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault is the credential vault.
type Vault struct {
	store *store.Store
	keys  *Keyset
}

// New creates a Vault over the given store and keyset.
func New(st *store.Store, keys *Keyset) *Vault {
	return &Vault{store: st, keys: keys}
}

// Put upserts a secret for (userID, service), sealed under the current key.
func (v *Vault) Put(userID, service string, payload []byte, scopes string, expiresAt *time.Time) error {
	sealed, keyVersion, err := v.seal(userID, service, payload)
	if err != nil {
		return err
	}
	return v.store.PutCredentialRow(&store.CredentialRow{
		UserID:     userID,
		Service:    service,
		Payload:    sealed,
		KeyVersion: keyVersion,
		Scopes:     scopes,
		ExpiresAt:  expiresAt,
	})
}

// Get decrypts and returns the secret for (userID, service). When the row
// was sealed under a retired key version it is transparently resealed under
// the current key before the plaintext is returned; rotation is lazy and
// read-driven, never a bulk migration.
func (v *Vault) Get(userID, service string) ([]byte, error) {
	row, err := v.store.GetCredentialRow(userID, service)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, userID, service)
	}

	plain, err := v.open(userID, service, row.Payload)
	if err != nil {
		return nil, err
	}

	if row.KeyVersion != v.keys.CurrentVersion() {
		resealed, keyVersion, sealErr := v.seal(userID, service, plain)
		if sealErr == nil {
			if upErr := v.store.UpdateCredentialPayload(userID, service, resealed, keyVersion); upErr == nil {
				slog.Info("Credential resealed under current key",
					"user", userID, "service", service, "from", row.KeyVersion, "to", keyVersion)
			}
		}
	}
	return plain, nil
}

// Delete removes a secret. Returns true when one existed.
func (v *Vault) Delete(userID, service string) (bool, error) {
	return v.store.DeleteCredential(userID, service)
}

// ListServices returns the services a user has secrets for.
func (v *Vault) ListServices(userID string) ([]string, error) {
	return v.store.ListCredentialServices(userID)
}

// Rotate activates a freshly generated master key. Existing rows reseal
// lazily on their next Get.
func (v *Vault) Rotate() (int, error) {
	return v.keys.Rotate()
}

// ResolveLLMKey performs BYOK resolution for an LLM provider credential:
// the user's own stored key wins; a user flagged allow_operator_llm falls
// back to the operator-owned key; everyone else gets ErrNoLLMKey. Another
// user's key is never a fallback.
func (v *Vault) ResolveLLMKey(userID, provider string) ([]byte, error) {
	service := llmServicePrefix + strings.ToLower(provider)

	key, err := v.Get(userID, service)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrCredentialNotFound) {
		return nil, err
	}

	allowed, err := v.store.AllowOperatorLLM(userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: user %s, provider %s", ErrNoLLMKey, userID, provider)
	}

	key, err = v.Get(OperatorUserID, service)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, fmt.Errorf("%w: user %s, provider %s (operator key absent)", ErrNoLLMKey, userID, provider)
	}
	return key, err
}

// seal encrypts plaintext under the current key with an AAD binding the
// payload to its owning (user, service) pair.
func (v *Vault) seal(userID, service string, plain []byte) ([]byte, int, error) {
	keyVersion := v.keys.CurrentVersion()
	key, ok := v.keys.Key(keyVersion)
	if !ok {
		return nil, 0, fmt.Errorf("vault: current key version %d missing", keyVersion)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, err
	}
	ciphertext := gcm.Seal(nil, nonce, plain, aad(userID, service))
	blob := sealedBlob{
		Version:    "v1",
		KeyVersion: keyVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return nil, 0, err
	}
	return data, keyVersion, nil
}

func (v *Vault) open(userID, service string, sealed []byte) ([]byte, error) {
	var blob sealedBlob
	if err := json.Unmarshal(sealed, &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrCredentialDecrypt, err)
	}
	if blob.Version != "v1" {
		return nil, fmt.Errorf("%w: unsupported envelope version %q", ErrCredentialDecrypt, blob.Version)
	}
	key, ok := v.keys.Key(blob.KeyVersion)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrCredentialDecrypt, blob.KeyVersion)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(blob.Nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(blob.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, aad(userID, service))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCredentialDecrypt, userID, service)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func aad(userID, service string) []byte {
	return []byte("steward-credential-v1|" + userID + "|" + service)
}
