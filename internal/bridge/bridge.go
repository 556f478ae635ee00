// Package bridge maintains per-user sessions against the external tool
// servers. Each session clones the base server set and injects exactly one
// user's decrypted credentials as connection headers; sessions are never
// shared across users and are replaced, not mutated, when credentials
// change.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/vault"
)

// ErrBridgeConnection reports that a specific tool server could not be
// reached. It scopes to that server only; the rest of the bridge stays up.
var ErrBridgeConnection = errors.New("tool server unreachable")

// CredentialSource decrypts a user's credential for a service. Satisfied
// by *vault.Vault; tests substitute a call-logging double.
type CredentialSource interface {
	Get(userID, service string) ([]byte, error)
}

// ServerConfig describes one external tool server in the base set.
type ServerConfig struct {
	Name string `json:"name"`
	// Address is the tool server endpoint.
	Address string `json:"address"`
	// CredentialService is the vault service name holding this server's
	// per-user credential.
	CredentialService string `json:"credentialService"`
	// Header is the header the credential is injected under. Empty means
	// a bearer Authorization header.
	Header string `json:"header,omitempty"`
}

// Connection is the wire-level contract handed to the conversation engine:
// where to reach a tool server and which headers carry the acting identity.
type Connection struct {
	Server  string            `json:"server"`
	Address string            `json:"address"`
	Headers map[string]string `json:"headers"`
}

// Session is one user's live tool-server context. Immutable after
// construction, so concurrent invocations for the same user can share it
// without coordination.
type Session struct {
	userID      string
	conns       []*conn
	unavailable map[string]string
	createdAt   time.Time

	mu     sync.Mutex
	closed bool
}

type conn struct {
	name    string
	address string
	headers map[string]string
	tools   []Tool
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// Connections returns the {address, headers} pairs for every connected
// server. Headers include the injected credential; callers hand these to
// the conversation engine, never to other users.
func (s *Session) Connections() []Connection {
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		headers := make(map[string]string, len(c.headers))
		for k, v := range c.headers {
			headers[k] = v
		}
		out = append(out, Connection{Server: c.name, Address: c.address, Headers: headers})
	}
	return out
}

// Tools returns every tool offered by the connected servers.
func (s *Session) Tools() []ToolWithServer {
	var out []ToolWithServer
	for _, c := range s.conns {
		for _, t := range c.tools {
			out = append(out, ToolWithServer{Server: c.name, Tool: t})
		}
	}
	return out
}

// Unavailable maps server names that failed to connect to the failure
// reason. A non-empty map means reduced capability, not a dead bridge.
func (s *Session) Unavailable() map[string]string {
	return s.unavailable
}

// Alive reports whether the session is still usable.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Registry builds and caches tool-bridge sessions, at most one per user.
type Registry struct {
	creds     CredentialSource
	transport Transport
	servers   []ServerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	building map[string]chan struct{}
}

// NewRegistry creates a Registry over the base server set. A nil transport
// selects the HTTP JSON-RPC transport.
func NewRegistry(creds CredentialSource, servers []ServerConfig, transport Transport) *Registry {
	if transport == nil {
		transport = NewHTTPTransport(0)
	}
	return &Registry{
		creds:     creds,
		transport: transport,
		servers:   servers,
		sessions:  make(map[string]*Session),
		building:  make(map[string]chan struct{}),
	}
}

// Get returns the user's session, building one if needed. A build already
// in progress for the same user is awaited rather than duplicated; no code
// path reads another user's credentials.
func (r *Registry) Get(ctx context.Context, userID string) (*Session, error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[userID]; ok && s.Alive() {
			r.mu.Unlock()
			return s, nil
		}
		if waitCh, busy := r.building[userID]; busy {
			r.mu.Unlock()
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.building[userID] = done
		r.mu.Unlock()

		s, err := r.build(ctx, userID)

		r.mu.Lock()
		delete(r.building, userID)
		if err == nil {
			r.sessions[userID] = s
		}
		r.mu.Unlock()
		close(done)
		return s, err
	}
}

// build connects the base server set with this user's credentials. Only
// userID's credentials are ever requested here.
func (r *Registry) build(ctx context.Context, userID string) (*Session, error) {
	s := &Session{
		userID:      userID,
		unavailable: make(map[string]string),
		createdAt:   time.Now(),
	}
	for _, cfg := range r.servers {
		headers := map[string]string{"X-Steward-User": userID}
		if cfg.CredentialService != "" {
			payload, err := r.creds.Get(userID, cfg.CredentialService)
			if err != nil {
				// No usable credential: this server's tools are simply
				// absent for this user. Never a fallback identity.
				s.unavailable[cfg.Name] = fmt.Sprintf("credential: %v", err)
				slog.Warn("Tool server skipped: credential unavailable",
					"user", userID, "server", cfg.Name)
				continue
			}
			if cfg.Header != "" {
				headers[cfg.Header] = string(payload)
			} else {
				headers["Authorization"] = "Bearer " + string(payload)
			}
		}

		tools, err := r.transport.Connect(ctx, cfg.Address, headers)
		if err != nil {
			s.unavailable[cfg.Name] = fmt.Sprintf("%v: %v", ErrBridgeConnection, err)
			slog.Warn("Tool server unreachable", "user", userID, "server", cfg.Name, "error", err)
			continue
		}
		s.conns = append(s.conns, &conn{
			name:    cfg.Name,
			address: cfg.Address,
			headers: headers,
			tools:   tools,
		})
	}
	slog.Info("Tool bridge session built",
		"user", userID, "servers", len(s.conns), "unavailable", len(s.unavailable))
	return s, nil
}

// Invalidate drops the user's cached session, forcing a rebuild on the
// next Get. Called when the user's credentials change.
func (r *Registry) Invalidate(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Cleanup tears down every cached session. Called on process shutdown.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// ensure the vault satisfies the credential source seam.
var _ CredentialSource = (*vault.Vault)(nil)
