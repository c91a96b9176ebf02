package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/droverhq/drover/internal/domain"
	"github.com/droverhq/drover/internal/domain/mcp"
	"github.com/droverhq/drover/internal/port/cache"
	"github.com/droverhq/drover/internal/port/sessionstore"
	"github.com/droverhq/drover/internal/secrets"
)

// defaultSessionTTL caps how long a sealed session without an expiry stays
// cached.
const defaultSessionTTL = time.Hour

// StaticSessionStore serves process-wide tokens from configuration. Tokens
// are keyed by server name only; user and session ids are ignored, matching
// the scope of a statically provisioned credential. The store is read-only.
type StaticSessionStore struct {
	tokens map[string]string
}

// NewStaticSessionStore creates a store over a name→token map.
func NewStaticSessionStore(tokens map[string]string) *StaticSessionStore {
	return &StaticSessionStore{tokens: tokens}
}

// Get returns the configured token for the scope's server, if any.
func (s *StaticSessionStore) Get(_ context.Context, scope sessionstore.Scope) (*mcp.Session, bool, error) {
	token, ok := s.tokens[scope.Server]
	if !ok || token == "" {
		return nil, false, nil
	}
	return &mcp.Session{Token: token}, true, nil
}

// Put is rejected: static tokens only change through configuration.
func (s *StaticSessionStore) Put(context.Context, sessionstore.Scope, mcp.Session) error {
	return fmt.Errorf("static session store is read-only: %w", domain.ErrNotImplemented)
}

// Delete is a no-op for the same reason.
func (s *StaticSessionStore) Delete(context.Context, sessionstore.Scope) error {
	return nil
}

// SealedSessionStore keeps sessions in a cache, sealed with an AEAD cipher
// so tokens never reach a shared backend in the clear. Expired entries are
// evicted on read and reported as absent.
type SealedSessionStore struct {
	cache cache.Cache
	key   []byte
	ttl   time.Duration
}

// NewSealedSessionStore creates a store over the given cache. The sealing
// key is derived from the passphrase; ttl bounds entries without an expiry
// and defaults to defaultSessionTTL when zero.
func NewSealedSessionStore(c cache.Cache, passphrase string, ttl time.Duration) *SealedSessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SealedSessionStore{
		cache: c,
		key:   secrets.DeriveKey(passphrase),
		ttl:   ttl,
	}
}

// Get unseals the session stored for scope. A missing entry, an
// undecryptable entry, or one past its expiry all report absent; the latter
// two are deleted so a poisoned or stale entry cannot shadow a fresh Put.
func (s *SealedSessionStore) Get(ctx context.Context, scope sessionstore.Scope) (*mcp.Session, bool, error) {
	sealed, found, err := s.cache.Get(ctx, scope.Key())
	if err != nil {
		return nil, false, fmt.Errorf("session cache get: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	plain, err := secrets.Open(sealed, s.key)
	if err != nil {
		_ = s.cache.Delete(ctx, scope.Key())
		return nil, false, nil
	}

	var session mcp.Session
	if err := json.Unmarshal(plain, &session); err != nil {
		_ = s.cache.Delete(ctx, scope.Key())
		return nil, false, nil
	}

	if session.Expired(time.Now()) {
		_ = s.cache.Delete(ctx, scope.Key())
		return nil, false, nil
	}
	return &session, true, nil
}

// Put seals and stores a session. Entries expire with the session when it
// carries an expiry, otherwise with the store default.
func (s *SealedSessionStore) Put(ctx context.Context, scope sessionstore.Scope, session mcp.Session) error {
	plain, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	sealed, err := secrets.Seal(plain, s.key)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}

	ttl := s.ttl
	if session.ExpiresAt != nil {
		if remaining := time.Until(*session.ExpiresAt); remaining > 0 && remaining < ttl {
			ttl = remaining
		}
	}
	return s.cache.Set(ctx, scope.Key(), sealed, ttl)
}

// Delete removes the stored session for scope.
func (s *SealedSessionStore) Delete(ctx context.Context, scope sessionstore.Scope) error {
	return s.cache.Delete(ctx, scope.Key())
}

// SessionChain queries stores in order: the first hit wins on Get, and
// writes go to the first store. The usual composition is a sealed cache in
// front of static configuration, so per-user sessions shadow process-wide
// tokens.
type SessionChain []sessionstore.Store

// Get returns the first session any store holds for scope.
func (c SessionChain) Get(ctx context.Context, scope sessionstore.Scope) (*mcp.Session, bool, error) {
	for _, store := range c {
		session, found, err := store.Get(ctx, scope)
		if err != nil {
			return nil, false, err
		}
		if found {
			return session, true, nil
		}
	}
	return nil, false, nil
}

// Put writes to the first store in the chain.
func (c SessionChain) Put(ctx context.Context, scope sessionstore.Scope, session mcp.Session) error {
	if len(c) == 0 {
		return fmt.Errorf("empty session chain: %w", domain.ErrNotImplemented)
	}
	return c[0].Put(ctx, scope, session)
}

// Delete removes scope from every store that might hold it.
func (c SessionChain) Delete(ctx context.Context, scope sessionstore.Scope) error {
	var firstErr error
	for _, store := range c {
		if err := store.Delete(ctx, scope); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
