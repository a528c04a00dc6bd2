// Package auth verifies admin credentials for privileged escrow operations.
//
// Verification is never cached per session: release, refund and dispute
// handling each re-verify the presented key at call time, so a key revoked
// mid-session stops working on the very next call.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrUnauthorized means the presented key is missing, unknown or revoked.
	ErrUnauthorized = errors.New("unauthorized")
)

// Verifier checks an admin key. Implementations must treat every call as
// fresh; callers rely on revocation taking effect immediately.
type Verifier interface {
	VerifyAdmin(ctx context.Context, key string) (adminID string, err error)
}

// KeyStore persists admin key hashes. Raw keys are never stored.
type KeyStore interface {
	Insert(ctx context.Context, keyHash, adminID string) error
	Lookup(ctx context.Context, keyHash string) (adminID string, active bool, err error)
	Revoke(ctx context.Context, keyHash string) error
}

// Manager issues and verifies admin keys against a KeyStore.
type Manager struct {
	store KeyStore
}

var _ Verifier = (*Manager)(nil)

// NewManager creates a key manager.
func NewManager(store KeyStore) *Manager {
	return &Manager{store: store}
}

// Bootstrap registers the configured admin secret so a fresh deployment has
// one working key. No-op when the secret is empty or already registered.
func (m *Manager) Bootstrap(ctx context.Context, secret, adminID string) error {
	if secret == "" {
		return nil
	}
	err := m.store.Insert(ctx, hashKey(secret), adminID)
	if errors.Is(err, ErrKeyExists) {
		return nil
	}
	return err
}

// Register adds a new admin key.
func (m *Manager) Register(ctx context.Context, key, adminID string) error {
	return m.store.Insert(ctx, hashKey(key), adminID)
}

// Revoke deactivates a key. Takes effect on the next verification.
func (m *Manager) Revoke(ctx context.Context, key string) error {
	return m.store.Revoke(ctx, hashKey(key))
}

// VerifyAdmin checks the key and returns the admin it belongs to.
func (m *Manager) VerifyAdmin(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrUnauthorized
	}
	adminID, active, err := m.store.Lookup(ctx, hashKey(key))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", ErrUnauthorized
		}
		return "", err
	}
	if !active {
		return "", ErrUnauthorized
	}
	return adminID, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Store errors.
var (
	ErrKeyExists   = errors.New("admin key already registered")
	ErrKeyNotFound = errors.New("admin key not found")
)

// MemoryKeyStore keeps keys in memory for development and tests.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]memoryKey
}

type memoryKey struct {
	adminID string
	active  bool
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]memoryKey)}
}

func (s *MemoryKeyStore) Insert(_ context.Context, keyHash, adminID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[keyHash]; ok {
		return ErrKeyExists
	}
	s.keys[keyHash] = memoryKey{adminID: adminID, active: true}
	return nil
}

func (s *MemoryKeyStore) Lookup(_ context.Context, keyHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Constant-time scan; the map is small and keyed by hash already, this
	// avoids leaking which hash prefix matched.
	for h, k := range s.keys {
		if subtle.ConstantTimeCompare([]byte(h), []byte(keyHash)) == 1 {
			return k.adminID, k.active, nil
		}
	}
	return "", false, ErrKeyNotFound
}

func (s *MemoryKeyStore) Revoke(_ context.Context, keyHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyHash]
	if !ok {
		return ErrKeyNotFound
	}
	k.active = false
	s.keys[keyHash] = k
	return nil
}

// PostgresKeyStore persists keys in the admin_keys table.
type PostgresKeyStore struct {
	db *sql.DB
}

var _ KeyStore = (*PostgresKeyStore)(nil)

// NewPostgresKeyStore creates a Postgres-backed key store.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) Insert(ctx context.Context, keyHash, adminID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_keys (key_hash, admin_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (key_hash) DO NOTHING`, keyHash, adminID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyExists
	}
	return nil
}

func (s *PostgresKeyStore) Lookup(ctx context.Context, keyHash string) (string, bool, error) {
	var adminID string
	var active bool
	err := s.db.QueryRowContext(ctx,
		`SELECT admin_id, active FROM admin_keys WHERE key_hash = $1`, keyHash).
		Scan(&adminID, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrKeyNotFound
	}
	if err != nil {
		return "", false, err
	}
	return adminID, active, nil
}

func (s *PostgresKeyStore) Revoke(ctx context.Context, keyHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admin_keys SET active = FALSE WHERE key_hash = $1`, keyHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
