// Package store provides the Postgres-backed API key storage used by the
// inbound auth middleware.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKey represents a row in the api_keys table. Tier is the highest
// entry point the key may call: a "user" key cannot reach the admin
// endpoint even though the admin endpoint exists.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	KeyPrefix string
	Tier      string // "user" or "admin"
	CreatedAt time.Time
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GenerateAPIKey creates a new tbk_ API key with its bcrypt hash and
// prefix. Returns (fullKey, hash, prefix, error). The fullKey is shown to
// the caller once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "tbk_" + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8]
	return fullKey, string(hashBytes), prefix, nil
}

// CreateKey inserts a new API key for the given tier and returns the row
// plus the plaintext key.
func (s *Store) CreateKey(ctx context.Context, name, tier string) (*APIKey, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateKey: %w", err)
	}

	var k APIKey
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix, tier)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, key_hash, key_prefix, tier, created_at`,
		name, keyHash, keyPrefix, tier,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Tier, &k.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateKey: %w", err)
	}

	return &k, fullKey, nil
}

// LookupByPrefix fetches the key row matching an 8-char key prefix.
// Returns (nil, nil) when no row matches.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, tier, created_at
		FROM api_keys WHERE key_prefix = $1`,
		prefix,
	).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Tier, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &k, nil
}
