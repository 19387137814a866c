// Package app implements application-level services for the Gandalf LLM pipeline.
package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	pipeline "github.com/flowmesh/llmgateway/internal"
	"github.com/flowmesh/llmgateway/internal/storage"
	"github.com/google/uuid"
)

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts describes a new API key's attributes. OrgID is required;
// everything else defaults as documented on APIKey.
type CreateKeyOpts struct {
	OrgID         string
	UserID        string
	TeamID        string
	Role          string
	AllowedModels []string
	RPMLimit      *int64
	TPMLimit      *int64
	MaxBudget     *float64
	ExpiresAt     *time.Time
}

// CreateKey generates a new API key, stores its hash, and returns the
// plaintext (shown once) along with the persisted APIKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *pipeline.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := pipeline.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash := pipeline.HashKey(plaintext)

	role := opts.Role
	if role == "" {
		role = "member"
	}

	key := &pipeline.APIKey{
		ID:            uuid.New().String(),
		KeyHash:       hash,
		KeyPrefix:     plaintext[:8],
		UserID:        opts.UserID,
		TeamID:        opts.TeamID,
		OrgID:         opts.OrgID,
		Role:          role,
		AllowedModels: opts.AllowedModels,
		RPMLimit:      opts.RPMLimit,
		TPMLimit:      opts.TPMLimit,
		MaxBudget:     opts.MaxBudget,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
