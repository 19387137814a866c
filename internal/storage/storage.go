// Package storage defines the persistence interface for the optional
// front-door identity layer. The pipeline core (C1-C11) never depends on
// this package directly -- only the front-door's API-key authenticator
// does, and only when a deployment chooses to gate the gateway itself
// behind issued keys rather than trusting its network perimeter.
package storage

import (
	"context"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *pipeline.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*pipeline.APIKey, error)
	ListKeys(ctx context.Context, orgID string, offset, limit int) ([]*pipeline.APIKey, error)
	UpdateKey(ctx context.Context, key *pipeline.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// Store combines all front-door persistence interfaces.
type Store interface {
	APIKeyStore
	Close() error
}
