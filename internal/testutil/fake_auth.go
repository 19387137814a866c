package testutil

import (
	"context"
	"net/http"

	pipeline "github.com/flowmesh/llmgateway/internal"
)

// FakeAuth always authenticates successfully with admin permissions.
type FakeAuth struct{}

// Authenticate returns a test identity with admin permissions.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*pipeline.Identity, error) {
	return &pipeline.Identity{
		Subject:    "test",
		OrgID:      "default",
		Role:       "admin",
		Perms:      pipeline.RolePermissions["admin"],
		AuthMethod: "apikey",
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*pipeline.Identity, error) {
	return nil, pipeline.ErrUnauthorized
}
