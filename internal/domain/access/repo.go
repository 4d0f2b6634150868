package access

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Directory lookups that match no row.
var ErrNotFound = errors.New("not found")

// Directory resolves identities. Email matching is case-insensitive.
type Directory interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
	ProviderByEmail(ctx context.Context, tenantID, email string) (*Provider, error)
	PatientByEmail(ctx context.Context, tenantID, email string) (*Patient, error)
	PatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}
