package identity

import "context"

// Store describes the durable identity operations this core depends on.
// Implementations must provide their own concurrency-safe write guarantees.
type Store interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByExternalID(ctx context.Context, externalID int64) (*User, error)
	Create(ctx context.Context, nu NewUser) (*User, error)
	UpdateStatus(ctx context.Context, id int64, status Status) (*User, error)
	ListPending(ctx context.Context) ([]*User, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
}
