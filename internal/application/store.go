package application

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no application has the requested ID.
	ErrNotFound = errors.New("application not found")

	// ErrExists means Create was called with an ID already in the store.
	ErrExists = errors.New("application already exists")

	// ErrVersionConflict means the stored record changed since it was read.
	ErrVersionConflict = errors.New("application version conflict")
)

// Store is the persistence interface for applications. Implementations
// return copies and enforce the version check on Update.
type Store interface {
	Get(ctx context.Context, id string) (*Application, bool, error)
	List(ctx context.Context) ([]*Application, error)
	Create(ctx context.Context, app *Application) error
	Update(ctx context.Context, app *Application, expectedVersion int) error
}
