// Package dao defines data access object interfaces for database abstraction.
// The DAO layer provides a clean separation between repository business logic
// and database-specific implementations (MySQL, PostgreSQL, SQLite).
package dao

import (
	"context"
)

// BaseDAO defines common CRUD operations for all DAOs.
// All scheduler entities use 36-char UUID strings as primary keys.
type BaseDAO[T any] interface {
	// Create inserts a new entity into the database.
	Create(ctx context.Context, entity *T) error

	// FindByID retrieves an entity by its primary key.
	// Returns nil, nil if the entity is not found.
	FindByID(ctx context.Context, id string) (*T, error)

	// Update modifies an existing entity in the database.
	Update(ctx context.Context, entity *T) error

	// Delete removes an entity by its ID.
	Delete(ctx context.Context, id string) error

	// Count returns the total number of entities.
	Count(ctx context.Context) (int64, error)
}
