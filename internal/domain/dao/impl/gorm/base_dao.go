// Package gorm provides GORM-based DAO implementations for SQL databases.
package gorm

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// baseGormDAO provides common GORM operations for all entity DAOs.
// It implements the generic BaseDAO interface for SQL databases.
type baseGormDAO[T any] struct {
	db *gorm.DB
}

// newBaseGormDAO creates a new base GORM DAO instance.
func newBaseGormDAO[T any](db *gorm.DB) *baseGormDAO[T] {
	return &baseGormDAO[T]{db: db}
}

// Create inserts a new entity into the database.
func (d *baseGormDAO[T]) Create(ctx context.Context, entity *T) error {
	return d.db.WithContext(ctx).Create(entity).Error
}

// FindByID retrieves an entity by its primary key.
// Returns nil, nil if the entity is not found.
func (d *baseGormDAO[T]) FindByID(ctx context.Context, id string) (*T, error) {
	var entity T
	err := d.db.WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// Update modifies an existing entity in the database.
func (d *baseGormDAO[T]) Update(ctx context.Context, entity *T) error {
	return d.db.WithContext(ctx).Save(entity).Error
}

// Delete removes an entity by its ID.
func (d *baseGormDAO[T]) Delete(ctx context.Context, id string) error {
	var entity T
	return d.db.WithContext(ctx).Where("id = ?", id).Delete(&entity).Error
}

// Count returns the total number of entities.
func (d *baseGormDAO[T]) Count(ctx context.Context) (int64, error) {
	var count int64
	var model T
	err := d.db.WithContext(ctx).Model(&model).Count(&count).Error
	return count, err
}

// getDB returns the underlying GORM database instance.
// This is used by entity-specific DAOs to access the database for custom queries.
func (d *baseGormDAO[T]) getDB() *gorm.DB {
	return d.db
}
