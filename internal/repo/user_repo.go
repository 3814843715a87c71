// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-study-backend/internal/domain"
)

// EnsureUser inserts u unless a row with the same ID already exists. Existing
// rows are left untouched, so repeated calls are safe.
func EnsureUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	if strings.TrimSpace(u.Name) == "" {
		u.Name = domain.DefaultUserName
	}
	if u.Role == "" {
		u.Role = domain.RoleStudent
	}
	if u.Level == 0 {
		u.Level = 1
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(u).Error
}

// GetUser fetches a user by subject id, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserName sets the display name. Returns ErrNotFound when no row matched.
func UpdateUserName(ctx context.Context, db *gorm.DB, id, name string) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"name": name, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
