// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Material
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a material is not found for the given owner, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Ownership is always enforced inside the query (id AND user_id), so a row
// owned by someone else is indistinguishable from a missing one.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateMaterial inserts m, assigning a UUID and UTC timestamps when unset.
func CreateMaterial(ctx context.Context, db *gorm.DB, m *domain.Material) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	return db.WithContext(ctx).Create(m).Error
}

// GetMaterial fetches a single material by ID and owner. Returns ErrNotFound
// if the record does not exist for that owner.
func GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error) {
	var m domain.Material
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMaterials returns the number of materials owned by userID.
func CountMaterials(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Material{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListMaterialsPage returns a page of the owner's materials, newest first.
func ListMaterialsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Material, error) {
	var out []domain.Material
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateMaterialSummary sets the summary of a material. Returns ErrNotFound
// if no row matched.
func UpdateMaterialSummary(ctx context.Context, db *gorm.DB, id, summary string) error {
	res := db.WithContext(ctx).
		Model(&domain.Material{}).
		Where("id = ?", id).
		Updates(map[string]any{"summary": summary, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchMaterial bumps updated_at so list ETags change when derived content
// is attached.
func TouchMaterial(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Material{}).
		Where("id = ?", id).
		Update("updated_at", time.Now().UTC()).Error
}

// DeleteMaterial removes a material owned by userID together with its decks,
// flashcards, quizzes, questions and chat messages. Children are deleted
// explicitly inside one transaction so the result does not depend on the
// store enforcing foreign keys. Returns ErrNotFound if no row matched.
func DeleteMaterial(ctx context.Context, db *gorm.DB, id, userID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.Material{}).Where("id = ? AND user_id = ?", id, userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return gorm.ErrRecordNotFound
		}

		decks := tx.Model(&domain.Deck{}).Select("id").Where("material_id = ?", id)
		quizzes := tx.Model(&domain.Quiz{}).Select("id").Where("material_id = ?", id)

		if err := tx.Where("deck_id IN (?)", decks).Delete(&domain.Flashcard{}).Error; err != nil {
			return err
		}
		if err := tx.Where("quiz_id IN (?)", quizzes).Delete(&domain.Question{}).Error; err != nil {
			return err
		}
		if err := tx.Where("material_id = ?", id).Delete(&domain.Deck{}).Error; err != nil {
			return err
		}
		if err := tx.Where("material_id = ?", id).Delete(&domain.Quiz{}).Error; err != nil {
			return err
		}
		if err := tx.Where("material_id = ?", id).Delete(&domain.ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", id, userID).Delete(&domain.Material{}).Error
	})
}

// DerivedPresence reports which of the given materials already have a deck
// and which have a quiz.
func DerivedPresence(ctx context.Context, db *gorm.DB, materialIDs []string) (decks, quizzes map[string]bool, err error) {
	decks = map[string]bool{}
	quizzes = map[string]bool{}
	if len(materialIDs) == 0 {
		return decks, quizzes, nil
	}

	var deckIDs, quizIDs []string
	if err = db.WithContext(ctx).Model(&domain.Deck{}).
		Where("material_id IN ?", materialIDs).
		Distinct().Pluck("material_id", &deckIDs).Error; err != nil {
		return nil, nil, err
	}
	if err = db.WithContext(ctx).Model(&domain.Quiz{}).
		Where("material_id IN ?", materialIDs).
		Distinct().Pluck("material_id", &quizIDs).Error; err != nil {
		return nil, nil, err
	}
	for _, id := range deckIDs {
		decks[id] = true
	}
	for _, id := range quizIDs {
		quizzes[id] = true
	}
	return decks, quizzes, nil
}
