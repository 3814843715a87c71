// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for decks and
// their flashcards.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
)

// CreateDeck inserts a deck and all of its cards in one transaction, so a
// deck is never visible with only some of its cards. Card positions follow
// the slice order. A second deck for the same material fails with an error
// wrapping gorm.ErrDuplicatedKey.
func CreateDeck(ctx context.Context, db *gorm.DB, materialID, title string, cards []domain.Flashcard) (*domain.Deck, error) {
	d := &domain.Deck{
		ID:         uuid.NewString(),
		MaterialID: materialID,
		Title:      title,
		CreatedAt:  time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Cards").Create(d).Error; err != nil {
			return err
		}
		if len(cards) == 0 {
			return nil
		}
		rows := make([]domain.Flashcard, len(cards))
		for i, c := range cards {
			rows[i] = domain.Flashcard{
				ID:         uuid.NewString(),
				DeckID:     d.ID,
				Position:   i,
				Front:      c.Front,
				Back:       c.Back,
				Difficulty: c.Difficulty,
			}
			if rows[i].Difficulty == "" {
				rows[i].Difficulty = domain.DefaultDifficulty
			}
		}
		if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
			return err
		}
		d.Cards = rows
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: deck for material %s", gorm.ErrDuplicatedKey, materialID)
		}
		return nil, err
	}
	return d, nil
}

// GetDeckByMaterial returns the material's deck with cards in position order,
// or ErrNotFound.
func GetDeckByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Deck, error) {
	var d domain.Deck
	err := db.WithContext(ctx).
		Preload("Cards", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("material_id = ?", materialID).
		Order("created_at ASC").
		First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}
