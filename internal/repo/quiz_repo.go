// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for quizzes and
// their questions.
package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
)

// CreateQuiz inserts a quiz and all of its questions in one transaction.
// Question positions follow the slice order. Like CreateDeck, a second quiz
// for the same material wraps gorm.ErrDuplicatedKey.
func CreateQuiz(ctx context.Context, db *gorm.DB, materialID, title string, questions []domain.Question) (*domain.Quiz, error) {
	q := &domain.Quiz{
		ID:         uuid.NewString(),
		MaterialID: materialID,
		Title:      title,
		CreatedAt:  time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Questions").Create(q).Error; err != nil {
			return err
		}
		if len(questions) == 0 {
			return nil
		}
		rows := make([]domain.Question, len(questions))
		for i, in := range questions {
			opts := in.Options
			if opts == nil {
				opts = []string{}
			}
			rows[i] = domain.Question{
				ID:            uuid.NewString(),
				QuizID:        q.ID,
				Position:      i,
				Prompt:        in.Prompt,
				Options:       opts,
				CorrectAnswer: in.CorrectAnswer,
				Explanation:   in.Explanation,
			}
		}
		if err := tx.CreateInBatches(&rows, 100).Error; err != nil {
			return err
		}
		q.Questions = rows
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: quiz for material %s", gorm.ErrDuplicatedKey, materialID)
		}
		return nil, err
	}
	return q, nil
}

// GetQuizByMaterial returns the material's quiz with questions in position
// order, or ErrNotFound.
func GetQuizByMaterial(ctx context.Context, db *gorm.DB, materialID string) (*domain.Quiz, error) {
	var q domain.Quiz
	err := db.WithContext(ctx).
		Preload("Questions", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("material_id = ?", materialID).
		Order("created_at ASC").
		First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}
