// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ChatMessage transcript of a material.
//
// Transcripts are append-only and ordered by (created_at ASC, id ASC).
// Timestamps are truncated to microseconds so they survive Postgres
// timestamp precision unchanged.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-study-backend/internal/domain"
)

const tsStep = time.Microsecond

// AppendExchange appends the user message and the assistant reply in one
// transaction. Both timestamps are placed strictly after the newest message
// already in the transcript, so sequential calls keep call order even when
// the wall clock does not advance between them.
func AppendExchange(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string, now time.Time) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row struct {
			CreatedAt time.Time
		}
		if err := tx.Model(&domain.ChatMessage{}).
			Select("created_at").
			Where("material_id = ?", materialID).
			Order("created_at DESC").
			Limit(1).
			Scan(&row).Error; err != nil {
			return err
		}

		base := now.UTC().Truncate(tsStep)
		if !row.CreatedAt.IsZero() && !base.After(row.CreatedAt) {
			base = row.CreatedAt.UTC().Truncate(tsStep).Add(tsStep)
		}

		out = []domain.ChatMessage{
			{ID: uuid.NewString(), MaterialID: materialID, Role: domain.RoleUser, Content: userContent, CreatedAt: base},
			{ID: uuid.NewString(), MaterialID: materialID, Role: domain.RoleAssistant, Content: assistantContent, CreatedAt: base.Add(tsStep)},
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendExchangeBasic is the reduced write path: a single batch insert with
// no transaction and no transcript lookup. Ids and timestamps are generated
// fresh for this write and the Material association is left out. Ordering
// between the two rows is still kept by offsetting the reply by one step.
func AppendExchangeBasic(ctx context.Context, db *gorm.DB, materialID, userContent, assistantContent string) error {
	now := time.Now().UTC().Truncate(tsStep)
	rows := []domain.ChatMessage{
		{ID: uuid.NewString(), MaterialID: materialID, Role: domain.RoleUser, Content: userContent, CreatedAt: now},
		{ID: uuid.NewString(), MaterialID: materialID, Role: domain.RoleAssistant, Content: assistantContent, CreatedAt: now.Add(tsStep)},
	}
	return db.WithContext(ctx).Omit("Material").Create(&rows).Error
}

// ListRecentMessages returns at most limit of the newest messages, oldest
// first. A non-positive limit returns nothing.
func ListRecentMessages(ctx context.Context, db *gorm.DB, materialID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("material_id = ?", materialID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, materialID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM chat_messages WHERE material_id = ?", materialID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, materialID string, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("material_id = ?", materialID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
