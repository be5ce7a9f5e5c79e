// Package repo implements the data persistence layer for the bot, backed by
// GORM. This file provides the checkpoint store used by the dispatcher to
// persist its event-stream cursor once per processed event.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lsr-sec/totp-bot/internal/domain"
)

// GetCheckpoint returns the stored cursor for a queue, or ErrNotFound.
func GetCheckpoint(ctx context.Context, db *gorm.DB, queueID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := db.WithContext(ctx).Where("queue_id = ?", queueID).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCheckpoint upserts the cursor for a queue. Called once per event, so
// it must stay a single statement.
func SaveCheckpoint(ctx context.Context, db *gorm.DB, queueID string, lastEventID int64) error {
	cp := domain.Checkpoint{
		QueueID:     queueID,
		LastEventID: lastEventID,
		UpdatedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "queue_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_id", "updated_at"}),
		}).
		Create(&cp).Error
}
