// Package repo implements the data persistence layer for the bot, backed by
// GORM. This file provides repository helpers for the append-only audit log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lsr-sec/totp-bot/internal/domain"
)

// CreateAuditEntry inserts one audit row. ID and CreatedAt are assigned here
// so callers only describe the event.
func CreateAuditEntry(ctx context.Context, db *gorm.DB, e *domain.AuditEntry) error {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(e).Error
}

// CountAuditEntries returns the total number of audit rows.
func CountAuditEntries(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.AuditEntry{}).Count(&n).Error
	return n, err
}

// ListAuditEntriesPage returns a page of audit rows, newest first.
func ListAuditEntriesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.AuditEntry, error) {
	var rows []domain.AuditEntry
	err := db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// CountAuditByOutcome returns row counts grouped by outcome, for the admin
// stats endpoint. Outcomes with no rows are absent from the map.
func CountAuditByOutcome(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		N       int64
	}
	err := db.WithContext(ctx).
		Model(&domain.AuditEntry{}).
		Select("outcome, COUNT(*) AS n").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.N
	}
	return out, nil
}
