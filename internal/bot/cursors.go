package bot

import (
	"context"

	"gorm.io/gorm"

	"github.com/lsr-sec/totp-bot/internal/repo"
)

// GormCursorStore adapts the repo checkpoint functions to the CursorStore
// interface expected by the Dispatcher. This keeps the loop decoupled from
// the concrete repo package while reusing existing functions.
type GormCursorStore struct {
	DB *gorm.DB
}

// Load proxies repo.GetCheckpoint.
func (s GormCursorStore) Load(ctx context.Context, queueID string) (int64, error) {
	cp, err := repo.GetCheckpoint(ctx, s.DB, queueID)
	if err != nil {
		return 0, err
	}
	return cp.LastEventID, nil
}

// Save proxies repo.SaveCheckpoint.
func (s GormCursorStore) Save(ctx context.Context, queueID string, lastEventID int64) error {
	return repo.SaveCheckpoint(ctx, s.DB, queueID, lastEventID)
}
