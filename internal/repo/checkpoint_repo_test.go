package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/lsr-sec/totp-bot/internal/domain"
)

func TestGetCheckpoint_NotFound(t *testing.T) {
	db := newRepoDB(t, &domain.Checkpoint{})

	_, err := GetCheckpoint(context.Background(), db, "q-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveCheckpoint_InsertThenUpsert(t *testing.T) {
	db := newRepoDB(t, &domain.Checkpoint{})
	ctx := context.Background()

	if err := SaveCheckpoint(ctx, db, "q1", 10); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cp, err := GetCheckpoint(ctx, db, "q1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cp.LastEventID != 10 {
		t.Errorf("LastEventID = %d, want 10", cp.LastEventID)
	}

	// Same queue, higher cursor: must update in place, not add a row.
	if err := SaveCheckpoint(ctx, db, "q1", 42); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cp, err = GetCheckpoint(ctx, db, "q1")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if cp.LastEventID != 42 {
		t.Errorf("LastEventID = %d, want 42", cp.LastEventID)
	}

	var n int64
	db.Model(&domain.Checkpoint{}).Count(&n)
	if n != 1 {
		t.Errorf("checkpoint rows = %d, want 1", n)
	}
}

func TestSaveCheckpoint_IndependentQueues(t *testing.T) {
	db := newRepoDB(t, &domain.Checkpoint{})
	ctx := context.Background()

	if err := SaveCheckpoint(ctx, db, "q1", 5); err != nil {
		t.Fatalf("q1: %v", err)
	}
	if err := SaveCheckpoint(ctx, db, "q2", 7); err != nil {
		t.Fatalf("q2: %v", err)
	}

	cp1, _ := GetCheckpoint(ctx, db, "q1")
	cp2, _ := GetCheckpoint(ctx, db, "q2")
	if cp1.LastEventID != 5 || cp2.LastEventID != 7 {
		t.Errorf("cursors = %d/%d, want 5/7", cp1.LastEventID, cp2.LastEventID)
	}
}
