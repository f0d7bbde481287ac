package device

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:device_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&State{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	tracker, err := NewTracker(Config{
		Database: db,
		DeviceID: "device-1",
		OwnerID:  "owner-1",
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	return tracker, db
}

func TestEnsureCreatesCursorOnce(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()

	state, err := tracker.Ensure(ctx)
	if err != nil {
		t.Fatalf("failed to ensure state: %v", err)
	}
	if state.LastServerSeq != 0 {
		t.Fatalf("expected fresh cursor at zero, got %d", state.LastServerSeq)
	}
	if state.CreatedAtSeconds == 0 {
		t.Fatalf("expected creation timestamp to be set")
	}

	if _, err := tracker.Ensure(ctx); err != nil {
		t.Fatalf("second ensure should reuse the row: %v", err)
	}
	var count int64
	if err := db.Model(&State{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count states: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one state row, got %d", count)
	}
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	tracker, db := newTestTracker(t)
	ctx := context.Background()

	if _, err := tracker.Ensure(ctx); err != nil {
		t.Fatalf("failed to ensure state: %v", err)
	}
	if err := tracker.Advance(db, 5); err != nil {
		t.Fatalf("failed to advance cursor: %v", err)
	}
	cursor, err := tracker.LastServerSeq(db, "owner-1")
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != 5 {
		t.Fatalf("expected cursor 5, got %d", cursor)
	}

	// A redelivered older page must not rewind the cursor.
	if err := tracker.Advance(db, 3); err != nil {
		t.Fatalf("stale advance should be a no-op: %v", err)
	}
	cursor, err = tracker.LastServerSeq(db, "owner-1")
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != 5 {
		t.Fatalf("expected cursor unchanged at 5, got %d", cursor)
	}
}

func TestAdvanceCreatesMissingRow(t *testing.T) {
	tracker, db := newTestTracker(t)

	if err := tracker.Advance(db, 7); err != nil {
		t.Fatalf("failed to advance without prior ensure: %v", err)
	}
	cursor, err := tracker.LastServerSeq(db, "owner-1")
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != 7 {
		t.Fatalf("expected cursor 7, got %d", cursor)
	}
}

func TestLastServerSeqDefaultsToZero(t *testing.T) {
	tracker, db := newTestTracker(t)

	cursor, err := tracker.LastServerSeq(db, "owner-1")
	if err != nil {
		t.Fatalf("failed to read cursor: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("expected zero cursor for an unseen device, got %d", cursor)
	}
}
