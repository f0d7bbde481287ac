package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	testOwnerID  = "owner-1"
	testDeviceID = "device-1"
)

// settableClock lets tests move time past the retention window.
type settableClock struct {
	now int64
}

func (c *settableClock) Now() time.Time {
	return time.Unix(c.now, 0).UTC()
}

type managerKit struct {
	manager *Manager
	log     *oplog.Log
	db      *gorm.DB
	clock   *settableClock
}

func newManagerKit(t *testing.T, threshold int) *managerKit {
	t.Helper()
	dsn := fmt.Sprintf("file:snapshot_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&entity.Note{}, &entity.Notebook{}, &entity.Tag{}, &oplog.Operation{}, &Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &settableClock{now: 1_000_000}
	operationLog, err := oplog.NewLog(oplog.LogConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	manager, err := NewManager(Config{
		Database:  db,
		Log:       operationLog,
		Clock:     clock.Now,
		Threshold: threshold,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return &managerKit{manager: manager, log: operationLog, db: db, clock: clock}
}

func (kit *managerKit) append(t *testing.T, opID, entityID string, opType oplog.Type, payload oplog.Payload, clientTime int64) {
	t.Helper()
	owner, err := entity.NewOwnerID(testOwnerID)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	device, err := entity.NewDeviceID(testDeviceID)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	target, err := entity.NewID(entityID)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	stamp, err := entity.NewUnixTimestamp(clientTime)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	op, err := oplog.NewOperation(oplog.OperationParams{
		OpID:       opID,
		OwnerID:    owner,
		DeviceID:   device,
		EntityID:   target,
		Type:       opType,
		Payload:    payload,
		ClientTime: stamp,
	})
	if err != nil {
		t.Fatalf("failed to build operation: %v", err)
	}
	txErr := kit.db.Transaction(func(tx *gorm.DB) error {
		_, appendErr := kit.log.Append(tx, op)
		return appendErr
	})
	if txErr != nil {
		t.Fatalf("failed to append operation: %v", txErr)
	}
}

func (kit *managerKit) acknowledge(t *testing.T, assignments map[string]int64) {
	t.Helper()
	txErr := kit.db.Transaction(func(tx *gorm.DB) error {
		return kit.log.MarkSynced(tx, assignments)
	})
	if txErr != nil {
		t.Fatalf("failed to mark operations synced: %v", txErr)
	}
}

func TestCompactFoldsAcknowledgedPrefix(t *testing.T) {
	kit := newManagerKit(t, 2)
	ctx := context.Background()
	noteID := "note-1"

	title := "second"
	kit.append(t, "op-1", noteID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{Title: "first", Status: entity.NoteStatusActive}, 10)
	kit.append(t, "op-2", noteID, oplog.TypeNoteUpdated, oplog.NoteUpdatedPayload{Title: &title}, 20)
	kit.append(t, "op-3", noteID, oplog.TypeNotePinned, oplog.EmptyPayload{}, 30)

	// Only the first two operations are acknowledged; the pin stays pending.
	kit.acknowledge(t, map[string]int64{"op-1": 1, "op-2": 2})

	eligible, err := kit.manager.CompactEligible(ctx, testOwnerID)
	if err != nil {
		t.Fatalf("failed to list eligible entities: %v", err)
	}
	if len(eligible) != 1 || eligible[0] != noteID {
		t.Fatalf("expected [%s] eligible, got %v", noteID, eligible)
	}

	snap, err := kit.manager.Compact(ctx, testOwnerID, noteID)
	if err != nil {
		t.Fatalf("failed to compact: %v", err)
	}
	if snap == nil || !snap.Verify() {
		t.Fatalf("expected verified snapshot, got %+v", snap)
	}
	if snap.OperationCount != 2 {
		t.Fatalf("expected 2 folded operations, got %d", snap.OperationCount)
	}
	seed, err := snap.Note()
	if err != nil {
		t.Fatalf("failed to decode snapshot state: %v", err)
	}
	if seed.Title != title || seed.IsPinned {
		t.Fatalf("expected folded state without the pending pin, got %+v", seed)
	}

	live, err := kit.log.CountLive(ctx, noteID)
	if err != nil {
		t.Fatalf("failed to count live operations: %v", err)
	}
	if live != 1 {
		t.Fatalf("expected only the pending pin live, got %d", live)
	}
	archived, err := oplog.ArchivedEntityHistory(kit.db, noteID)
	if err != nil {
		t.Fatalf("failed to load archived history: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("expected 2 archived operations, got %d", len(archived))
	}

	// Acknowledging the pin lets the next compaction fold it onto the seed.
	kit.acknowledge(t, map[string]int64{"op-3": 3})
	folded, err := kit.manager.Compact(ctx, testOwnerID, noteID)
	if err != nil {
		t.Fatalf("failed to re-compact: %v", err)
	}
	if folded.OperationCount != 3 {
		t.Fatalf("expected 3 folded operations, got %d", folded.OperationCount)
	}
	state, err := folded.Note()
	if err != nil {
		t.Fatalf("failed to decode snapshot state: %v", err)
	}
	if !state.IsPinned {
		t.Fatalf("expected pin folded into snapshot, got %+v", state)
	}
}

func TestCompactIgnoresUnacknowledgedHistory(t *testing.T) {
	kit := newManagerKit(t, 1)
	ctx := context.Background()
	noteID := "note-pending"

	kit.append(t, "op-1", noteID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{Title: "pending", Status: entity.NoteStatusActive}, 10)

	eligible, err := kit.manager.CompactEligible(ctx, testOwnerID)
	if err != nil {
		t.Fatalf("failed to list eligible entities: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("expected no eligible entities, got %v", eligible)
	}

	snap, err := kit.manager.Compact(ctx, testOwnerID, noteID)
	if err != nil {
		t.Fatalf("compacting a pending entity should be a no-op: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot written, got %+v", snap)
	}
}

func TestLoadRebuildsCorruptSnapshot(t *testing.T) {
	kit := newManagerKit(t, 1)
	ctx := context.Background()
	noteID := "note-corrupt"

	title := "intact"
	kit.append(t, "op-1", noteID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{Title: "draft", Status: entity.NoteStatusActive}, 10)
	kit.append(t, "op-2", noteID, oplog.TypeNoteUpdated, oplog.NoteUpdatedPayload{Title: &title}, 20)
	kit.acknowledge(t, map[string]int64{"op-1": 1, "op-2": 2})

	if _, err := kit.manager.Compact(ctx, testOwnerID, noteID); err != nil {
		t.Fatalf("failed to compact: %v", err)
	}

	tamperErr := kit.db.Model(&Snapshot{}).
		Where("entity_id = ?", noteID).
		Update("state_json", `{"title":"tampered"}`).Error
	if tamperErr != nil {
		t.Fatalf("failed to tamper with snapshot: %v", tamperErr)
	}

	snap, err := kit.manager.Load(ctx, noteID)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if snap == nil || !snap.Verify() {
		t.Fatalf("expected rebuilt verified snapshot, got %+v", snap)
	}
	state, err := snap.Note()
	if err != nil {
		t.Fatalf("failed to decode snapshot state: %v", err)
	}
	if state.Title != title {
		t.Fatalf("expected rebuilt title %q, got %q", title, state.Title)
	}
}

func TestPurgeExpiredRemovesAcknowledgedTombstones(t *testing.T) {
	kit := newManagerKit(t, 1)
	ctx := context.Background()

	expiredID := "note-expired"
	pendingID := "note-pending-delete"
	deletedAt := kit.clock.now

	kit.append(t, "op-1", expiredID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{Title: "old", Status: entity.NoteStatusActive}, 10)
	kit.append(t, "op-2", expiredID, oplog.TypeNoteDeleted, oplog.DeletePayload{DeletedAtSeconds: deletedAt}, 20)
	kit.acknowledge(t, map[string]int64{"op-1": 1, "op-2": 2})

	kit.append(t, "op-3", pendingID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{Title: "fresh", Status: entity.NoteStatusActive}, 30)
	kit.append(t, "op-4", pendingID, oplog.TypeNoteDeleted, oplog.DeletePayload{DeletedAtSeconds: deletedAt}, 40)
	kit.acknowledge(t, map[string]int64{"op-3": 3})

	for _, row := range []entity.Note{
		{ID: expiredID, OwnerID: testOwnerID, Title: "old", Status: entity.NoteStatusActive, IsDeleted: true, DeletedAtSeconds: &deletedAt},
		{ID: pendingID, OwnerID: testOwnerID, Title: "fresh", Status: entity.NoteStatusActive, IsDeleted: true, DeletedAtSeconds: &deletedAt},
	} {
		if err := kit.db.Create(&row).Error; err != nil {
			t.Fatalf("failed to insert projection row: %v", err)
		}
	}

	if _, err := kit.manager.Compact(ctx, testOwnerID, expiredID); err != nil {
		t.Fatalf("failed to compact expired entity: %v", err)
	}

	kit.clock.now = deletedAt + int64(DefaultRetentionDays+1)*secondsPerDay

	purged, err := kit.manager.PurgeExpired(ctx, testOwnerID)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 entity purged, got %d", purged)
	}

	var remainingNotes int64
	if err := kit.db.Model(&entity.Note{}).Where("id = ?", expiredID).Count(&remainingNotes).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if remainingNotes != 0 {
		t.Fatalf("expected expired projection row deleted")
	}
	var remainingOps int64
	if err := kit.db.Model(&oplog.Operation{}).Where("entity_id = ?", expiredID).Count(&remainingOps).Error; err != nil {
		t.Fatalf("failed to count operations: %v", err)
	}
	if remainingOps != 0 {
		t.Fatalf("expected expired operations deleted, got %d", remainingOps)
	}
	snap, err := Lookup(kit.db, expiredID)
	if err != nil {
		t.Fatalf("failed to look up snapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected expired snapshot deleted")
	}

	// The unacknowledged tombstone stays until a later sweep.
	var keptOps int64
	if err := kit.db.Model(&oplog.Operation{}).Where("entity_id = ?", pendingID).Count(&keptOps).Error; err != nil {
		t.Fatalf("failed to count pending operations: %v", err)
	}
	if keptOps != 2 {
		t.Fatalf("expected pending entity kept, got %d operations", keptOps)
	}
}
