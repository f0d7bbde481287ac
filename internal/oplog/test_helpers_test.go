package oplog

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestLog(t *testing.T) (*Log, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:oplog_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Operation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log, err := NewLog(LogConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	return log, db
}

func mustOwnerID(t *testing.T, value string) entity.OwnerID {
	t.Helper()
	id, err := entity.NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) entity.DeviceID {
	t.Helper()
	id, err := entity.NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustEntityID(t *testing.T, value string) entity.ID {
	t.Helper()
	id, err := entity.NewID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return id
}

func mustTimestamp(t *testing.T, value int64) entity.UnixTimestamp {
	t.Helper()
	ts, err := entity.NewUnixTimestamp(value)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	return ts
}

func mustOperation(t *testing.T, params OperationParams) *Operation {
	t.Helper()
	operation, err := NewOperation(params)
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	return operation
}

func noteUpdateParams(t *testing.T, opID, noteID string, clientTime int64) OperationParams {
	t.Helper()
	title := "updated title"
	return OperationParams{
		OpID:       opID,
		OwnerID:    mustOwnerID(t, "owner-1"),
		DeviceID:   mustDeviceID(t, "device-1"),
		EntityID:   mustEntityID(t, noteID),
		Type:       TypeNoteUpdated,
		Payload:    NoteUpdatedPayload{Title: &title},
		BasedOnSeq: 0,
		ClientTime: mustTimestamp(t, clientTime),
	}
}
