package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/snapshot"
)

const (
	testOwnerID  = "owner-1"
	testDeviceID = "device-1"
)

// stepClock hands out strictly increasing timestamps so ordering assertions
// stay deterministic.
type stepClock struct {
	current int64
}

func (c *stepClock) Now() time.Time {
	c.current++
	return time.Unix(c.current, 0).UTC()
}

func newTestStore(t *testing.T) (*Store, *oplog.Log) {
	t.Helper()
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&entity.Note{},
		&entity.Notebook{},
		&entity.Tag{},
		&oplog.Operation{},
		&snapshot.Snapshot{},
		&conflict.Record{},
		&device.State{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	clock := &stepClock{}
	operationLog, err := oplog.NewLog(oplog.LogConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	entityStore, err := NewStore(Config{
		Database:   db,
		Log:        operationLog,
		IDProvider: oplog.NewUUIDProvider(),
		Clock:      clock.Now,
		DeviceID:   testDeviceID,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return entityStore, operationLog
}

func mustCreateNote(t *testing.T, s *Store, params CreateNoteParams) *entity.Note {
	t.Helper()
	note, err := s.CreateNote(context.Background(), testOwnerID, params)
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}

func mustCreateNotebook(t *testing.T, s *Store, name string, parentID *string) *entity.Notebook {
	t.Helper()
	notebook, err := s.CreateNotebook(context.Background(), testOwnerID, name, parentID)
	if err != nil {
		t.Fatalf("failed to create notebook %s: %v", name, err)
	}
	return notebook
}

func mustCreateTag(t *testing.T, s *Store, name, color string) *entity.Tag {
	t.Helper()
	tag, err := s.CreateTag(context.Background(), testOwnerID, name, color)
	if err != nil {
		t.Fatalf("failed to create tag %s: %v", name, err)
	}
	return tag
}

func historyTypes(t *testing.T, operationLog *oplog.Log, entityID string) []oplog.Type {
	t.Helper()
	history, err := operationLog.ForEntity(context.Background(), entityID)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	types := make([]oplog.Type, 0, len(history))
	for _, op := range history {
		types = append(types, op.Type)
	}
	return types
}
