package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/snapshot"
	"github.com/vellumnotes/vellum/internal/store"
)

const testOwnerID = "owner-1"

func newExportStore(t *testing.T, label string) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:export_test_%s_%d?mode=memory&cache=shared", label, time.Now().UnixNano())
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
	operationLog, err := oplog.NewLog(oplog.LogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	entityStore, err := store.NewStore(store.Config{
		Database:   db,
		Log:        operationLog,
		IDProvider: oplog.NewUUIDProvider(),
		DeviceID:   "device-" + label,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return entityStore
}

func newTestService(t *testing.T, entityStore *store.Store) *Service {
	t.Helper()
	service, err := NewService(Config{Store: entityStore})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	source := newExportStore(t, "source")
	sourceService := newTestService(t, source)

	parent, err := source.CreateNotebook(ctx, testOwnerID, "Projects", nil)
	if err != nil {
		t.Fatalf("failed to create notebook: %v", err)
	}
	child, err := source.CreateNotebook(ctx, testOwnerID, "Archive", &parent.ID)
	if err != nil {
		t.Fatalf("failed to create child notebook: %v", err)
	}
	tag, err := source.CreateTag(ctx, testOwnerID, "reading", "#00ff00")
	if err != nil {
		t.Fatalf("failed to create tag: %v", err)
	}
	if _, err := source.CreateNote(ctx, testOwnerID, store.CreateNoteParams{
		Title:      "Filed",
		Content:    "in the child notebook",
		NotebookID: &child.ID,
		TagIDs:     []string{tag.ID},
		IsPinned:   true,
	}); err != nil {
		t.Fatalf("failed to create note: %v", err)
	}

	// Tombstoned content stays out of the envelope.
	doomed, err := source.CreateNote(ctx, testOwnerID, store.CreateNoteParams{Title: "Gone"})
	if err != nil {
		t.Fatalf("failed to create doomed note: %v", err)
	}
	if _, err := source.DeleteNote(ctx, testOwnerID, doomed.ID); err != nil {
		t.Fatalf("failed to delete note: %v", err)
	}

	var buffer bytes.Buffer
	if err := sourceService.Export(ctx, testOwnerID, &buffer); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	target := newExportStore(t, "target")
	targetService := newTestService(t, target)
	summary, err := targetService.Import(ctx, testOwnerID, bytes.NewReader(buffer.Bytes()))
	if err != nil {
		t.Fatalf("failed to import: %v", err)
	}
	if summary.Notebooks != 2 || summary.Tags != 1 || summary.Notes != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	notebooks, err := target.ListNotebooks(ctx, testOwnerID, false)
	if err != nil {
		t.Fatalf("failed to list notebooks: %v", err)
	}
	byName := make(map[string]entity.Notebook, len(notebooks))
	for _, notebook := range notebooks {
		byName[notebook.Name] = notebook
	}
	importedParent, ok := byName["Projects"]
	if !ok {
		t.Fatalf("expected Projects notebook imported")
	}
	importedChild, ok := byName["Archive"]
	if !ok {
		t.Fatalf("expected Archive notebook imported")
	}
	if importedChild.ParentID == nil || *importedChild.ParentID != importedParent.ID {
		t.Fatalf("expected parent link preserved across new identifiers")
	}
	if importedParent.ID == parent.ID {
		t.Fatalf("expected the import to issue fresh identifiers")
	}

	notes, err := target.ListNotes(ctx, testOwnerID, store.NoteFilter{})
	if err != nil {
		t.Fatalf("failed to list notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected one live note, got %d", len(notes))
	}
	note := notes[0]
	if note.Title != "Filed" || !note.IsPinned {
		t.Fatalf("unexpected note: %+v", note)
	}
	if note.NotebookID == nil || *note.NotebookID != importedChild.ID {
		t.Fatalf("expected note filed under the imported child notebook")
	}
	tags, err := target.ListTags(ctx, testOwnerID, false)
	if err != nil {
		t.Fatalf("failed to list tags: %v", err)
	}
	if len(tags) != 1 || tags[0].Name != "reading" {
		t.Fatalf("unexpected tags: %+v", tags)
	}
	if !note.HasTag(tags[0].ID) {
		t.Fatalf("expected tag reference remapped to the imported tag")
	}
}

func TestImportReusesTagOnNameCollision(t *testing.T) {
	ctx := context.Background()
	source := newExportStore(t, "collision_source")
	sourceService := newTestService(t, source)

	tag, err := source.CreateTag(ctx, testOwnerID, "Work", "")
	if err != nil {
		t.Fatalf("failed to create tag: %v", err)
	}
	if _, err := source.CreateNote(ctx, testOwnerID, store.CreateNoteParams{
		Title:  "Tagged",
		TagIDs: []string{tag.ID},
	}); err != nil {
		t.Fatalf("failed to create note: %v", err)
	}

	var buffer bytes.Buffer
	if err := sourceService.Export(ctx, testOwnerID, &buffer); err != nil {
		t.Fatalf("failed to export: %v", err)
	}

	target := newExportStore(t, "collision_target")
	existing, err := target.CreateTag(ctx, testOwnerID, "work", "")
	if err != nil {
		t.Fatalf("failed to pre-create tag: %v", err)
	}

	targetService := newTestService(t, target)
	if _, err := targetService.Import(ctx, testOwnerID, bytes.NewReader(buffer.Bytes())); err != nil {
		t.Fatalf("failed to import: %v", err)
	}

	tags, err := target.ListTags(ctx, testOwnerID, false)
	if err != nil {
		t.Fatalf("failed to list tags: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("expected the colliding tag folded onto the existing one, got %d tags", len(tags))
	}
	notes, err := target.ListNotes(ctx, testOwnerID, store.NoteFilter{})
	if err != nil {
		t.Fatalf("failed to list notes: %v", err)
	}
	if len(notes) != 1 || !notes[0].HasTag(existing.ID) {
		t.Fatalf("expected the imported note tagged with the existing tag")
	}
}

func TestImportRejectsUnsupportedVersion(t *testing.T) {
	ctx := context.Background()
	target := newExportStore(t, "version")
	service := newTestService(t, target)

	payload := `{"version": 99, "notebooks": [], "tags": [], "notes": []}`
	_, err := service.Import(ctx, testOwnerID, strings.NewReader(payload))
	if !errors.Is(err, entity.ErrValidation) {
		t.Fatalf("expected validation error for unsupported version, got %v", err)
	}
}
