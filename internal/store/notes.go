package store

import (
	"context"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	opCreateNote    = "store.create_note"
	opUpdateNote    = "store.update_note"
	opDeleteNote    = "store.delete_note"
	opRestoreNote   = "store.restore_note"
	opMoveNote      = "store.move_note"
	opDuplicateNote = "store.duplicate_note"
	opToggleNotePin = "store.toggle_note_pin"
	opSetNoteStatus = "store.set_note_status"
	opAddNoteTag    = "store.add_note_tag"
	opRemoveNoteTag = "store.remove_note_tag"

	duplicateTitleSuffix = " (copy)"
)

// CreateNoteParams carries the initial state for a new note.
type CreateNoteParams struct {
	Title      string
	Content    string
	NotebookID *string
	TagIDs     []string
	Status     entity.NoteStatus
	IsPinned   bool
}

// CreateNote validates the fields, appends NOTE_CREATED, and materializes
// the projection row.
func (s *Store) CreateNote(ctx context.Context, ownerID string, params CreateNoteParams) (*entity.Note, error) {
	if err := entity.ValidateNoteTitle(params.Title); err != nil {
		return nil, err
	}
	status := params.Status
	if status == "" {
		status = entity.NoteStatusActive
	}
	if _, err := entity.ParseNoteStatus(string(status)); err != nil {
		return nil, err
	}
	if err := entity.ValidateTagCount(len(params.TagIDs)); err != nil {
		return nil, err
	}

	var created *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if params.NotebookID != nil {
			if err := s.requireLiveNotebook(tx, ownerID, *params.NotebookID); err != nil {
				return err
			}
		}
		for _, tagID := range params.TagIDs {
			if err := s.requireLiveTag(tx, ownerID, tagID); err != nil {
				return err
			}
		}
		noteID, err := s.newOperationID(opCreateNote)
		if err != nil {
			return err
		}
		op, err := s.buildOperation(tx, opCreateNote, ownerID, noteID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{
			Title:      params.Title,
			Content:    params.Content,
			NotebookID: params.NotebookID,
			TagIDs:     params.TagIDs,
			Status:     status,
			IsPinned:   params.IsPinned,
		})
		if err != nil {
			return err
		}
		note := &entity.Note{}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opCreateNote, op, note); err != nil {
			return err
		}
		created = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// NotePatch carries optional replacement values for note text fields.
type NotePatch struct {
	Title   *string
	Content *string
}

// UpdateNote patches title and content. A patch that changes nothing is a
// successful no-op and appends nothing.
func (s *Store) UpdateNote(ctx context.Context, ownerID, noteID string, patch NotePatch) (*entity.Note, error) {
	if patch.Title == nil && patch.Content == nil {
		return nil, &entity.ValidationError{Field: "patch", Reason: "empty"}
	}
	if patch.Title != nil {
		if err := entity.ValidateNoteTitle(*patch.Title); err != nil {
			return nil, err
		}
	}

	var updated *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		titleUnchanged := patch.Title == nil || *patch.Title == note.Title
		contentUnchanged := patch.Content == nil || *patch.Content == note.Content
		if titleUnchanged && contentUnchanged {
			updated = note
			return nil
		}
		op, err := s.buildOperation(tx, opUpdateNote, ownerID, noteID, oplog.TypeNoteUpdated, oplog.NoteUpdatedPayload{
			Title:   patch.Title,
			Content: patch.Content,
		})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opUpdateNote, op, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return updated, nil
}

// DeleteNote tombstones a note. The row survives until retention purge.
func (s *Store) DeleteNote(ctx context.Context, ownerID, noteID string) (*entity.Note, error) {
	var deleted *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeNote, ID: noteID, Reason: "already deleted"}
		}
		op, err := s.buildOperation(tx, opDeleteNote, ownerID, noteID, oplog.TypeNoteDeleted, oplog.DeletePayload{
			DeletedAtSeconds: s.clock().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDeleteNote, op, note); err != nil {
			return err
		}
		deleted = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return deleted, nil
}

// RestoreNote reverses a tombstone. A note whose notebook disappeared while
// it was deleted is moved to the root in the same transaction.
func (s *Store) RestoreNote(ctx context.Context, ownerID, noteID string) (*entity.Note, error) {
	var restored *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if !note.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeNote, ID: noteID, Reason: "not deleted"}
		}
		op, err := s.buildOperation(tx, opRestoreNote, ownerID, noteID, oplog.TypeNoteRestored, oplog.EmptyPayload{})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRestoreNote, op, note); err != nil {
			return err
		}
		if note.NotebookID != nil {
			live, err := s.notebookIsLive(tx, ownerID, *note.NotebookID)
			if err != nil {
				return err
			}
			if !live {
				moveOp, err := s.buildOperation(tx, opRestoreNote, ownerID, noteID, oplog.TypeNoteMoved, oplog.MovePayload{TargetID: nil})
				if err != nil {
					return err
				}
				if err := oplog.ApplyNote(note, *moveOp); err != nil {
					return err
				}
				if err := s.appendAndSave(tx, opRestoreNote, moveOp, note); err != nil {
					return err
				}
			}
		}
		restored = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return restored, nil
}

// MoveNote retargets the note's notebook. A nil notebookID moves it to the
// root.
func (s *Store) MoveNote(ctx context.Context, ownerID, noteID string, notebookID *string) (*entity.Note, error) {
	var moved *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		if notebookID != nil {
			if err := s.requireLiveNotebook(tx, ownerID, *notebookID); err != nil {
				return err
			}
		}
		if sameTarget(note.NotebookID, notebookID) {
			moved = note
			return nil
		}
		op, err := s.buildOperation(tx, opMoveNote, ownerID, noteID, oplog.TypeNoteMoved, oplog.MovePayload{TargetID: notebookID})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opMoveNote, op, note); err != nil {
			return err
		}
		moved = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return moved, nil
}

// DuplicateNote creates an independent copy of a live note. The copy starts
// unpinned and carries a suffixed title.
func (s *Store) DuplicateNote(ctx context.Context, ownerID, noteID string) (*entity.Note, error) {
	var duplicate *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if source.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		copyID, err := s.newOperationID(opDuplicateNote)
		if err != nil {
			return err
		}
		title := duplicateTitle(source.Title)
		op, err := s.buildOperation(tx, opDuplicateNote, ownerID, copyID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{
			Title:      title,
			Content:    source.Content,
			NotebookID: source.NotebookID,
			TagIDs:     source.TagIDs(),
			Status:     source.Status,
			IsPinned:   false,
		})
		if err != nil {
			return err
		}
		note := &entity.Note{}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDuplicateNote, op, note); err != nil {
			return err
		}
		duplicate = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return duplicate, nil
}

// ToggleNotePin flips the pin flag.
func (s *Store) ToggleNotePin(ctx context.Context, ownerID, noteID string) (*entity.Note, error) {
	var toggled *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		opType := oplog.TypeNotePinned
		if note.IsPinned {
			opType = oplog.TypeNoteUnpinned
		}
		op, err := s.buildOperation(tx, opToggleNotePin, ownerID, noteID, opType, oplog.EmptyPayload{})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opToggleNotePin, op, note); err != nil {
			return err
		}
		toggled = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return toggled, nil
}

// SetNoteStatus transitions the note lifecycle state.
func (s *Store) SetNoteStatus(ctx context.Context, ownerID, noteID string, status entity.NoteStatus) (*entity.Note, error) {
	parsed, err := entity.ParseNoteStatus(string(status))
	if err != nil {
		return nil, err
	}
	var updated *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		if note.Status == parsed {
			updated = note
			return nil
		}
		op, err := s.buildOperation(tx, opSetNoteStatus, ownerID, noteID, oplog.TypeNoteStatusChanged, oplog.StatusPayload{Status: parsed})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opSetNoteStatus, op, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return updated, nil
}

// AddNoteTag attaches a live tag to a note.
func (s *Store) AddNoteTag(ctx context.Context, ownerID, noteID, tagID string) (*entity.Note, error) {
	var updated *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		if err := s.requireLiveTag(tx, ownerID, tagID); err != nil {
			return err
		}
		if note.HasTag(tagID) {
			return &entity.ConflictError{Kind: entity.TypeNote, ID: noteID, Reason: "tag already on note"}
		}
		if err := entity.ValidateTagCount(len(note.TagIDs()) + 1); err != nil {
			return err
		}
		op, err := s.buildOperation(tx, opAddNoteTag, ownerID, noteID, oplog.TypeNoteTagAdded, oplog.TagRefPayload{TagID: tagID})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opAddNoteTag, op, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return updated, nil
}

// RemoveNoteTag detaches a tag reference from a note.
func (s *Store) RemoveNoteTag(ctx context.Context, ownerID, noteID, tagID string) (*entity.Note, error) {
	var updated *entity.Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, ownerID, noteID)
		if err != nil {
			return err
		}
		if note.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
		}
		if !note.HasTag(tagID) {
			return &entity.ConflictError{Kind: entity.TypeNote, ID: noteID, Reason: "tag not on note"}
		}
		op, err := s.buildOperation(tx, opRemoveNoteTag, ownerID, noteID, oplog.TypeNoteTagRemoved, oplog.TagRefPayload{TagID: tagID})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRemoveNoteTag, op, note); err != nil {
			return err
		}
		updated = note
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return updated, nil
}

// duplicateTitle appends the copy suffix, trimming the base title at a rune
// boundary when the result would exceed the length limit.
func duplicateTitle(base string) string {
	if len(base)+len(duplicateTitleSuffix) <= entity.MaxTitleLength {
		return base + duplicateTitleSuffix
	}
	cut := entity.MaxTitleLength - len(duplicateTitleSuffix)
	for cut > 0 && !utf8.RuneStart(base[cut]) {
		cut--
	}
	return base[:cut] + duplicateTitleSuffix
}

func sameTarget(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Store) requireLiveNotebook(tx *gorm.DB, ownerID, notebookID string) error {
	live, err := s.notebookIsLive(tx, ownerID, notebookID)
	if err != nil {
		return err
	}
	if !live {
		return &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
	}
	return nil
}

func (s *Store) notebookIsLive(tx *gorm.DB, ownerID, notebookID string) (bool, error) {
	var count int64
	err := tx.Model(&entity.Notebook{}).
		Where("owner_id = ? AND id = ? AND is_deleted = ?", ownerID, notebookID, false).
		Count(&count).Error
	if err != nil {
		return false, newStoreError("store.notebook_is_live", "query_failed", err)
	}
	return count > 0, nil
}

func (s *Store) requireLiveTag(tx *gorm.DB, ownerID, tagID string) error {
	var count int64
	err := tx.Model(&entity.Tag{}).
		Where("owner_id = ? AND id = ? AND is_deleted = ?", ownerID, tagID, false).
		Count(&count).Error
	if err != nil {
		return newStoreError("store.require_live_tag", "query_failed", err)
	}
	if count == 0 {
		return &entity.NotFoundError{Kind: entity.TypeTag, ID: tagID}
	}
	return nil
}
