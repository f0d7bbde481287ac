package oplog

import (
	"github.com/vellumnotes/vellum/internal/entity"
)

// The apply functions below are the single mutation path shared by local
// commands, remote application, and snapshot rebuilds. They are total:
// validation happens at the command boundary, while replay accepts any
// recorded operation and degrades deterministically, so the same history
// always folds to the same state.

// ApplyNote mutates the note per one operation.
func ApplyNote(note *entity.Note, op Operation) error {
	payload, err := op.Payload()
	if err != nil {
		return err
	}
	note.ID = op.EntityID
	note.OwnerID = op.OwnerID
	switch op.Type {
	case TypeNoteCreated:
		created, ok := payload.(NoteCreatedPayload)
		if !ok {
			return shapeError(op)
		}
		note.Title = created.Title
		note.Content = created.Content
		note.NotebookID = created.NotebookID
		note.SetTagIDs(created.TagIDs)
		note.Status = created.Status
		if note.Status == "" {
			note.Status = entity.NoteStatusActive
		}
		note.IsPinned = created.IsPinned
		note.CreatedAtSeconds = op.ClientTimeSeconds
		note.IsDeleted = false
		note.DeletedAtSeconds = nil
	case TypeNoteUpdated:
		patch, ok := payload.(NoteUpdatedPayload)
		if !ok {
			return shapeError(op)
		}
		if patch.Title != nil {
			note.Title = *patch.Title
		}
		if patch.Content != nil {
			note.Content = *patch.Content
		}
	case TypeNoteDeleted:
		tombstone, ok := payload.(DeletePayload)
		if !ok {
			return shapeError(op)
		}
		deletedAt := tombstone.DeletedAtSeconds
		note.IsDeleted = true
		note.DeletedAtSeconds = &deletedAt
	case TypeNoteRestored:
		note.IsDeleted = false
		note.DeletedAtSeconds = nil
	case TypeNoteMoved:
		move, ok := payload.(MovePayload)
		if !ok {
			return shapeError(op)
		}
		note.NotebookID = move.TargetID
	case TypeNotePinned:
		note.IsPinned = true
	case TypeNoteUnpinned:
		note.IsPinned = false
	case TypeNoteTagAdded:
		ref, ok := payload.(TagRefPayload)
		if !ok {
			return shapeError(op)
		}
		if !note.HasTag(ref.TagID) {
			note.SetTagIDs(append(note.TagIDs(), ref.TagID))
		}
	case TypeNoteTagRemoved:
		ref, ok := payload.(TagRefPayload)
		if !ok {
			return shapeError(op)
		}
		if note.HasTag(ref.TagID) {
			kept := make([]string, 0, len(note.TagIDs()))
			for _, id := range note.TagIDs() {
				if id != ref.TagID {
					kept = append(kept, id)
				}
			}
			note.SetTagIDs(kept)
		}
	case TypeNoteStatusChanged:
		status, ok := payload.(StatusPayload)
		if !ok {
			return shapeError(op)
		}
		note.Status = status.Status
	default:
		// Operations for other entity kinds never reach here.
		return nil
	}
	note.UpdatedAtSeconds = op.ClientTimeSeconds
	return nil
}

// ApplyNotebook mutates the notebook per one operation.
func ApplyNotebook(notebook *entity.Notebook, op Operation) error {
	payload, err := op.Payload()
	if err != nil {
		return err
	}
	notebook.ID = op.EntityID
	notebook.OwnerID = op.OwnerID
	switch op.Type {
	case TypeNotebookCreated:
		created, ok := payload.(NotebookCreatedPayload)
		if !ok {
			return shapeError(op)
		}
		notebook.Name = created.Name
		notebook.ParentID = created.ParentID
		notebook.CreatedAtSeconds = op.ClientTimeSeconds
		notebook.IsDeleted = false
		notebook.DeletedAtSeconds = nil
	case TypeNotebookUpdated:
		rename, ok := payload.(RenamePayload)
		if !ok {
			return shapeError(op)
		}
		notebook.Name = rename.Name
	case TypeNotebookDeleted:
		tombstone, ok := payload.(DeletePayload)
		if !ok {
			return shapeError(op)
		}
		deletedAt := tombstone.DeletedAtSeconds
		notebook.IsDeleted = true
		notebook.DeletedAtSeconds = &deletedAt
	case TypeNotebookRestored:
		notebook.IsDeleted = false
		notebook.DeletedAtSeconds = nil
	case TypeNotebookMoved:
		move, ok := payload.(MovePayload)
		if !ok {
			return shapeError(op)
		}
		notebook.ParentID = move.TargetID
	default:
		return nil
	}
	notebook.UpdatedAtSeconds = op.ClientTimeSeconds
	return nil
}

// ApplyTag mutates the tag per one operation.
func ApplyTag(tag *entity.Tag, op Operation) error {
	payload, err := op.Payload()
	if err != nil {
		return err
	}
	tag.ID = op.EntityID
	tag.OwnerID = op.OwnerID
	switch op.Type {
	case TypeTagCreated:
		created, ok := payload.(TagCreatedPayload)
		if !ok {
			return shapeError(op)
		}
		tag.Name = created.Name
		tag.NameKey = entity.TagNameKey(created.Name)
		tag.Color = created.Color
		tag.CreatedAtSeconds = op.ClientTimeSeconds
		tag.IsDeleted = false
		tag.DeletedAtSeconds = nil
	case TypeTagRenamed:
		rename, ok := payload.(RenamePayload)
		if !ok {
			return shapeError(op)
		}
		tag.Name = rename.Name
		tag.NameKey = entity.TagNameKey(rename.Name)
	case TypeTagDeleted:
		tombstone, ok := payload.(DeletePayload)
		if !ok {
			return shapeError(op)
		}
		deletedAt := tombstone.DeletedAtSeconds
		tag.IsDeleted = true
		tag.DeletedAtSeconds = &deletedAt
	case TypeTagRestored:
		tag.IsDeleted = false
		tag.DeletedAtSeconds = nil
	default:
		return nil
	}
	tag.UpdatedAtSeconds = op.ClientTimeSeconds
	return nil
}

// ReplayNote folds a note through history in canonical order. A nil seed
// starts from zero state; a snapshot seed stands in for the archived prefix
// of the history.
func ReplayNote(seed *entity.Note, history []Operation) (*entity.Note, error) {
	note := &entity.Note{Status: entity.NoteStatusActive, TagIDsJSON: "[]"}
	if seed != nil {
		clone := *seed
		note = &clone
	}
	for _, op := range history {
		if err := ApplyNote(note, op); err != nil {
			return nil, err
		}
	}
	return note, nil
}

// ReplayNotebook folds a notebook through its history.
func ReplayNotebook(seed *entity.Notebook, history []Operation) (*entity.Notebook, error) {
	notebook := &entity.Notebook{}
	if seed != nil {
		clone := *seed
		notebook = &clone
	}
	for _, op := range history {
		if err := ApplyNotebook(notebook, op); err != nil {
			return nil, err
		}
	}
	return notebook, nil
}

// ReplayTag folds a tag through its history.
func ReplayTag(seed *entity.Tag, history []Operation) (*entity.Tag, error) {
	tag := &entity.Tag{}
	if seed != nil {
		clone := *seed
		tag = &clone
	}
	for _, op := range history {
		if err := ApplyTag(tag, op); err != nil {
			return nil, err
		}
	}
	return tag, nil
}

func shapeError(op Operation) error {
	return &entity.StorageError{
		Operation: "oplog.apply.payload_shape",
		Err:       &entity.ValidationError{Field: "payload", Reason: "shape does not match " + string(op.Type)},
	}
}
