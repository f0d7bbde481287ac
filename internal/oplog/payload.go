package oplog

import (
	"encoding/json"
	"fmt"

	"github.com/vellumnotes/vellum/internal/entity"
)

// Payload is the tagged union of operation payload shapes, keyed by the
// operation Type. Several types share a shape; the pairing is enforced by
// EncodePayload and DecodePayload.
type Payload interface {
	isPayload()
}

// NoteCreatedPayload carries the full initial state of a note.
type NoteCreatedPayload struct {
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	NotebookID *string           `json:"notebook_id,omitempty"`
	TagIDs     []string          `json:"tag_ids,omitempty"`
	Status     entity.NoteStatus `json:"status"`
	IsPinned   bool              `json:"is_pinned"`
}

func (NoteCreatedPayload) isPayload() {}

// NoteUpdatedPayload patches note text fields. Nil means untouched.
type NoteUpdatedPayload struct {
	Title   *string `json:"title,omitempty"`
	Content *string `json:"content,omitempty"`
}

func (NoteUpdatedPayload) isPayload() {}

// DeletePayload records the tombstone timestamp.
type DeletePayload struct {
	DeletedAtSeconds int64 `json:"deleted_at_s"`
}

func (DeletePayload) isPayload() {}

// EmptyPayload is used by operations whose type alone carries the meaning,
// such as restores and pin toggles.
type EmptyPayload struct{}

func (EmptyPayload) isPayload() {}

// MovePayload retargets a reference: a note's notebook or a notebook's
// parent. Nil clears the reference.
type MovePayload struct {
	TargetID *string `json:"target_id"`
}

func (MovePayload) isPayload() {}

// TagRefPayload names the tag added to or removed from a note.
type TagRefPayload struct {
	TagID string `json:"tag_id"`
}

func (TagRefPayload) isPayload() {}

// StatusPayload carries a note lifecycle transition.
type StatusPayload struct {
	Status entity.NoteStatus `json:"status"`
}

func (StatusPayload) isPayload() {}

// NotebookCreatedPayload carries the full initial state of a notebook.
type NotebookCreatedPayload struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

func (NotebookCreatedPayload) isPayload() {}

// RenamePayload carries a new notebook or tag name.
type RenamePayload struct {
	Name string `json:"name"`
}

func (RenamePayload) isPayload() {}

// TagCreatedPayload carries the full initial state of a tag.
type TagCreatedPayload struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (TagCreatedPayload) isPayload() {}

// EncodePayload serializes a payload after checking it matches the shape
// required by the operation type.
func EncodePayload(opType Type, payload Payload) (string, error) {
	if err := checkPayloadShape(opType, payload); err != nil {
		return "", err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", &entity.ValidationError{Field: "payload", Reason: fmt.Sprintf("encode %s: %v", opType, err)}
	}
	return string(encoded), nil
}

// DecodePayload deserializes a stored payload into the shape required by the
// operation type. Unknown types are rejected at the boundary.
func DecodePayload(opType Type, raw string) (Payload, error) {
	decode := func(target Payload) error {
		if err := json.Unmarshal([]byte(raw), target); err != nil {
			return &entity.ValidationError{Field: "payload", Reason: fmt.Sprintf("decode %s: %v", opType, err)}
		}
		return nil
	}
	switch opType {
	case TypeNoteCreated:
		var payload NoteCreatedPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteUpdated:
		var payload NoteUpdatedPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteDeleted, TypeNotebookDeleted, TypeTagDeleted:
		var payload DeletePayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteRestored, TypeNotePinned, TypeNoteUnpinned, TypeNotebookRestored, TypeTagRestored:
		var payload EmptyPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteMoved, TypeNotebookMoved:
		var payload MovePayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteTagAdded, TypeNoteTagRemoved:
		var payload TagRefPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNoteStatusChanged:
		var payload StatusPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNotebookCreated:
		var payload NotebookCreatedPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeNotebookUpdated, TypeTagRenamed:
		var payload RenamePayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeTagCreated:
		var payload TagCreatedPayload
		if err := decode(&payload); err != nil {
			return nil, err
		}
		return payload, nil
	default:
		return nil, &entity.ValidationError{Field: "op_type", Reason: "unknown operation type " + string(opType)}
	}
}

func checkPayloadShape(opType Type, payload Payload) error {
	mismatch := func() error {
		return &entity.ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("shape %T does not match operation type %s", payload, opType),
		}
	}
	switch opType {
	case TypeNoteCreated:
		if _, ok := payload.(NoteCreatedPayload); !ok {
			return mismatch()
		}
	case TypeNoteUpdated:
		if _, ok := payload.(NoteUpdatedPayload); !ok {
			return mismatch()
		}
	case TypeNoteDeleted, TypeNotebookDeleted, TypeTagDeleted:
		if _, ok := payload.(DeletePayload); !ok {
			return mismatch()
		}
	case TypeNoteRestored, TypeNotePinned, TypeNoteUnpinned, TypeNotebookRestored, TypeTagRestored:
		if _, ok := payload.(EmptyPayload); !ok {
			return mismatch()
		}
	case TypeNoteMoved, TypeNotebookMoved:
		if _, ok := payload.(MovePayload); !ok {
			return mismatch()
		}
	case TypeNoteTagAdded, TypeNoteTagRemoved:
		if _, ok := payload.(TagRefPayload); !ok {
			return mismatch()
		}
	case TypeNoteStatusChanged:
		if _, ok := payload.(StatusPayload); !ok {
			return mismatch()
		}
	case TypeNotebookCreated:
		if _, ok := payload.(NotebookCreatedPayload); !ok {
			return mismatch()
		}
	case TypeNotebookUpdated, TypeTagRenamed:
		if _, ok := payload.(RenamePayload); !ok {
			return mismatch()
		}
	case TypeTagCreated:
		if _, ok := payload.(TagCreatedPayload); !ok {
			return mismatch()
		}
	default:
		return &entity.ValidationError{Field: "op_type", Reason: "unknown operation type " + string(opType)}
	}
	return nil
}

// affectedFieldsFor derives the canonical affected field set for an
// operation. Update payloads contribute only the fields they patch.
func affectedFieldsFor(opType Type, payload Payload) []string {
	switch opType {
	case TypeNoteCreated:
		return []string{FieldTitle, FieldContent, FieldNotebookID, FieldTags, FieldStatus, FieldIsPinned}
	case TypeNoteUpdated:
		patch, ok := payload.(NoteUpdatedPayload)
		if !ok {
			return nil
		}
		var fields []string
		if patch.Title != nil {
			fields = append(fields, FieldTitle)
		}
		if patch.Content != nil {
			fields = append(fields, FieldContent)
		}
		return fields
	case TypeNoteDeleted, TypeNoteRestored, TypeNotebookDeleted, TypeNotebookRestored, TypeTagDeleted, TypeTagRestored:
		return nil
	case TypeNoteMoved:
		return []string{FieldNotebookID}
	case TypeNotePinned, TypeNoteUnpinned:
		return []string{FieldIsPinned}
	case TypeNoteTagAdded, TypeNoteTagRemoved:
		return []string{FieldTags}
	case TypeNoteStatusChanged:
		return []string{FieldStatus}
	case TypeNotebookCreated:
		return []string{FieldName, FieldParentID}
	case TypeNotebookUpdated, TypeTagRenamed:
		return []string{FieldName}
	case TypeNotebookMoved:
		return []string{FieldParentID}
	case TypeTagCreated:
		return []string{FieldName, FieldColor}
	default:
		return nil
	}
}
