package oplog

import (
	"encoding/json"
	"sort"

	"github.com/vellumnotes/vellum/internal/entity"
)

// Type enumerates the closed set of operation kinds. Every boundary that
// handles an operation switches exhaustively over this set.
type Type string

const (
	TypeNoteCreated       Type = "NOTE_CREATED"
	TypeNoteUpdated       Type = "NOTE_UPDATED"
	TypeNoteDeleted       Type = "NOTE_DELETED"
	TypeNoteRestored      Type = "NOTE_RESTORED"
	TypeNoteMoved         Type = "NOTE_MOVED"
	TypeNotePinned        Type = "NOTE_PINNED"
	TypeNoteUnpinned      Type = "NOTE_UNPINNED"
	TypeNoteTagAdded      Type = "NOTE_TAG_ADDED"
	TypeNoteTagRemoved    Type = "NOTE_TAG_REMOVED"
	TypeNoteStatusChanged Type = "NOTE_STATUS_CHANGED"
	TypeNotebookCreated   Type = "NOTEBOOK_CREATED"
	TypeNotebookUpdated   Type = "NOTEBOOK_UPDATED"
	TypeNotebookDeleted   Type = "NOTEBOOK_DELETED"
	TypeNotebookRestored  Type = "NOTEBOOK_RESTORED"
	TypeNotebookMoved     Type = "NOTEBOOK_MOVED"
	TypeTagCreated        Type = "TAG_CREATED"
	TypeTagRenamed        Type = "TAG_RENAMED"
	TypeTagDeleted        Type = "TAG_DELETED"
	TypeTagRestored       Type = "TAG_RESTORED"
)

// ParseType validates a raw operation type string.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeNoteCreated, TypeNoteUpdated, TypeNoteDeleted, TypeNoteRestored,
		TypeNoteMoved, TypeNotePinned, TypeNoteUnpinned, TypeNoteTagAdded,
		TypeNoteTagRemoved, TypeNoteStatusChanged,
		TypeNotebookCreated, TypeNotebookUpdated, TypeNotebookDeleted,
		TypeNotebookRestored, TypeNotebookMoved,
		TypeTagCreated, TypeTagRenamed, TypeTagDeleted, TypeTagRestored:
		return Type(raw), nil
	default:
		return "", &entity.ValidationError{Field: "op_type", Reason: "unknown operation type " + raw}
	}
}

// EntityType returns the entity kind an operation type addresses.
func (t Type) EntityType() entity.Type {
	switch t {
	case TypeNoteCreated, TypeNoteUpdated, TypeNoteDeleted, TypeNoteRestored,
		TypeNoteMoved, TypeNotePinned, TypeNoteUnpinned, TypeNoteTagAdded,
		TypeNoteTagRemoved, TypeNoteStatusChanged:
		return entity.TypeNote
	case TypeNotebookCreated, TypeNotebookUpdated, TypeNotebookDeleted,
		TypeNotebookRestored, TypeNotebookMoved:
		return entity.TypeNotebook
	case TypeTagCreated, TypeTagRenamed, TypeTagDeleted, TypeTagRestored:
		return entity.TypeTag
	default:
		return ""
	}
}

// WholeEntity reports whether the operation addresses the entity as a whole
// rather than individual fields. Whole-entity operations overlap with every
// concurrent operation on the same entity.
func (t Type) WholeEntity() bool {
	switch t {
	case TypeNoteCreated, TypeNoteDeleted, TypeNoteRestored,
		TypeNotebookCreated, TypeNotebookDeleted, TypeNotebookRestored,
		TypeTagCreated, TypeTagDeleted, TypeTagRestored:
		return true
	default:
		return false
	}
}

// IsCreate reports whether the operation brings its entity into existence.
// A history whose first operation is a create can be replayed from zero.
func (t Type) IsCreate() bool {
	switch t {
	case TypeNoteCreated, TypeNotebookCreated, TypeTagCreated:
		return true
	default:
		return false
	}
}

// Field names referenced by affectedFields sets.
const (
	FieldTitle      = "title"
	FieldContent    = "content"
	FieldNotebookID = "notebook_id"
	FieldTags       = "tags"
	FieldStatus     = "status"
	FieldIsPinned   = "is_pinned"
	FieldName       = "name"
	FieldParentID   = "parent_id"
	FieldColor      = "color"
)

// Operation is one immutable row of the append-only journal. Only the sync
// bookkeeping columns (server_seq, synced_at_s, archived_at_s) are ever
// backfilled after insert; everything else is frozen at append time.
type Operation struct {
	LocalSeq           int64  `gorm:"column:local_seq;primaryKey;autoIncrement"`
	OpID               string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_operations_op_id"`
	OwnerID            string `gorm:"column:owner_id;size:190;not null;index:idx_operations_owner_entity,priority:1"`
	EntityType         string `gorm:"column:entity_type;size:32;not null"`
	EntityID           string `gorm:"column:entity_id;size:190;not null;index:idx_operations_owner_entity,priority:2"`
	Type               Type   `gorm:"column:op_type;size:64;not null"`
	PayloadJSON        string `gorm:"column:payload_json;type:text;not null"`
	AffectedFieldsJSON string `gorm:"column:affected_fields_json;type:text;not null;default:'[]'"`
	Checksum           string `gorm:"column:checksum;size:64;not null"`
	DeviceID           string `gorm:"column:device_id;size:190;not null"`
	BasedOnSeq         int64  `gorm:"column:based_on_seq;not null;default:0"`
	ClientTimeSeconds  int64  `gorm:"column:client_time_s;not null"`
	ServerSeq          *int64 `gorm:"column:server_seq;uniqueIndex:idx_operations_server_seq"`
	SyncedAtSeconds    *int64 `gorm:"column:synced_at_s"`
	ArchivedAtSeconds  *int64 `gorm:"column:archived_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "operations"
}

// AffectedFields decodes the stored field set.
func (op Operation) AffectedFields() []string {
	if op.AffectedFieldsJSON == "" {
		return nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(op.AffectedFieldsJSON), &fields); err != nil {
		return nil
	}
	return fields
}

// SetAffectedFields stores the field set sorted so equal sets serialize to
// identical bytes.
func (op *Operation) SetAffectedFields(fields []string) {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	encoded, err := json.Marshal(sorted)
	if err != nil {
		op.AffectedFieldsJSON = "[]"
		return
	}
	op.AffectedFieldsJSON = string(encoded)
}

// Synced reports whether the authority has acknowledged the operation.
func (op Operation) Synced() bool {
	return op.ServerSeq != nil
}

// Payload decodes the stored payload through the tagged union.
func (op Operation) Payload() (Payload, error) {
	return DecodePayload(op.Type, op.PayloadJSON)
}
