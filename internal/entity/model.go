package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type discriminates the synchronizable entity kinds.
type Type string

const (
	// TypeNote identifies note entities.
	TypeNote Type = "note"
	// TypeNotebook identifies notebook entities.
	TypeNotebook Type = "notebook"
	// TypeTag identifies tag entities.
	TypeTag Type = "tag"
)

// ParseType validates a raw entity type string.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case TypeNote, TypeNotebook, TypeTag:
		return Type(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", ErrValidation, raw)
	}
}

// NoteStatus enumerates the note lifecycle states.
type NoteStatus string

const (
	// NoteStatusDraft marks a note that is not yet finalized.
	NoteStatusDraft NoteStatus = "draft"
	// NoteStatusActive marks a note in normal use.
	NoteStatusActive NoteStatus = "active"
	// NoteStatusArchived marks a note set aside by the user.
	NoteStatusArchived NoteStatus = "archived"
)

// ParseNoteStatus validates a raw status string.
func ParseNoteStatus(raw string) (NoteStatus, error) {
	switch NoteStatus(raw) {
	case NoteStatusDraft, NoteStatusActive, NoteStatusArchived:
		return NoteStatus(raw), nil
	default:
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
}

const (
	maxIdentifierLength = 190
	// MaxTitleLength bounds note titles.
	MaxTitleLength = 512
	// MaxNotebookNameLength bounds notebook names.
	MaxNotebookNameLength = 255
	// MaxTagNameLength bounds tag names.
	MaxTagNameLength = 120
	// MaxTagsPerNote bounds the tag list of a single note.
	MaxTagsPerNote = 50
	// MaxNotebookDepth bounds notebook nesting, counting the root as depth 1.
	MaxNotebookDepth = 5
)

var (
	// ErrInvalidID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("entity: invalid entity id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("entity: invalid owner id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("entity: invalid device id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("entity: invalid unix timestamp")
)

// ID represents a validated entity identifier.
type ID string

// NewID validates raw input and returns an ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Note models the persisted note projection. The operation log remains the
// source of truth; this row is rebuilt from it on demand. JSON tags define
// the canonical serialized form used by snapshots and export.
type Note struct {
	ID               string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID          string     `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1" json:"owner_id"`
	Title            string     `gorm:"column:title;size:512;not null;default:''" json:"title"`
	Content          string     `gorm:"column:content;type:text;not null;default:''" json:"content"`
	NotebookID       *string    `gorm:"column:notebook_id;size:190;index" json:"notebook_id"`
	TagIDsJSON       string     `gorm:"column:tag_ids_json;type:text;not null;default:'[]'" json:"tag_ids_json"`
	Status           NoteStatus `gorm:"column:status;size:32;not null;default:'active'" json:"status"`
	IsPinned         bool       `gorm:"column:is_pinned;not null;default:false" json:"is_pinned"`
	CreatedAtSeconds int64      `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64      `gorm:"column:updated_at_s;not null;index:idx_notes_owner_updated,priority:2" json:"updated_at_s"`
	IsDeleted        bool       `gorm:"column:is_deleted;not null;default:false;index:idx_notes_owner_updated,priority:3" json:"is_deleted"`
	DeletedAtSeconds *int64     `gorm:"column:deleted_at_s" json:"deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// TagIDs decodes the stored tag list. A corrupt column yields an empty list
// rather than an error; checksum verification covers corruption detection.
func (n Note) TagIDs() []string {
	if n.TagIDsJSON == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(n.TagIDsJSON), &ids); err != nil {
		return nil
	}
	return ids
}

// SetTagIDs stores the tag list sorted and deduplicated so that equal sets
// always serialize to identical bytes.
func (n *Note) SetTagIDs(ids []string) {
	n.TagIDsJSON = encodeTagIDs(ids)
}

// HasTag reports whether the note currently references the tag.
func (n Note) HasTag(tagID string) bool {
	for _, id := range n.TagIDs() {
		if id == tagID {
			return true
		}
	}
	return false
}

func encodeTagIDs(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)
	encoded, err := json.Marshal(unique)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

// Notebook models the persisted notebook projection.
type Notebook struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index" json:"owner_id"`
	Name             string  `gorm:"column:name;size:255;not null" json:"name"`
	ParentID         *string `gorm:"column:parent_id;size:190;index" json:"parent_id"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
	IsDeleted        bool    `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s" json:"deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Notebook) TableName() string {
	return "notebooks"
}

// Tag models the persisted tag projection. NameKey holds the normalized
// form used for case-insensitive uniqueness per owner. Uniqueness is
// enforced at the local mutation boundary, not by the schema, so that
// remote operations from concurrent creates always apply.
type Tag struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_tags_owner_name_key,priority:1" json:"owner_id"`
	Name             string `gorm:"column:name;size:120;not null" json:"name"`
	NameKey          string `gorm:"column:name_key;size:190;not null;index:idx_tags_owner_name_key,priority:2" json:"name_key"`
	Color            string `gorm:"column:color;size:16;not null;default:''" json:"color"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false" json:"is_deleted"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s" json:"deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}
