// Package snapshot maintains per-entity projection checkpoints so long
// histories fold from a verified seed instead of replaying every operation,
// and so archived operations can eventually be purged.
package snapshot

import (
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

// Snapshot captures an entity's state after folding an archived prefix of
// its history. The checksum covers the serialized state and is verified on
// every load.
type Snapshot struct {
	EntityID         string      `gorm:"column:entity_id;primaryKey"`
	OwnerID          string      `gorm:"column:owner_id;index:idx_snapshots_owner"`
	EntityType       entity.Type `gorm:"column:entity_type"`
	StateJSON        string      `gorm:"column:state_json"`
	Checksum         string      `gorm:"column:checksum;size:64"`
	LastOperationID  string      `gorm:"column:last_op_id"`
	ThroughLocalSeq  int64       `gorm:"column:through_local_seq"`
	OperationCount   int64       `gorm:"column:operation_count"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s"`
}

// TableName maps the model to its table.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Verify recomputes the state checksum, reporting corruption.
func (s Snapshot) Verify() bool {
	return oplog.Checksum(s.StateJSON) == s.Checksum
}

// Note decodes the snapshot state as a note seed.
func (s Snapshot) Note() (*entity.Note, error) {
	var note entity.Note
	if err := json.Unmarshal([]byte(s.StateJSON), &note); err != nil {
		return nil, newSnapshotError(opDecode, "state_decode_failed", err)
	}
	return &note, nil
}

// Notebook decodes the snapshot state as a notebook seed.
func (s Snapshot) Notebook() (*entity.Notebook, error) {
	var notebook entity.Notebook
	if err := json.Unmarshal([]byte(s.StateJSON), &notebook); err != nil {
		return nil, newSnapshotError(opDecode, "state_decode_failed", err)
	}
	return &notebook, nil
}

// Tag decodes the snapshot state as a tag seed.
func (s Snapshot) Tag() (*entity.Tag, error) {
	var tag entity.Tag
	if err := json.Unmarshal([]byte(s.StateJSON), &tag); err != nil {
		return nil, newSnapshotError(opDecode, "state_decode_failed", err)
	}
	return &tag, nil
}

// Lookup fetches an entity's snapshot through the provided handle, which may
// be an open transaction. Absence is not an error.
func Lookup(db *gorm.DB, entityID string) (*Snapshot, error) {
	var snap Snapshot
	err := db.Where("entity_id = ?", entityID).Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newSnapshotError(opLookup, "query_failed", err)
	}
	return &snap, nil
}

func newSnapshotError(operation, reason string, cause error) error {
	return &entity.StorageError{Operation: operation + "." + reason, Err: cause}
}

// sealState serializes the folded state and stamps the checksum.
func (s *Snapshot) sealState(state any) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return newSnapshotError(opSeal, "state_encode_failed", err)
	}
	s.StateJSON = string(encoded)
	s.Checksum = oplog.Checksum(s.StateJSON)
	return nil
}
