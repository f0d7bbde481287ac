package conflict

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vellumnotes/vellum/internal/entity"
)

// Record persists a resolved conflict so it stays reportable to the user.
// The pair (winner, loser) is unique: re-detecting the same pair during a
// replayed sync cycle does not duplicate the record.
type Record struct {
	RecordID          int64  `gorm:"column:record_id;primaryKey;autoIncrement"`
	OwnerID           string `gorm:"column:owner_id;size:190;not null;index:idx_conflicts_owner_time,priority:1"`
	EntityType        string `gorm:"column:entity_type;size:32;not null"`
	EntityID          string `gorm:"column:entity_id;size:190;not null"`
	WinnerOpID        string `gorm:"column:winner_op_id;size:190;not null;uniqueIndex:idx_conflicts_pair,priority:1"`
	LoserOpID         string `gorm:"column:loser_op_id;size:190;not null;uniqueIndex:idx_conflicts_pair,priority:2"`
	FieldsJSON        string `gorm:"column:fields_json;type:text;not null;default:'[]'"`
	DetectedAtSeconds int64  `gorm:"column:detected_at_s;not null;index:idx_conflicts_owner_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "conflict_records"
}

// Fields decodes the overlapping field set that triggered the conflict.
func (r Record) Fields() []string {
	if r.FieldsJSON == "" {
		return nil
	}
	var fields []string
	if err := json.Unmarshal([]byte(r.FieldsJSON), &fields); err != nil {
		return nil
	}
	return fields
}

// NewRecord builds a persistable record from a resolved outcome.
func NewRecord(ownerID string, outcome Outcome, detectedAtSeconds int64) Record {
	encoded, err := json.Marshal(outcome.Fields)
	if err != nil || outcome.Fields == nil {
		encoded = []byte("[]")
	}
	return Record{
		OwnerID:           ownerID,
		EntityType:        outcome.EntityType,
		EntityID:          outcome.EntityID,
		WinnerOpID:        outcome.WinnerOpID,
		LoserOpID:         outcome.LoserOpID,
		FieldsJSON:        string(encoded),
		DetectedAtSeconds: detectedAtSeconds,
	}
}

// SaveRecord inserts the record inside the caller's transaction, ignoring a
// pair that is already recorded.
func SaveRecord(tx *gorm.DB, record Record) error {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return &entity.StorageError{Operation: "conflict.save_record.insert_failed", Err: result.Error}
	}
	return nil
}

// ListRecords returns the owner's conflicts, most recent first.
func ListRecords(ctx context.Context, db *gorm.DB, ownerID string) ([]Record, error) {
	var records []Record
	if err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("detected_at_s DESC, record_id DESC").
		Find(&records).Error; err != nil {
		return nil, &entity.StorageError{Operation: "conflict.list_records.query_failed", Err: err}
	}
	return records, nil
}
