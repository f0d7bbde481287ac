// Package authority owns the canonical operation order. Devices push their
// journal entries here; the ledger assigns each a monotonic sequence and
// feeds them back to every other device in that order.
package authority

import (
	"github.com/vellumnotes/vellum/internal/oplog"
)

// Entry is one acknowledged operation in the global ledger. The
// autoincrement primary key is the canonical sequence.
type Entry struct {
	ServerSeq          int64  `gorm:"column:server_seq;primaryKey;autoIncrement"`
	OpID               string `gorm:"column:op_id;size:190;not null;uniqueIndex:idx_ledger_entries_op_id"`
	OwnerID            string `gorm:"column:owner_id;size:190;not null;index:idx_ledger_entries_owner"`
	DeviceID           string `gorm:"column:device_id;size:190;not null"`
	EntityType         string `gorm:"column:entity_type;size:32;not null"`
	EntityID           string `gorm:"column:entity_id;size:190;not null;index:idx_ledger_entries_entity"`
	Type               string `gorm:"column:op_type;size:64;not null"`
	PayloadJSON        string `gorm:"column:payload_json;not null"`
	AffectedFieldsJSON string `gorm:"column:affected_fields_json"`
	Checksum           string `gorm:"column:checksum;size:64;not null"`
	BasedOnSeq         int64  `gorm:"column:based_on_seq;not null"`
	ClientTimeSeconds  int64  `gorm:"column:client_time_s;not null"`
	ReceivedAtSeconds  int64  `gorm:"column:received_at_s;not null"`
}

// TableName maps the model to its table.
func (Entry) TableName() string {
	return "ledger_entries"
}

// NewEntry freezes a pushed operation into ledger form. The sequence is
// assigned by the database on insert.
func NewEntry(op oplog.Operation, receivedAtSeconds int64) Entry {
	return Entry{
		OpID:               op.OpID,
		OwnerID:            op.OwnerID,
		DeviceID:           op.DeviceID,
		EntityType:         op.EntityType,
		EntityID:           op.EntityID,
		Type:               string(op.Type),
		PayloadJSON:        op.PayloadJSON,
		AffectedFieldsJSON: op.AffectedFieldsJSON,
		Checksum:           op.Checksum,
		BasedOnSeq:         op.BasedOnSeq,
		ClientTimeSeconds:  op.ClientTimeSeconds,
		ReceivedAtSeconds:  receivedAtSeconds,
	}
}

// Operation converts the entry back to journal form with its sequence
// attached, the shape devices apply and the conflict detector reads.
func (e Entry) Operation() oplog.Operation {
	seq := e.ServerSeq
	return oplog.Operation{
		OpID:               e.OpID,
		OwnerID:            e.OwnerID,
		DeviceID:           e.DeviceID,
		EntityType:         e.EntityType,
		EntityID:           e.EntityID,
		Type:               oplog.Type(e.Type),
		PayloadJSON:        e.PayloadJSON,
		AffectedFieldsJSON: e.AffectedFieldsJSON,
		Checksum:           e.Checksum,
		BasedOnSeq:         e.BasedOnSeq,
		ClientTimeSeconds:  e.ClientTimeSeconds,
		ServerSeq:          &seq,
	}
}
