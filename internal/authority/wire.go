package authority

import (
	"encoding/json"

	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/oplog"
)

// SyncRequest is the body of POST /sync. A device pushes its unsynced
// operations and states the last sequence it has applied; either side of
// the exchange may be empty.
type SyncRequest struct {
	DeviceID      string          `json:"device_id"`
	LastServerSeq int64           `json:"last_server_seq"`
	PullLimit     int             `json:"pull_limit,omitempty"`
	Operations    []WireOperation `json:"operations"`
}

// SyncResponse carries the sequence assignments for pushed operations, the
// conflicts the batch raised, and the next window of remote operations.
type SyncResponse struct {
	AssignedSeqs     map[string]int64 `json:"assigned_seqs"`
	Conflicts        []WireConflict   `json:"conflicts"`
	RemoteOperations []WireOperation  `json:"remote_operations"`
	HasMore          bool             `json:"has_more"`
	NextAfter        int64            `json:"next_after"`
	LatestSeq        int64            `json:"latest_seq"`
}

// WireOperation is the journal entry shape exchanged with the authority.
// Pushed operations carry no sequence; remote operations always do.
type WireOperation struct {
	OpID              string          `json:"op_id"`
	OwnerID           string          `json:"owner_id"`
	DeviceID          string          `json:"device_id"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Type              string          `json:"op_type"`
	Payload           json.RawMessage `json:"payload"`
	AffectedFields    []string        `json:"affected_fields"`
	Checksum          string          `json:"checksum"`
	BasedOnSeq        int64           `json:"based_on_seq"`
	ClientTimeSeconds int64           `json:"client_time_s"`
	ServerSeq         *int64          `json:"server_seq,omitempty"`
}

// WireFromOperation serializes a journal row for the wire.
func WireFromOperation(op oplog.Operation) WireOperation {
	wire := WireOperation{
		OpID:              op.OpID,
		OwnerID:           op.OwnerID,
		DeviceID:          op.DeviceID,
		EntityType:        op.EntityType,
		EntityID:          op.EntityID,
		Type:              string(op.Type),
		Payload:           json.RawMessage(op.PayloadJSON),
		AffectedFields:    op.AffectedFields(),
		Checksum:          op.Checksum,
		BasedOnSeq:        op.BasedOnSeq,
		ClientTimeSeconds: op.ClientTimeSeconds,
	}
	if op.ServerSeq != nil {
		seq := *op.ServerSeq
		wire.ServerSeq = &seq
	}
	return wire
}

// Operation deserializes the wire shape back into a journal row. The
// operation type must be known; checksum integrity is checked where the
// operation is accepted, not here.
func (w WireOperation) Operation() (oplog.Operation, error) {
	opType, err := oplog.ParseType(w.Type)
	if err != nil {
		return oplog.Operation{}, err
	}
	op := oplog.Operation{
		OpID:              w.OpID,
		OwnerID:           w.OwnerID,
		DeviceID:          w.DeviceID,
		EntityType:        w.EntityType,
		EntityID:          w.EntityID,
		Type:              opType,
		PayloadJSON:       string(w.Payload),
		Checksum:          w.Checksum,
		BasedOnSeq:        w.BasedOnSeq,
		ClientTimeSeconds: w.ClientTimeSeconds,
	}
	op.SetAffectedFields(w.AffectedFields)
	if w.ServerSeq != nil {
		seq := *w.ServerSeq
		op.ServerSeq = &seq
	}
	return op, nil
}

// WireConflict is the reported shape of one resolved concurrent pair.
type WireConflict struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	WinnerOpID string   `json:"winner_op_id"`
	LoserOpID  string   `json:"loser_op_id"`
	Accepted   bool     `json:"accepted"`
	Fields     []string `json:"fields"`
}

// WireFromOutcome serializes a conflict outcome for the wire.
func WireFromOutcome(outcome conflict.Outcome) WireConflict {
	return WireConflict{
		EntityType: outcome.EntityType,
		EntityID:   outcome.EntityID,
		WinnerOpID: outcome.WinnerOpID,
		LoserOpID:  outcome.LoserOpID,
		Accepted:   outcome.Accepted,
		Fields:     outcome.Fields,
	}
}

// Outcome deserializes the wire shape back into a conflict outcome.
func (w WireConflict) Outcome() conflict.Outcome {
	return conflict.Outcome{
		EntityType: w.EntityType,
		EntityID:   w.EntityID,
		WinnerOpID: w.WinnerOpID,
		LoserOpID:  w.LoserOpID,
		Accepted:   w.Accepted,
		Fields:     w.Fields,
	}
}
