package oplog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vellumnotes/vellum/internal/entity"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingTransaction = errors.New("transaction handle is required")
	noOpLogger            = zap.NewNop()
)

const (
	opLogNew       = "oplog.log.new"
	opAppend       = "oplog.append"
	opForEntity    = "oplog.for_entity"
	opUnsynced     = "oplog.unsynced"
	opSince        = "oplog.since"
	opMarkSynced   = "oplog.mark_synced"
	opMarkArchived = "oplog.mark_archived"
	opCountLive    = "oplog.count_live"

	fieldOwnerID  = "owner_id"
	fieldEntityID = "entity_id"
	fieldOpID     = "op_id"

	queryOpID           = "op_id = ?"
	queryOpIDUnassigned = "op_id = ? AND server_seq IS NULL"
	queryOwnerUnsynced  = "owner_id = ? AND server_seq IS NULL"
	queryEntityID       = "entity_id = ?"
	queryOwnerSince     = "owner_id = ? AND local_seq > ?"
	queryEntityLive     = "entity_id = ? AND archived_at_s IS NULL"
	queryEntityArchived = "entity_id = ? AND archived_at_s IS NOT NULL"
	queryEntityThrough  = "entity_id = ? AND local_seq <= ? AND server_seq IS NOT NULL AND archived_at_s IS NULL"

	orderLocalSeqAsc = "local_seq ASC"
	// Canonical order: acknowledged operations by server sequence, then
	// unacknowledged ones by client time with the local sequence as a
	// deterministic tiebreaker.
	orderCanonical = "server_seq IS NULL, server_seq ASC, client_time_s ASC, local_seq ASC"
)

func newLogError(operation, reason string, cause error) error {
	return &entity.StorageError{Operation: fmt.Sprintf("%s.%s", operation, reason), Err: cause}
}

// OperationParams collects the inputs frozen into a new journal entry.
type OperationParams struct {
	OpID       string
	OwnerID    entity.OwnerID
	DeviceID   entity.DeviceID
	EntityID   entity.ID
	Type       Type
	Payload    Payload
	BasedOnSeq int64
	ClientTime entity.UnixTimestamp
}

// NewOperation validates params, encodes the payload through the tagged
// union, derives the affected field set, and seals the checksum.
func NewOperation(params OperationParams) (*Operation, error) {
	opID, err := entity.NewID(params.OpID)
	if err != nil {
		return nil, err
	}
	if params.OwnerID.String() == "" {
		return nil, &entity.ValidationError{Field: "owner_id", Reason: "blank"}
	}
	if params.DeviceID.String() == "" {
		return nil, &entity.ValidationError{Field: "device_id", Reason: "blank"}
	}
	if params.EntityID.String() == "" {
		return nil, &entity.ValidationError{Field: "entity_id", Reason: "blank"}
	}
	if params.BasedOnSeq < 0 {
		return nil, &entity.ValidationError{Field: "based_on_seq", Reason: "negative"}
	}
	entityType := params.Type.EntityType()
	if entityType == "" {
		return nil, &entity.ValidationError{Field: "op_type", Reason: "unknown operation type " + string(params.Type)}
	}
	payloadJSON, err := EncodePayload(params.Type, params.Payload)
	if err != nil {
		return nil, err
	}
	operation := &Operation{
		OpID:              opID.String(),
		OwnerID:           params.OwnerID.String(),
		EntityType:        string(entityType),
		EntityID:          params.EntityID.String(),
		Type:              params.Type,
		PayloadJSON:       payloadJSON,
		Checksum:          Checksum(payloadJSON),
		DeviceID:          params.DeviceID.String(),
		BasedOnSeq:        params.BasedOnSeq,
		ClientTimeSeconds: params.ClientTime.Int64(),
	}
	operation.SetAffectedFields(affectedFieldsFor(params.Type, params.Payload))
	return operation, nil
}

// LogConfig wires the journal service.
type LogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Log is the append-only journal service. Append runs inside the caller's
// transaction so entity mutation and journal entry commit or fail together.
type Log struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog validates the configuration and returns a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newLogError(opLogNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Log{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append inserts the operation. A duplicate operation id is not an error:
// the stored row is loaded into op and duplicate=true is returned, which
// makes resubmission and remote re-delivery idempotent.
func (l *Log) Append(tx *gorm.DB, op *Operation) (bool, error) {
	if tx == nil {
		l.logError(opAppend, "missing_transaction", errMissingTransaction)
		return false, newLogError(opAppend, "missing_transaction", errMissingTransaction)
	}
	if !op.Verify() {
		err := fmt.Errorf("operation %s payload does not match checksum", op.OpID)
		l.logError(opAppend, "checksum_mismatch", err, zap.String(fieldOpID, op.OpID))
		return false, newLogError(opAppend, "checksum_mismatch", err)
	}
	createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(op)
	if createResult.Error != nil {
		l.logError(opAppend, "insert_failed", createResult.Error, zap.String(fieldOpID, op.OpID))
		return false, newLogError(opAppend, "insert_failed", createResult.Error)
	}
	duplicate := createResult.RowsAffected == 0
	if duplicate {
		var existing Operation
		if err := tx.Where(queryOpID, op.OpID).Take(&existing).Error; err != nil {
			l.logError(opAppend, "duplicate_lookup_failed", err, zap.String(fieldOpID, op.OpID))
			return false, newLogError(opAppend, "duplicate_lookup_failed", err)
		}
		*op = existing
	}
	return duplicate, nil
}

// EntityHistory loads an entity's operations in canonical order through the
// provided handle, which may be an open transaction. SQLite runs on a single
// connection, so reads inside a transaction must reuse its handle.
func EntityHistory(db *gorm.DB, entityID string) ([]Operation, error) {
	var operations []Operation
	if err := db.
		Where(queryEntityID, entityID).
		Order(orderCanonical).
		Find(&operations).Error; err != nil {
		return nil, newLogError(opForEntity, "query_failed", err)
	}
	return operations, nil
}

// LiveEntityHistory loads the operations not yet folded into a snapshot, in
// canonical order. Together with the snapshot state they reproduce the full
// replay.
func LiveEntityHistory(db *gorm.DB, entityID string) ([]Operation, error) {
	var operations []Operation
	if err := db.
		Where(queryEntityLive, entityID).
		Order(orderCanonical).
		Find(&operations).Error; err != nil {
		return nil, newLogError(opForEntity, "query_failed", err)
	}
	return operations, nil
}

// ArchivedEntityHistory loads the operations already folded into a snapshot,
// in canonical order. Replaying exactly these reproduces the snapshot state.
func ArchivedEntityHistory(db *gorm.DB, entityID string) ([]Operation, error) {
	var operations []Operation
	if err := db.
		Where(queryEntityArchived, entityID).
		Order(orderCanonical).
		Find(&operations).Error; err != nil {
		return nil, newLogError(opForEntity, "query_failed", err)
	}
	return operations, nil
}

// ForEntity returns the entity's full history in canonical order.
func (l *Log) ForEntity(ctx context.Context, entityID string) ([]Operation, error) {
	operations, err := EntityHistory(l.db.WithContext(ctx), entityID)
	if err != nil {
		l.logError(opForEntity, "query_failed", err, zap.String(fieldEntityID, entityID))
		return nil, err
	}
	return operations, nil
}

// Unsynced returns the owner's unacknowledged operations in append order,
// which is the order they are pushed to the authority.
func (l *Log) Unsynced(ctx context.Context, ownerID string) ([]Operation, error) {
	var operations []Operation
	if err := l.db.WithContext(ctx).
		Where(queryOwnerUnsynced, ownerID).
		Order(orderLocalSeqAsc).
		Find(&operations).Error; err != nil {
		l.logError(opUnsynced, "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newLogError(opUnsynced, "query_failed", err)
	}
	return operations, nil
}

// Since returns operations appended after the local sequence cursor, feeding
// incremental consumers such as projection rebuilders.
func (l *Log) Since(ctx context.Context, ownerID string, afterLocalSeq int64) ([]Operation, error) {
	var operations []Operation
	if err := l.db.WithContext(ctx).
		Where(queryOwnerSince, ownerID, afterLocalSeq).
		Order(orderLocalSeqAsc).
		Find(&operations).Error; err != nil {
		l.logError(opSince, "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newLogError(opSince, "query_failed", err)
	}
	return operations, nil
}

// MarkSynced backfills server sequence assignments. An operation that
// already carries the same assignment is left untouched; a different
// assignment is refused because acknowledged rows are immutable.
func (l *Log) MarkSynced(tx *gorm.DB, assignments map[string]int64) error {
	if tx == nil {
		l.logError(opMarkSynced, "missing_transaction", errMissingTransaction)
		return newLogError(opMarkSynced, "missing_transaction", errMissingTransaction)
	}
	syncedAt := l.clock().UTC().Unix()
	for opID, serverSeq := range assignments {
		updateResult := tx.Model(&Operation{}).
			Where(queryOpIDUnassigned, opID).
			Updates(map[string]any{"server_seq": serverSeq, "synced_at_s": syncedAt})
		if updateResult.Error != nil {
			l.logError(opMarkSynced, "update_failed", updateResult.Error, zap.String(fieldOpID, opID))
			return newLogError(opMarkSynced, "update_failed", updateResult.Error)
		}
		if updateResult.RowsAffected > 0 {
			continue
		}
		var existing Operation
		if err := tx.Where(queryOpID, opID).Take(&existing).Error; err != nil {
			l.logError(opMarkSynced, "lookup_failed", err, zap.String(fieldOpID, opID))
			return newLogError(opMarkSynced, "lookup_failed", err)
		}
		if existing.ServerSeq == nil || *existing.ServerSeq != serverSeq {
			err := fmt.Errorf("operation %s already assigned a different sequence", opID)
			l.logError(opMarkSynced, "sequence_conflict", err, zap.String(fieldOpID, opID))
			return newLogError(opMarkSynced, "sequence_conflict", err)
		}
	}
	return nil
}

// MarkArchived stamps operations covered by a snapshot. Only acknowledged
// operations are eligible. Archived rows stay in the journal for audit and
// full replay until the entity itself is purged.
func (l *Log) MarkArchived(tx *gorm.DB, entityID string, throughLocalSeq int64) error {
	if tx == nil {
		l.logError(opMarkArchived, "missing_transaction", errMissingTransaction)
		return newLogError(opMarkArchived, "missing_transaction", errMissingTransaction)
	}
	archivedAt := l.clock().UTC().Unix()
	if err := tx.Model(&Operation{}).
		Where(queryEntityThrough, entityID, throughLocalSeq).
		Update("archived_at_s", archivedAt).Error; err != nil {
		l.logError(opMarkArchived, "update_failed", err, zap.String(fieldEntityID, entityID))
		return newLogError(opMarkArchived, "update_failed", err)
	}
	return nil
}

// CountLive counts operations not yet covered by a snapshot, the compaction
// trigger input.
func (l *Log) CountLive(ctx context.Context, entityID string) (int64, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&Operation{}).
		Where(queryEntityLive, entityID).
		Count(&count).Error; err != nil {
		l.logError(opCountLive, "query_failed", err, zap.String(fieldEntityID, entityID))
		return 0, newLogError(opCountLive, "query_failed", err)
	}
	return count, nil
}

// Database exposes the underlying handle for callers that open transactions
// spanning the journal and the entity projection.
func (l *Log) Database() *gorm.DB {
	return l.db
}

func (l *Log) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("oplog error", attrs...)
}
