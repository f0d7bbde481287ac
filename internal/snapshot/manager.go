package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	// DefaultCompactionThreshold is the live operation count at which an
	// entity becomes eligible for compaction.
	DefaultCompactionThreshold = 100
	// DefaultRetentionDays is how long archived operations stay replayable
	// before the purge removes them.
	DefaultRetentionDays = 30
)

const (
	opManagerNew   = "snapshot.manager.new"
	opCompact      = "snapshot.compact"
	opCompactOwner = "snapshot.compact_owner"
	opEligible     = "snapshot.compact_eligible"
	opLoad         = "snapshot.load"
	opPurge        = "snapshot.purge_expired"

	secondsPerDay = 24 * 60 * 60

	queryAcknowledged     = "owner_id = ? AND server_seq IS NOT NULL AND archived_at_s IS NULL"
	queryTombstonedBefore = "owner_id = ? AND is_deleted = ? AND deleted_at_s IS NOT NULL AND deleted_at_s < ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLog      = errors.New("operation log is required")
)

// Config carries the manager dependencies. Zero threshold and retention
// fall back to the defaults.
type Config struct {
	Database      *gorm.DB
	Log           *oplog.Log
	Clock         func() time.Time
	Logger        *zap.Logger
	Threshold     int
	RetentionDays int
}

// Manager creates, repairs, and expires snapshots.
type Manager struct {
	db            *gorm.DB
	log           *oplog.Log
	clock         func() time.Time
	logger        *zap.Logger
	threshold     int
	retentionDays int
}

// NewManager validates the configuration and applies defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Database == nil {
		return nil, newSnapshotError(opManagerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, newSnapshotError(opManagerNew, "missing_log", errMissingLog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = DefaultRetentionDays
	}
	return &Manager{
		db:            cfg.Database,
		log:           cfg.Log,
		clock:         clock,
		logger:        logger,
		threshold:     threshold,
		retentionDays: retention,
	}, nil
}

// Threshold returns the live operation count that triggers compaction.
func (m *Manager) Threshold() int {
	return m.threshold
}

// CompactEligible lists entities whose acknowledged live operations reached
// the compaction threshold.
func (m *Manager) CompactEligible(ctx context.Context, ownerID string) ([]string, error) {
	var entityIDs []string
	err := m.db.WithContext(ctx).Model(&oplog.Operation{}).
		Where(queryAcknowledged, ownerID).
		Group("entity_id").
		Having("COUNT(*) >= ?", m.threshold).
		Order("entity_id ASC").
		Pluck("entity_id", &entityIDs).Error
	if err != nil {
		m.logError(opEligible, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, newSnapshotError(opEligible, "query_failed", err)
	}
	return entityIDs, nil
}

// Compact folds the entity's acknowledged live operations into its snapshot
// and archives them. Unacknowledged operations are never folded because
// their canonical position is not settled until the authority assigns a
// sequence. Compacting an entity with nothing acknowledged is a no-op.
func (m *Manager) Compact(ctx context.Context, ownerID, entityID string) (*Snapshot, error) {
	var result *Snapshot
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, err := oplog.LiveEntityHistory(tx, entityID)
		if err != nil {
			return err
		}
		prefix := acknowledgedPrefix(live)
		prior, err := Lookup(tx, entityID)
		if err != nil {
			return err
		}
		if len(prefix) == 0 {
			result = prior
			return nil
		}
		snap, err := m.foldSnapshot(tx, ownerID, entityID, prior, prefix)
		if err != nil {
			return err
		}
		if err := tx.Save(snap).Error; err != nil {
			m.logError(opCompact, "save_failed", err, zap.String("entity_id", entityID))
			return newSnapshotError(opCompact, "save_failed", err)
		}
		if err := m.log.MarkArchived(tx, entityID, snap.ThroughLocalSeq); err != nil {
			return err
		}
		result = snap
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// CompactOwner compacts every eligible entity and reports how many
// snapshots were written.
func (m *Manager) CompactOwner(ctx context.Context, ownerID string) (int, error) {
	entityIDs, err := m.CompactEligible(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	compacted := 0
	for _, entityID := range entityIDs {
		if _, err := m.Compact(ctx, ownerID, entityID); err != nil {
			m.logError(opCompactOwner, "compact_failed", err, zap.String("entity_id", entityID))
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}

// Load returns the entity's snapshot after verifying its checksum. A
// corrupt snapshot is rebuilt from the archived history and re-persisted;
// absence is not an error.
func (m *Manager) Load(ctx context.Context, entityID string) (*Snapshot, error) {
	var result *Snapshot
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap, err := Lookup(tx, entityID)
		if err != nil {
			return err
		}
		if snap == nil {
			return nil
		}
		if snap.Verify() {
			result = snap
			return nil
		}
		m.logger.Warn("snapshot checksum mismatch, rebuilding from archived history",
			zap.String("entity_id", entityID))
		archived, err := oplog.ArchivedEntityHistory(tx, entityID)
		if err != nil {
			return err
		}
		if len(archived) == 0 || !archived[0].Type.IsCreate() {
			err := fmt.Errorf("entity %s archived history is incomplete", entityID)
			m.logError(opLoad, "snapshot_unrecoverable", err, zap.String("entity_id", entityID))
			return newSnapshotError(opLoad, "snapshot_unrecoverable", err)
		}
		state, err := foldState(snap.EntityType, nil, archived)
		if err != nil {
			return err
		}
		if err := snap.sealState(state); err != nil {
			return err
		}
		snap.LastOperationID = archived[len(archived)-1].OpID
		snap.ThroughLocalSeq = maxLocalSeq(archived)
		snap.OperationCount = int64(len(archived))
		snap.CreatedAtSeconds = m.clock().UTC().Unix()
		if err := tx.Save(snap).Error; err != nil {
			m.logError(opLoad, "save_failed", err, zap.String("entity_id", entityID))
			return newSnapshotError(opLoad, "save_failed", err)
		}
		result = snap
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// PurgeExpired hard-deletes entities tombstoned longer than the retention
// window: the projection row, the entity's operations, and its snapshot go
// together. An entity whose tombstone has not been acknowledged by the
// authority is kept until a later sweep, so the delete still propagates.
func (m *Manager) PurgeExpired(ctx context.Context, ownerID string) (int, error) {
	cutoff := m.clock().UTC().Unix() - int64(m.retentionDays)*secondsPerDay
	purged := 0
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		targets, err := m.expiredTargets(tx, ownerID, cutoff)
		if err != nil {
			return err
		}
		for _, target := range targets {
			var pending int64
			err := tx.Model(&oplog.Operation{}).
				Where("entity_id = ? AND server_seq IS NULL", target.id).
				Count(&pending).Error
			if err != nil {
				m.logError(opPurge, "pending_check_failed", err, zap.String("entity_id", target.id))
				return newSnapshotError(opPurge, "pending_check_failed", err)
			}
			if pending > 0 {
				continue
			}
			if err := m.purgeEntity(tx, target); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	if purged > 0 {
		m.logger.Info("purged expired entities",
			zap.Int("count", purged),
			zap.Int64("cutoff", cutoff))
	}
	return purged, nil
}

type purgeTarget struct {
	kind entity.Type
	id   string
}

// expiredTargets collects tombstoned entities past the retention cutoff.
func (m *Manager) expiredTargets(tx *gorm.DB, ownerID string, cutoff int64) ([]purgeTarget, error) {
	var targets []purgeTarget
	collect := func(model any, kind entity.Type) error {
		var ids []string
		err := tx.Model(model).
			Where(queryTombstonedBefore, ownerID, true, cutoff).
			Order("id ASC").
			Pluck("id", &ids).Error
		if err != nil {
			m.logError(opPurge, "expired_query_failed", err)
			return newSnapshotError(opPurge, "expired_query_failed", err)
		}
		for _, id := range ids {
			targets = append(targets, purgeTarget{kind: kind, id: id})
		}
		return nil
	}
	if err := collect(&entity.Note{}, entity.TypeNote); err != nil {
		return nil, err
	}
	if err := collect(&entity.Notebook{}, entity.TypeNotebook); err != nil {
		return nil, err
	}
	if err := collect(&entity.Tag{}, entity.TypeTag); err != nil {
		return nil, err
	}
	return targets, nil
}

func (m *Manager) purgeEntity(tx *gorm.DB, target purgeTarget) error {
	if err := tx.Where("entity_id = ?", target.id).Delete(&oplog.Operation{}).Error; err != nil {
		m.logError(opPurge, "operation_delete_failed", err, zap.String("entity_id", target.id))
		return newSnapshotError(opPurge, "operation_delete_failed", err)
	}
	if err := tx.Where("entity_id = ?", target.id).Delete(&Snapshot{}).Error; err != nil {
		m.logError(opPurge, "snapshot_delete_failed", err, zap.String("entity_id", target.id))
		return newSnapshotError(opPurge, "snapshot_delete_failed", err)
	}
	var model any
	switch target.kind {
	case entity.TypeNote:
		model = &entity.Note{}
	case entity.TypeNotebook:
		model = &entity.Notebook{}
	case entity.TypeTag:
		model = &entity.Tag{}
	default:
		return newSnapshotError(opPurge, "unknown_entity_type",
			fmt.Errorf("entity type %q has no projection", target.kind))
	}
	if err := tx.Where("id = ?", target.id).Delete(model).Error; err != nil {
		m.logError(opPurge, "row_delete_failed", err, zap.String("entity_id", target.id))
		return newSnapshotError(opPurge, "row_delete_failed", err)
	}
	return nil
}

// foldSnapshot replays the acknowledged prefix on top of the prior snapshot
// seed and assembles the replacement row.
func (m *Manager) foldSnapshot(tx *gorm.DB, ownerID, entityID string, prior *Snapshot, prefix []oplog.Operation) (*Snapshot, error) {
	kind, err := entity.ParseType(prefix[0].EntityType)
	if err != nil {
		return nil, err
	}
	var seed any
	var priorCount int64
	if prior != nil {
		if !prior.Verify() {
			archived, err := oplog.ArchivedEntityHistory(tx, entityID)
			if err != nil {
				return nil, err
			}
			if len(archived) == 0 || !archived[0].Type.IsCreate() {
				err := fmt.Errorf("entity %s archived history is incomplete", entityID)
				return nil, newSnapshotError(opCompact, "snapshot_unrecoverable", err)
			}
			seed, err = foldState(kind, nil, archived)
			if err != nil {
				return nil, err
			}
			priorCount = int64(len(archived))
		} else {
			seed, err = decodeSeed(prior, kind)
			if err != nil {
				return nil, err
			}
			priorCount = prior.OperationCount
		}
	}
	state, err := foldState(kind, seed, prefix)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		EntityID:         entityID,
		OwnerID:          ownerID,
		EntityType:       kind,
		LastOperationID:  prefix[len(prefix)-1].OpID,
		ThroughLocalSeq:  maxLocalSeq(prefix),
		OperationCount:   priorCount + int64(len(prefix)),
		CreatedAtSeconds: m.clock().UTC().Unix(),
	}
	if err := snap.sealState(state); err != nil {
		return nil, err
	}
	return snap, nil
}

// acknowledgedPrefix keeps the operations whose canonical position is
// settled. Canonical order sorts them ahead of unacknowledged ones.
func acknowledgedPrefix(live []oplog.Operation) []oplog.Operation {
	prefix := make([]oplog.Operation, 0, len(live))
	for _, op := range live {
		if op.ServerSeq == nil {
			break
		}
		prefix = append(prefix, op)
	}
	return prefix
}

func maxLocalSeq(operations []oplog.Operation) int64 {
	var highest int64
	for _, op := range operations {
		if op.LocalSeq > highest {
			highest = op.LocalSeq
		}
	}
	return highest
}

// foldState replays operations on a typed seed. The seed must be nil or the
// pointer type matching the entity kind.
func foldState(kind entity.Type, seed any, operations []oplog.Operation) (any, error) {
	switch kind {
	case entity.TypeNote:
		var noteSeed *entity.Note
		if seed != nil {
			noteSeed = seed.(*entity.Note)
		}
		return oplog.ReplayNote(noteSeed, operations)
	case entity.TypeNotebook:
		var notebookSeed *entity.Notebook
		if seed != nil {
			notebookSeed = seed.(*entity.Notebook)
		}
		return oplog.ReplayNotebook(notebookSeed, operations)
	case entity.TypeTag:
		var tagSeed *entity.Tag
		if seed != nil {
			tagSeed = seed.(*entity.Tag)
		}
		return oplog.ReplayTag(tagSeed, operations)
	default:
		return nil, newSnapshotError(opCompact, "unknown_entity_type",
			fmt.Errorf("entity type %q has no projection", kind))
	}
}

func decodeSeed(snap *Snapshot, kind entity.Type) (any, error) {
	switch kind {
	case entity.TypeNote:
		return snap.Note()
	case entity.TypeNotebook:
		return snap.Notebook()
	case entity.TypeTag:
		return snap.Tag()
	default:
		return nil, newSnapshotError(opDecode, "unknown_entity_type",
			fmt.Errorf("entity type %q has no projection", kind))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	m.logger.Error("snapshot operation failed", append(attrs, fields...)...)
}
