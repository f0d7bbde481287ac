package snapshot

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	opDecode  = "snapshot.decode"
	opLookup  = "snapshot.lookup"
	opSeal    = "snapshot.seal"
	opRebuild = "snapshot.rebuild"
)

// ErrHistoryTruncated reports that an entity's local history no longer
// reaches back to its creation, which happens after the retention purge
// removes the entity and a later remote operation references it again.
// Remote application materializes a tombstone placeholder in that case
// instead of failing the exchange.
var ErrHistoryTruncated = errors.New("snapshot: history no longer starts at creation")

// RebuildNote folds a note projection from its snapshot seed plus live
// operations, falling back to a full replay while the complete history is
// still on hand.
func RebuildNote(db *gorm.DB, entityID string) (*entity.Note, error) {
	seedSnap, err := usableSeed(db, entityID, entity.TypeNote)
	if err != nil {
		return nil, err
	}
	if seedSnap != nil {
		seed, err := seedSnap.Note()
		if err != nil {
			return nil, err
		}
		live, err := oplog.LiveEntityHistory(db, entityID)
		if err != nil {
			return nil, err
		}
		return oplog.ReplayNote(seed, live)
	}
	full, err := completeHistory(db, entityID, entity.TypeNote)
	if err != nil {
		return nil, err
	}
	return oplog.ReplayNote(nil, full)
}

// RebuildNotebook folds a notebook projection from seed plus live history.
func RebuildNotebook(db *gorm.DB, entityID string) (*entity.Notebook, error) {
	seedSnap, err := usableSeed(db, entityID, entity.TypeNotebook)
	if err != nil {
		return nil, err
	}
	if seedSnap != nil {
		seed, err := seedSnap.Notebook()
		if err != nil {
			return nil, err
		}
		live, err := oplog.LiveEntityHistory(db, entityID)
		if err != nil {
			return nil, err
		}
		return oplog.ReplayNotebook(seed, live)
	}
	full, err := completeHistory(db, entityID, entity.TypeNotebook)
	if err != nil {
		return nil, err
	}
	return oplog.ReplayNotebook(nil, full)
}

// RebuildTag folds a tag projection from seed plus live history.
func RebuildTag(db *gorm.DB, entityID string) (*entity.Tag, error) {
	seedSnap, err := usableSeed(db, entityID, entity.TypeTag)
	if err != nil {
		return nil, err
	}
	if seedSnap != nil {
		seed, err := seedSnap.Tag()
		if err != nil {
			return nil, err
		}
		live, err := oplog.LiveEntityHistory(db, entityID)
		if err != nil {
			return nil, err
		}
		return oplog.ReplayTag(seed, live)
	}
	full, err := completeHistory(db, entityID, entity.TypeTag)
	if err != nil {
		return nil, err
	}
	return oplog.ReplayTag(nil, full)
}

// usableSeed returns the entity's snapshot when it exists, matches the
// expected kind, and passes the checksum. A corrupt snapshot is returned as
// nil so the caller replays the full history instead.
func usableSeed(db *gorm.DB, entityID string, kind entity.Type) (*Snapshot, error) {
	snap, err := Lookup(db, entityID)
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.EntityType != kind || !snap.Verify() {
		return nil, nil
	}
	return snap, nil
}

// completeHistory loads the entity's full history and refuses replay when
// the beginning has been purged.
func completeHistory(db *gorm.DB, entityID string, kind entity.Type) ([]oplog.Operation, error) {
	full, err := oplog.EntityHistory(db, entityID)
	if err != nil {
		return nil, err
	}
	if len(full) == 0 {
		return nil, &entity.NotFoundError{Kind: kind, ID: entityID}
	}
	if !full[0].Type.IsCreate() {
		return nil, newSnapshotError(opRebuild, "history_truncated",
			fmt.Errorf("%w: entity %s", ErrHistoryTruncated, entityID))
	}
	return full, nil
}
