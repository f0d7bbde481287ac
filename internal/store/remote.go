package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/snapshot"
)

const (
	opApplyRemote = "store.apply_remote"
	opRepairRefs  = "store.repair_refs"
)

// ApplyRemote journals an acknowledged remote operation and rebuilds the
// entity projection from the canonical replay, so concurrent edits to
// disjoint fields merge and overlapping ones resolve by sequence. The
// returned outcomes describe conflicts against operations this device
// already held; a redelivered operation is skipped without outcomes.
//
// The caller drives remote application inside one transaction per sync
// response, in ascending sequence order.
func (s *Store) ApplyRemote(tx *gorm.DB, op *oplog.Operation) ([]conflict.Outcome, error) {
	if op.ServerSeq == nil {
		err := fmt.Errorf("remote operation %s carries no sequence", op.OpID)
		s.logError(opApplyRemote, "missing_sequence", err)
		return nil, newStoreError(opApplyRemote, "missing_sequence", err)
	}
	prior, err := oplog.EntityHistory(tx, op.EntityID)
	if err != nil {
		return nil, err
	}
	duplicate, err := s.log.Append(tx, op)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, nil
	}
	outcomes := conflict.Detect(*op, prior)
	if err := s.rebuildProjection(tx, op); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// rebuildProjection refolds the entity row touched by the operation. A
// remote operation can reference an entity the retention purge already
// removed here, leaving a history that no longer starts at a create. Such
// an entity cannot be replayed, so a tombstone placeholder stands in: the
// row stays hidden like any other deleted entity and the cursor keeps
// advancing.
func (s *Store) rebuildProjection(tx *gorm.DB, op *oplog.Operation) error {
	switch op.Type.EntityType() {
	case entity.TypeNote:
		note, err := snapshot.RebuildNote(tx, op.EntityID)
		if errors.Is(err, snapshot.ErrHistoryTruncated) {
			s.logPurgedPlaceholder(op)
			note, err = placeholderNote(op), nil
		}
		if err != nil {
			return err
		}
		if err := tx.Save(note).Error; err != nil {
			s.logError(opApplyRemote, "row_save_failed", err, zap.String(fieldEntityID, op.EntityID))
			return newStoreError(opApplyRemote, "row_save_failed", err)
		}
	case entity.TypeNotebook:
		notebook, err := snapshot.RebuildNotebook(tx, op.EntityID)
		if errors.Is(err, snapshot.ErrHistoryTruncated) {
			s.logPurgedPlaceholder(op)
			notebook, err = placeholderNotebook(op), nil
		}
		if err != nil {
			return err
		}
		if err := tx.Save(notebook).Error; err != nil {
			s.logError(opApplyRemote, "row_save_failed", err, zap.String(fieldEntityID, op.EntityID))
			return newStoreError(opApplyRemote, "row_save_failed", err)
		}
	case entity.TypeTag:
		tag, err := snapshot.RebuildTag(tx, op.EntityID)
		if errors.Is(err, snapshot.ErrHistoryTruncated) {
			s.logPurgedPlaceholder(op)
			tag, err = placeholderTag(op), nil
		}
		if err != nil {
			return err
		}
		if err := tx.Save(tag).Error; err != nil {
			s.logError(opApplyRemote, "row_save_failed", err, zap.String(fieldEntityID, op.EntityID))
			return newStoreError(opApplyRemote, "row_save_failed", err)
		}
	default:
		err := fmt.Errorf("operation type %s has no projection", op.Type)
		s.logError(opApplyRemote, "unknown_entity_type", err)
		return newStoreError(opApplyRemote, "unknown_entity_type", err)
	}
	return nil
}

func (s *Store) logPurgedPlaceholder(op *oplog.Operation) {
	s.logger.Warn("remote operation references a purged entity, writing tombstone placeholder",
		zap.String(fieldEntityID, op.EntityID),
		zap.String("op_type", string(op.Type)))
}

func placeholderNote(op *oplog.Operation) *entity.Note {
	deletedAt := op.ClientTimeSeconds
	note := &entity.Note{
		ID:               op.EntityID,
		OwnerID:          op.OwnerID,
		Status:           entity.NoteStatusActive,
		CreatedAtSeconds: op.ClientTimeSeconds,
		UpdatedAtSeconds: op.ClientTimeSeconds,
		IsDeleted:        true,
		DeletedAtSeconds: &deletedAt,
	}
	note.SetTagIDs(nil)
	return note
}

func placeholderNotebook(op *oplog.Operation) *entity.Notebook {
	deletedAt := op.ClientTimeSeconds
	return &entity.Notebook{
		ID:               op.EntityID,
		OwnerID:          op.OwnerID,
		CreatedAtSeconds: op.ClientTimeSeconds,
		UpdatedAtSeconds: op.ClientTimeSeconds,
		IsDeleted:        true,
		DeletedAtSeconds: &deletedAt,
	}
}

func placeholderTag(op *oplog.Operation) *entity.Tag {
	deletedAt := op.ClientTimeSeconds
	return &entity.Tag{
		ID:               op.EntityID,
		OwnerID:          op.OwnerID,
		CreatedAtSeconds: op.ClientTimeSeconds,
		UpdatedAtSeconds: op.ClientTimeSeconds,
		IsDeleted:        true,
		DeletedAtSeconds: &deletedAt,
	}
}

// RepairDanglingRefs moves live entities whose notebook reference points at
// a tombstone, which happens when a remote delete races a local create or
// move. The repairs are ordinary local operations, so they journal, push,
// and converge like any other edit. Duplicate repairs from two devices fold
// to the same state.
func (s *Store) RepairDanglingRefs(tx *gorm.DB, ownerID string) (int, error) {
	repaired := 0

	deletedNotebooks := tx.Model(&entity.Notebook{}).
		Select("id").
		Where("owner_id = ? AND is_deleted = ?", ownerID, true)

	var notes []entity.Note
	err := tx.
		Where("owner_id = ? AND is_deleted = ? AND notebook_id IS NOT NULL AND notebook_id IN (?)",
			ownerID, false, deletedNotebooks).
		Order("id ASC").
		Find(&notes).Error
	if err != nil {
		return 0, newStoreError(opRepairRefs, "note_query_failed", err)
	}
	for index := range notes {
		note := &notes[index]
		moveOp, err := s.buildOperation(tx, opRepairRefs, ownerID, note.ID, oplog.TypeNoteMoved, oplog.MovePayload{TargetID: nil})
		if err != nil {
			return repaired, err
		}
		if err := oplog.ApplyNote(note, *moveOp); err != nil {
			return repaired, err
		}
		if err := s.appendAndSave(tx, opRepairRefs, moveOp, note); err != nil {
			return repaired, err
		}
		repaired++
	}

	orphanParents := tx.Model(&entity.Notebook{}).
		Select("id").
		Where("owner_id = ? AND is_deleted = ?", ownerID, true)

	var notebooks []entity.Notebook
	err = tx.
		Where("owner_id = ? AND is_deleted = ? AND parent_id IS NOT NULL AND parent_id IN (?)",
			ownerID, false, orphanParents).
		Order("id ASC").
		Find(&notebooks).Error
	if err != nil {
		return repaired, newStoreError(opRepairRefs, "notebook_query_failed", err)
	}
	for index := range notebooks {
		notebook := &notebooks[index]
		moveOp, err := s.buildOperation(tx, opRepairRefs, ownerID, notebook.ID, oplog.TypeNotebookMoved, oplog.MovePayload{TargetID: nil})
		if err != nil {
			return repaired, err
		}
		if err := oplog.ApplyNotebook(notebook, *moveOp); err != nil {
			return repaired, err
		}
		if err := s.appendAndSave(tx, opRepairRefs, moveOp, notebook); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}
