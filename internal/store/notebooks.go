package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	opCreateNotebook  = "store.create_notebook"
	opRenameNotebook  = "store.rename_notebook"
	opMoveNotebook    = "store.move_notebook"
	opDeleteNotebook  = "store.delete_notebook"
	opRestoreNotebook = "store.restore_notebook"
)

// CreateNotebook validates the name and nesting depth, then appends
// NOTEBOOK_CREATED.
func (s *Store) CreateNotebook(ctx context.Context, ownerID, name string, parentID *string) (*entity.Notebook, error) {
	if err := entity.ValidateNotebookName(name); err != nil {
		return nil, err
	}

	var created *entity.Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if parentID != nil {
			tree, err := s.liveNotebookTree(tx, ownerID)
			if err != nil {
				return err
			}
			if _, ok := tree[*parentID]; !ok {
				return &entity.NotFoundError{Kind: entity.TypeNotebook, ID: *parentID}
			}
			if notebookDepth(tree, *parentID)+1 > entity.MaxNotebookDepth {
				return &entity.ValidationError{Field: "parentId", Reason: "nesting too deep"}
			}
		}
		notebookID, err := s.newOperationID(opCreateNotebook)
		if err != nil {
			return err
		}
		op, err := s.buildOperation(tx, opCreateNotebook, ownerID, notebookID, oplog.TypeNotebookCreated, oplog.NotebookCreatedPayload{
			Name:     name,
			ParentID: parentID,
		})
		if err != nil {
			return err
		}
		notebook := &entity.Notebook{}
		if err := oplog.ApplyNotebook(notebook, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opCreateNotebook, op, notebook); err != nil {
			return err
		}
		created = notebook
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// RenameNotebook replaces the display name. Renaming to the current name is
// a successful no-op.
func (s *Store) RenameNotebook(ctx context.Context, ownerID, notebookID, name string) (*entity.Notebook, error) {
	if err := entity.ValidateNotebookName(name); err != nil {
		return nil, err
	}

	var renamed *entity.Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notebook, err := s.lockNotebook(tx, ownerID, notebookID)
		if err != nil {
			return err
		}
		if notebook.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
		}
		if notebook.Name == name {
			renamed = notebook
			return nil
		}
		op, err := s.buildOperation(tx, opRenameNotebook, ownerID, notebookID, oplog.TypeNotebookUpdated, oplog.RenamePayload{Name: name})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNotebook(notebook, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRenameNotebook, op, notebook); err != nil {
			return err
		}
		renamed = notebook
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return renamed, nil
}

// MoveNotebook reparents a notebook. Moves that introduce a cycle or push
// the subtree past the depth limit are rejected.
func (s *Store) MoveNotebook(ctx context.Context, ownerID, notebookID string, parentID *string) (*entity.Notebook, error) {
	var moved *entity.Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notebook, err := s.lockNotebook(tx, ownerID, notebookID)
		if err != nil {
			return err
		}
		if notebook.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
		}
		if sameTarget(notebook.ParentID, parentID) {
			moved = notebook
			return nil
		}
		tree, err := s.liveNotebookTree(tx, ownerID)
		if err != nil {
			return err
		}
		if parentID != nil {
			if *parentID == notebookID {
				return &entity.ValidationError{Field: "parentId", Reason: "cycle"}
			}
			if _, ok := tree[*parentID]; !ok {
				return &entity.NotFoundError{Kind: entity.TypeNotebook, ID: *parentID}
			}
			if isDescendant(tree, *parentID, notebookID) {
				return &entity.ValidationError{Field: "parentId", Reason: "cycle"}
			}
			if notebookDepth(tree, *parentID)+subtreeHeight(tree, notebookID) > entity.MaxNotebookDepth {
				return &entity.ValidationError{Field: "parentId", Reason: "nesting too deep"}
			}
		}
		op, err := s.buildOperation(tx, opMoveNotebook, ownerID, notebookID, oplog.TypeNotebookMoved, oplog.MovePayload{TargetID: parentID})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNotebook(notebook, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opMoveNotebook, op, notebook); err != nil {
			return err
		}
		moved = notebook
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return moved, nil
}

// DeleteNotebook tombstones a notebook. Its live notes move to the root and
// its live children move under the deleted notebook's parent, each as a
// logged operation in the same transaction so every device replays the same
// cascade.
func (s *Store) DeleteNotebook(ctx context.Context, ownerID, notebookID string) (*entity.Notebook, error) {
	var deleted *entity.Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notebook, err := s.lockNotebook(tx, ownerID, notebookID)
		if err != nil {
			return err
		}
		if notebook.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeNotebook, ID: notebookID, Reason: "already deleted"}
		}
		op, err := s.buildOperation(tx, opDeleteNotebook, ownerID, notebookID, oplog.TypeNotebookDeleted, oplog.DeletePayload{
			DeletedAtSeconds: s.clock().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNotebook(notebook, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDeleteNotebook, op, notebook); err != nil {
			return err
		}
		if err := s.evictNotebookNotes(tx, ownerID, notebookID); err != nil {
			return err
		}
		if err := s.reparentNotebookChildren(tx, ownerID, notebookID, notebook.ParentID); err != nil {
			return err
		}
		deleted = notebook
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return deleted, nil
}

// RestoreNotebook reverses a tombstone. When the former parent is gone the
// notebook re-emerges at the root.
func (s *Store) RestoreNotebook(ctx context.Context, ownerID, notebookID string) (*entity.Notebook, error) {
	var restored *entity.Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		notebook, err := s.lockNotebook(tx, ownerID, notebookID)
		if err != nil {
			return err
		}
		if !notebook.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeNotebook, ID: notebookID, Reason: "not deleted"}
		}
		op, err := s.buildOperation(tx, opRestoreNotebook, ownerID, notebookID, oplog.TypeNotebookRestored, oplog.EmptyPayload{})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNotebook(notebook, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRestoreNotebook, op, notebook); err != nil {
			return err
		}
		if notebook.ParentID != nil {
			live, err := s.notebookIsLive(tx, ownerID, *notebook.ParentID)
			if err != nil {
				return err
			}
			if !live {
				moveOp, err := s.buildOperation(tx, opRestoreNotebook, ownerID, notebookID, oplog.TypeNotebookMoved, oplog.MovePayload{TargetID: nil})
				if err != nil {
					return err
				}
				if err := oplog.ApplyNotebook(notebook, *moveOp); err != nil {
					return err
				}
				if err := s.appendAndSave(tx, opRestoreNotebook, moveOp, notebook); err != nil {
					return err
				}
			}
		}
		restored = notebook
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return restored, nil
}

// evictNotebookNotes moves every live note out of the notebook to the root.
func (s *Store) evictNotebookNotes(tx *gorm.DB, ownerID, notebookID string) error {
	var notes []entity.Note
	err := tx.
		Where("owner_id = ? AND notebook_id = ? AND is_deleted = ?", ownerID, notebookID, false).
		Order("id ASC").
		Find(&notes).Error
	if err != nil {
		return newStoreError(opDeleteNotebook, "note_query_failed", err)
	}
	for index := range notes {
		note := &notes[index]
		moveOp, err := s.buildOperation(tx, opDeleteNotebook, ownerID, note.ID, oplog.TypeNoteMoved, oplog.MovePayload{TargetID: nil})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNote(note, *moveOp); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDeleteNotebook, moveOp, note); err != nil {
			return err
		}
	}
	return nil
}

// reparentNotebookChildren lifts every live child one level up.
func (s *Store) reparentNotebookChildren(tx *gorm.DB, ownerID, notebookID string, grandparentID *string) error {
	var children []entity.Notebook
	err := tx.
		Where("owner_id = ? AND parent_id = ? AND is_deleted = ?", ownerID, notebookID, false).
		Order("id ASC").
		Find(&children).Error
	if err != nil {
		return newStoreError(opDeleteNotebook, "child_query_failed", err)
	}
	for index := range children {
		child := &children[index]
		moveOp, err := s.buildOperation(tx, opDeleteNotebook, ownerID, child.ID, oplog.TypeNotebookMoved, oplog.MovePayload{TargetID: grandparentID})
		if err != nil {
			return err
		}
		if err := oplog.ApplyNotebook(child, *moveOp); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDeleteNotebook, moveOp, child); err != nil {
			return err
		}
	}
	return nil
}

// liveNotebookTree loads the owner's live notebooks keyed by identifier.
func (s *Store) liveNotebookTree(tx *gorm.DB, ownerID string) (map[string]entity.Notebook, error) {
	var notebooks []entity.Notebook
	err := tx.
		Where("owner_id = ? AND is_deleted = ?", ownerID, false).
		Find(&notebooks).Error
	if err != nil {
		return nil, newStoreError("store.live_notebook_tree", "query_failed", err)
	}
	tree := make(map[string]entity.Notebook, len(notebooks))
	for _, notebook := range notebooks {
		tree[notebook.ID] = notebook
	}
	return tree, nil
}

// notebookDepth counts the chain from the notebook up to the root. A
// root-level notebook has depth one. Broken or cyclic parent chains stop at
// the depth limit so callers reject the move.
func notebookDepth(tree map[string]entity.Notebook, notebookID string) int {
	depth := 0
	current := notebookID
	for depth <= entity.MaxNotebookDepth {
		notebook, ok := tree[current]
		if !ok {
			return depth
		}
		depth++
		if notebook.ParentID == nil {
			return depth
		}
		current = *notebook.ParentID
	}
	return depth
}

// subtreeHeight measures the tallest live chain under and including the
// notebook.
func subtreeHeight(tree map[string]entity.Notebook, notebookID string) int {
	height := 1
	for _, notebook := range tree {
		if notebook.ParentID != nil && *notebook.ParentID == notebookID {
			childHeight := 1 + subtreeHeight(tree, notebook.ID)
			if childHeight > height {
				height = childHeight
			}
		}
	}
	return height
}

// isDescendant reports whether candidate sits somewhere under root.
func isDescendant(tree map[string]entity.Notebook, candidate, root string) bool {
	current := candidate
	for steps := 0; steps <= len(tree); steps++ {
		notebook, ok := tree[current]
		if !ok || notebook.ParentID == nil {
			return false
		}
		if *notebook.ParentID == root {
			return true
		}
		current = *notebook.ParentID
	}
	return false
}
