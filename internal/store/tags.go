package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	opCreateTag  = "store.create_tag"
	opRenameTag  = "store.rename_tag"
	opDeleteTag  = "store.delete_tag"
	opRestoreTag = "store.restore_tag"
)

// CreateTag validates name and color and appends TAG_CREATED. Names are
// unique per owner, case-insensitively, among live tags.
func (s *Store) CreateTag(ctx context.Context, ownerID, name, color string) (*entity.Tag, error) {
	if err := entity.ValidateTagName(name); err != nil {
		return nil, err
	}
	if err := entity.ValidateTagColor(color); err != nil {
		return nil, err
	}

	var created *entity.Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := s.tagNameTaken(tx, ownerID, entity.TagNameKey(name), "")
		if err != nil {
			return err
		}
		if taken {
			return &entity.ConflictError{Kind: entity.TypeTag, ID: name, Reason: "name already in use"}
		}
		tagID, err := s.newOperationID(opCreateTag)
		if err != nil {
			return err
		}
		op, err := s.buildOperation(tx, opCreateTag, ownerID, tagID, oplog.TypeTagCreated, oplog.TagCreatedPayload{
			Name:  name,
			Color: color,
		})
		if err != nil {
			return err
		}
		tag := &entity.Tag{}
		if err := oplog.ApplyTag(tag, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opCreateTag, op, tag); err != nil {
			return err
		}
		created = tag
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

// RenameTag replaces the display name, holding the per-owner uniqueness
// rule. Renaming to the same name is a successful no-op; a pure case change
// of the same tag is allowed.
func (s *Store) RenameTag(ctx context.Context, ownerID, tagID, name string) (*entity.Tag, error) {
	if err := entity.ValidateTagName(name); err != nil {
		return nil, err
	}

	var renamed *entity.Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tag, err := s.lockTag(tx, ownerID, tagID)
		if err != nil {
			return err
		}
		if tag.IsDeleted {
			return &entity.NotFoundError{Kind: entity.TypeTag, ID: tagID}
		}
		if tag.Name == name {
			renamed = tag
			return nil
		}
		taken, err := s.tagNameTaken(tx, ownerID, entity.TagNameKey(name), tagID)
		if err != nil {
			return err
		}
		if taken {
			return &entity.ConflictError{Kind: entity.TypeTag, ID: name, Reason: "name already in use"}
		}
		op, err := s.buildOperation(tx, opRenameTag, ownerID, tagID, oplog.TypeTagRenamed, oplog.RenamePayload{Name: name})
		if err != nil {
			return err
		}
		if err := oplog.ApplyTag(tag, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRenameTag, op, tag); err != nil {
			return err
		}
		renamed = tag
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return renamed, nil
}

// DeleteTag tombstones a tag. Notes keep their references so a later
// restore revives the tagging; reads filter dangling references.
func (s *Store) DeleteTag(ctx context.Context, ownerID, tagID string) (*entity.Tag, error) {
	var deleted *entity.Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tag, err := s.lockTag(tx, ownerID, tagID)
		if err != nil {
			return err
		}
		if tag.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeTag, ID: tagID, Reason: "already deleted"}
		}
		op, err := s.buildOperation(tx, opDeleteTag, ownerID, tagID, oplog.TypeTagDeleted, oplog.DeletePayload{
			DeletedAtSeconds: s.clock().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		if err := oplog.ApplyTag(tag, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opDeleteTag, op, tag); err != nil {
			return err
		}
		deleted = tag
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return deleted, nil
}

// RestoreTag reverses a tombstone. The name must still be free among live
// tags; otherwise the caller renames one side first.
func (s *Store) RestoreTag(ctx context.Context, ownerID, tagID string) (*entity.Tag, error) {
	var restored *entity.Tag
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tag, err := s.lockTag(tx, ownerID, tagID)
		if err != nil {
			return err
		}
		if !tag.IsDeleted {
			return &entity.ConflictError{Kind: entity.TypeTag, ID: tagID, Reason: "not deleted"}
		}
		taken, err := s.tagNameTaken(tx, ownerID, tag.NameKey, tagID)
		if err != nil {
			return err
		}
		if taken {
			return &entity.ConflictError{Kind: entity.TypeTag, ID: tag.Name, Reason: "name already in use"}
		}
		op, err := s.buildOperation(tx, opRestoreTag, ownerID, tagID, oplog.TypeTagRestored, oplog.EmptyPayload{})
		if err != nil {
			return err
		}
		if err := oplog.ApplyTag(tag, *op); err != nil {
			return err
		}
		if err := s.appendAndSave(tx, opRestoreTag, op, tag); err != nil {
			return err
		}
		restored = tag
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return restored, nil
}

// tagNameTaken reports whether any live tag other than excludeID already
// uses the normalized name key.
func (s *Store) tagNameTaken(tx *gorm.DB, ownerID, nameKey, excludeID string) (bool, error) {
	query := tx.Model(&entity.Tag{}).
		Where("owner_id = ? AND name_key = ? AND is_deleted = ?", ownerID, nameKey, false)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, newStoreError("store.tag_name_taken", "query_failed", err)
	}
	return count > 0, nil
}
