// Package store is the device-side entity store: the consumer-facing command
// API, the projection reads, and the replay engine that folds operation
// history back into entity state. Every command validates its input, appends
// exactly one operation (plus any derived cascade operations), and updates
// the projection row in a single transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingLog        = errors.New("operation log is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDeviceID   = errors.New("device id is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew     = "store.new"
	fieldOwnerID   = "owner_id"
	fieldEntityID  = "entity_id"
	fieldNoteID    = "note_id"
	fieldTagID     = "tag_id"
	fieldClientErr = "client_error"

	queryOwnerAndID    = "owner_id = ? AND id = ?"
	queryOwnerLive     = "owner_id = ? AND is_deleted = ?"
	queryOwner         = "owner_id = ?"
	orderNotesList     = "is_pinned DESC, updated_at_s DESC, id ASC"
	orderNotebooksList = "name ASC, id ASC"
	orderTagsList      = "name_key ASC, id ASC"
)

func newStoreError(operation, reason string, cause error) error {
	return &entity.StorageError{Operation: fmt.Sprintf("%s.%s", operation, reason), Err: cause}
}

// CursorSource reports the last server sequence this device has applied.
// Every locally created operation records it as its concurrency witness.
type CursorSource interface {
	LastServerSeq(tx *gorm.DB, ownerID string) (int64, error)
}

type zeroCursor struct{}

func (zeroCursor) LastServerSeq(*gorm.DB, string) (int64, error) {
	return 0, nil
}

// Config wires the entity store.
type Config struct {
	Database   *gorm.DB
	Log        *oplog.Log
	IDProvider oplog.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	DeviceID   string
	Cursor     CursorSource
}

// Store owns entity commands and reads for one device.
type Store struct {
	db         *gorm.DB
	log        *oplog.Log
	idProvider oplog.IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	deviceID   entity.DeviceID
	cursor     CursorSource
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Log == nil {
		return nil, newStoreError(opStoreNew, "missing_log", errMissingLog)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	deviceID, err := entity.NewDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, newStoreError(opStoreNew, "missing_device_id", errMissingDeviceID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cursor := cfg.Cursor
	if cursor == nil {
		cursor = zeroCursor{}
	}
	return &Store{
		db:         cfg.Database,
		log:        cfg.Log,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		deviceID:   deviceID,
		cursor:     cursor,
	}, nil
}

// Database exposes the underlying handle for callers orchestrating wider
// transactions, such as the sync engine.
func (s *Store) Database() *gorm.DB {
	return s.db
}

// GetNote loads a note. Tombstoned notes are reported as not found unless
// includeDeleted is set.
func (s *Store) GetNote(ctx context.Context, ownerID, noteID string, includeDeleted bool) (*entity.Note, error) {
	var note entity.Note
	err := s.db.WithContext(ctx).Where(queryOwnerAndID, ownerID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
	}
	if err != nil {
		s.logError("store.get_note", "query_failed", err, zap.String(fieldNoteID, noteID))
		return nil, newStoreError("store.get_note", "query_failed", err)
	}
	if note.IsDeleted && !includeDeleted {
		return nil, &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
	}
	return &note, nil
}

// GetNotebook loads a notebook with the same tombstone semantics as GetNote.
func (s *Store) GetNotebook(ctx context.Context, ownerID, notebookID string, includeDeleted bool) (*entity.Notebook, error) {
	var notebook entity.Notebook
	err := s.db.WithContext(ctx).Where(queryOwnerAndID, ownerID, notebookID).Take(&notebook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
	}
	if err != nil {
		s.logError("store.get_notebook", "query_failed", err, zap.String(fieldEntityID, notebookID))
		return nil, newStoreError("store.get_notebook", "query_failed", err)
	}
	if notebook.IsDeleted && !includeDeleted {
		return nil, &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
	}
	return &notebook, nil
}

// GetTag loads a tag with the same tombstone semantics as GetNote.
func (s *Store) GetTag(ctx context.Context, ownerID, tagID string, includeDeleted bool) (*entity.Tag, error) {
	var tag entity.Tag
	err := s.db.WithContext(ctx).Where(queryOwnerAndID, ownerID, tagID).Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeTag, ID: tagID}
	}
	if err != nil {
		s.logError("store.get_tag", "query_failed", err, zap.String(fieldTagID, tagID))
		return nil, newStoreError("store.get_tag", "query_failed", err)
	}
	if tag.IsDeleted && !includeDeleted {
		return nil, &entity.NotFoundError{Kind: entity.TypeTag, ID: tagID}
	}
	return &tag, nil
}

// NoteFilter narrows ListNotes. Zero values mean no constraint.
type NoteFilter struct {
	NotebookID     *string
	TagID          string
	Status         entity.NoteStatus
	Pinned         *bool
	IncludeDeleted bool
}

// ListNotes returns the owner's notes, pinned first, most recently updated
// next.
func (s *Store) ListNotes(ctx context.Context, ownerID string, filter NoteFilter) ([]entity.Note, error) {
	query := s.db.WithContext(ctx).Where(queryOwner, ownerID)
	if !filter.IncludeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	if filter.NotebookID != nil {
		query = query.Where("notebook_id = ?", *filter.NotebookID)
	}
	if filter.TagID != "" {
		// Tag ids are stored as a sorted JSON string array, so a quoted
		// containment match is exact.
		query = query.Where("tag_ids_json LIKE ?", "%\""+filter.TagID+"\"%")
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Pinned != nil {
		query = query.Where("is_pinned = ?", *filter.Pinned)
	}
	var notes []entity.Note
	if err := query.Order(orderNotesList).Find(&notes).Error; err != nil {
		s.logError("store.list_notes", "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newStoreError("store.list_notes", "query_failed", err)
	}
	return notes, nil
}

// ListNotebooks returns the owner's live notebooks in name order.
func (s *Store) ListNotebooks(ctx context.Context, ownerID string, includeDeleted bool) ([]entity.Notebook, error) {
	query := s.db.WithContext(ctx).Where(queryOwner, ownerID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var notebooks []entity.Notebook
	if err := query.Order(orderNotebooksList).Find(&notebooks).Error; err != nil {
		s.logError("store.list_notebooks", "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newStoreError("store.list_notebooks", "query_failed", err)
	}
	return notebooks, nil
}

// ListTags returns the owner's live tags ordered by normalized name.
func (s *Store) ListTags(ctx context.Context, ownerID string, includeDeleted bool) ([]entity.Tag, error) {
	query := s.db.WithContext(ctx).Where(queryOwner, ownerID)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var tags []entity.Tag
	if err := query.Order(orderTagsList).Find(&tags).Error; err != nil {
		s.logError("store.list_tags", "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newStoreError("store.list_tags", "query_failed", err)
	}
	return tags, nil
}

// newOperationID issues an identifier for a freshly built operation.
func (s *Store) newOperationID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", newStoreError(operation, "id_generation_failed", err)
	}
	return id, nil
}

// buildOperation assembles and validates a new local operation inside tx.
func (s *Store) buildOperation(tx *gorm.DB, operation, ownerID, entityID string, opType oplog.Type, payload oplog.Payload) (*oplog.Operation, error) {
	opID, err := s.newOperationID(operation)
	if err != nil {
		return nil, err
	}
	owner, err := entity.NewOwnerID(ownerID)
	if err != nil {
		return nil, err
	}
	target, err := entity.NewID(entityID)
	if err != nil {
		return nil, err
	}
	basedOn, err := s.cursor.LastServerSeq(tx, ownerID)
	if err != nil {
		s.logError(operation, "cursor_read_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newStoreError(operation, "cursor_read_failed", err)
	}
	clientTime, err := entity.NewUnixTimestamp(s.clock().UTC().Unix())
	if err != nil {
		return nil, err
	}
	return oplog.NewOperation(oplog.OperationParams{
		OpID:       opID,
		OwnerID:    owner,
		DeviceID:   s.deviceID,
		EntityID:   target,
		Type:       opType,
		Payload:    payload,
		BasedOnSeq: basedOn,
		ClientTime: clientTime,
	})
}

// appendAndSave journals the operation and writes the projection row.
func (s *Store) appendAndSave(tx *gorm.DB, operation string, op *oplog.Operation, row any) error {
	if _, err := s.log.Append(tx, op); err != nil {
		return err
	}
	if err := tx.Save(row).Error; err != nil {
		s.logError(operation, "row_save_failed", err, zap.String(fieldEntityID, op.EntityID))
		return newStoreError(operation, "row_save_failed", err)
	}
	return nil
}

// lockNote loads a note row under a row lock for mutation.
func (s *Store) lockNote(tx *gorm.DB, ownerID, noteID string) (*entity.Note, error) {
	var note entity.Note
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOwnerAndID, ownerID, noteID).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeNote, ID: noteID}
	}
	if err != nil {
		return nil, newStoreError("store.lock_note", "query_failed", err)
	}
	return &note, nil
}

func (s *Store) lockNotebook(tx *gorm.DB, ownerID, notebookID string) (*entity.Notebook, error) {
	var notebook entity.Notebook
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOwnerAndID, ownerID, notebookID).
		Take(&notebook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeNotebook, ID: notebookID}
	}
	if err != nil {
		return nil, newStoreError("store.lock_notebook", "query_failed", err)
	}
	return &notebook, nil
}

func (s *Store) lockTag(tx *gorm.DB, ownerID, tagID string) (*entity.Tag, error) {
	var tag entity.Tag
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryOwnerAndID, ownerID, tagID).
		Take(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &entity.NotFoundError{Kind: entity.TypeTag, ID: tagID}
	}
	if err != nil {
		return nil, newStoreError("store.lock_tag", "query_failed", err)
	}
	return &tag, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
