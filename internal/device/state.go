// Package device tracks this device's identity and sync position. The
// cursor is the highest authority sequence the device has applied; every
// new local operation records it as the basis for concurrency detection.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
)

const (
	opTrackerNew = "device.tracker.new"
	opEnsure     = "device.ensure"
	opCursor     = "device.cursor"
	opAdvance    = "device.advance"

	queryDeviceOwner = "device_id = ? AND owner_id = ?"
)

var errMissingDatabase = errors.New("database handle is required")

// State is one device's sync position for one owner.
type State struct {
	DeviceID          string `gorm:"column:device_id;primaryKey;size:190"`
	OwnerID           string `gorm:"column:owner_id;size:190;index:idx_device_states_owner"`
	LastServerSeq     int64  `gorm:"column:last_server_seq"`
	LastSyncAtSeconds *int64 `gorm:"column:last_sync_at_s"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s"`
}

// TableName maps the model to its table.
func (State) TableName() string {
	return "device_states"
}

// Config carries the tracker dependencies.
type Config struct {
	Database *gorm.DB
	DeviceID string
	OwnerID  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Tracker reads and advances the device cursor.
type Tracker struct {
	db       *gorm.DB
	deviceID entity.DeviceID
	ownerID  entity.OwnerID
	clock    func() time.Time
	logger   *zap.Logger
}

// NewTracker validates the configuration.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, newDeviceError(opTrackerNew, "missing_database", errMissingDatabase)
	}
	deviceID, err := entity.NewDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	ownerID, err := entity.NewOwnerID(cfg.OwnerID)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:       cfg.Database,
		deviceID: deviceID,
		ownerID:  ownerID,
		clock:    clock,
		logger:   logger,
	}, nil
}

// DeviceID returns the tracked device identifier.
func (t *Tracker) DeviceID() string {
	return t.deviceID.String()
}

// OwnerID returns the owner the device syncs for.
func (t *Tracker) OwnerID() string {
	return t.ownerID.String()
}

// Ensure creates the cursor row when the device syncs for the first time.
func (t *Tracker) Ensure(ctx context.Context) (*State, error) {
	var state State
	err := t.db.WithContext(ctx).
		Where(queryDeviceOwner, t.deviceID.String(), t.ownerID.String()).
		Take(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.logError(opEnsure, "query_failed", err)
		return nil, newDeviceError(opEnsure, "query_failed", err)
	}
	now := t.clock().UTC().Unix()
	state = State{
		DeviceID:         t.deviceID.String(),
		OwnerID:          t.ownerID.String(),
		LastServerSeq:    0,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := t.db.WithContext(ctx).Create(&state).Error; err != nil {
		t.logError(opEnsure, "insert_failed", err)
		return nil, newDeviceError(opEnsure, "insert_failed", err)
	}
	return &state, nil
}

// LastServerSeq reads the cursor through the provided handle, which may be
// an open transaction. A device that never synced reads zero.
func (t *Tracker) LastServerSeq(tx *gorm.DB, ownerID string) (int64, error) {
	var state State
	err := tx.
		Where(queryDeviceOwner, t.deviceID.String(), ownerID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		t.logError(opCursor, "query_failed", err)
		return 0, newDeviceError(opCursor, "query_failed", err)
	}
	return state.LastServerSeq, nil
}

// Advance moves the cursor forward inside the caller's transaction. The
// cursor never moves backwards; re-applying an already seen sequence is a
// no-op so redelivered sync responses stay idempotent.
func (t *Tracker) Advance(tx *gorm.DB, serverSeq int64) error {
	now := t.clock().UTC().Unix()
	update := tx.Model(&State{}).
		Where(queryDeviceOwner, t.deviceID.String(), t.ownerID.String()).
		Where("last_server_seq < ?", serverSeq).
		Updates(map[string]any{
			"last_server_seq": serverSeq,
			"last_sync_at_s":  now,
			"updated_at_s":    now,
		})
	if update.Error != nil {
		t.logError(opAdvance, "update_failed", update.Error)
		return newDeviceError(opAdvance, "update_failed", update.Error)
	}
	if update.RowsAffected > 0 {
		return nil
	}
	var state State
	err := tx.Where(queryDeviceOwner, t.deviceID.String(), t.ownerID.String()).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = State{
			DeviceID:          t.deviceID.String(),
			OwnerID:           t.ownerID.String(),
			LastServerSeq:     serverSeq,
			LastSyncAtSeconds: &now,
			CreatedAtSeconds:  now,
			UpdatedAtSeconds:  now,
		}
		if err := tx.Create(&state).Error; err != nil {
			t.logError(opAdvance, "insert_failed", err)
			return newDeviceError(opAdvance, "insert_failed", err)
		}
		return nil
	}
	if err != nil {
		t.logError(opAdvance, "lookup_failed", err)
		return newDeviceError(opAdvance, "lookup_failed", err)
	}
	return nil
}

// Touch stamps a completed sync that applied nothing new.
func (t *Tracker) Touch(tx *gorm.DB) error {
	now := t.clock().UTC().Unix()
	update := tx.Model(&State{}).
		Where(queryDeviceOwner, t.deviceID.String(), t.ownerID.String()).
		Updates(map[string]any{"last_sync_at_s": now, "updated_at_s": now})
	if update.Error != nil {
		t.logError(opAdvance, "touch_failed", update.Error)
		return newDeviceError(opAdvance, "touch_failed", update.Error)
	}
	return nil
}

func newDeviceError(operation, reason string, cause error) error {
	return &entity.StorageError{Operation: fmt.Sprintf("%s.%s", operation, reason), Err: cause}
}

func (t *Tracker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	t.logger.Error("device tracker operation failed", append(attrs, fields...)...)
}
