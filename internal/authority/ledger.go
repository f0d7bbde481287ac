package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	// DefaultPullLimit bounds one pull page when the client asks for
	// nothing specific.
	DefaultPullLimit = 200
	// MaxPullLimit caps what a client may request per page.
	MaxPullLimit = 500
)

const (
	opLedgerNew = "authority.ledger.new"
	opPush      = "authority.push"
	opPull      = "authority.pull"
	opLatestSeq = "authority.latest_seq"

	queryOpID          = "op_id = ?"
	queryOwnerAfterSeq = "owner_id = ? AND server_seq > ?"
	queryConcurrent    = "owner_id = ? AND entity_id = ? AND device_id <> ? AND server_seq > ?"

	orderServerSeqAsc = "server_seq ASC"

	fieldOwnerID = "owner_id"
	fieldOpID    = "op_id"
)

var errMissingDatabase = errors.New("database handle is required")

func newLedgerError(operation, reason string, cause error) error {
	return &entity.StorageError{Operation: fmt.Sprintf("%s.%s", operation, reason), Err: cause}
}

// Config carries the ledger dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger assigns canonical sequence numbers and serves ordered history.
type Ledger struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger validates the configuration.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newLedgerError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, clock: clock, logger: logger}, nil
}

// PushRequest is one device's batch of unacknowledged operations.
type PushRequest struct {
	OwnerID    string
	DeviceID   string
	Operations []oplog.Operation
}

// PushResult reports the sequence assignments and any conflicts the batch
// raised against operations already in the ledger.
type PushResult struct {
	AssignedSeqs map[string]int64
	Conflicts    []conflict.Outcome
	LatestSeq    int64
}

// Push accepts a batch atomically. Every operation is checksum-verified and
// owner-checked before anything is assigned; one bad operation rejects the
// whole batch so a device never ends up half-acknowledged. Resubmitting an
// already accepted operation returns its original sequence.
func (l *Ledger) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	owner, err := entity.NewOwnerID(req.OwnerID)
	if err != nil {
		return nil, err
	}
	device, err := entity.NewDeviceID(req.DeviceID)
	if err != nil {
		return nil, err
	}
	for _, op := range req.Operations {
		if !op.Verify() {
			err := fmt.Errorf("operation %s payload does not match checksum", op.OpID)
			l.logError(opPush, "checksum_mismatch", err, zap.String(fieldOpID, op.OpID))
			return nil, &entity.ValidationError{Field: "operations", Reason: err.Error()}
		}
		if op.OwnerID != owner.String() {
			return nil, &entity.ValidationError{Field: "operations", Reason: fmt.Sprintf("operation %s owner does not match the authenticated owner", op.OpID)}
		}
		if op.DeviceID != device.String() {
			return nil, &entity.ValidationError{Field: "operations", Reason: fmt.Sprintf("operation %s device does not match the pushing device", op.OpID)}
		}
		if _, err := oplog.ParseType(string(op.Type)); err != nil {
			return nil, err
		}
	}

	result := &PushResult{AssignedSeqs: make(map[string]int64, len(req.Operations))}
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		receivedAt := l.clock().UTC().Unix()
		for _, op := range req.Operations {
			outcomes, err := l.scanConcurrent(tx, op)
			if err != nil {
				return err
			}
			entry := NewEntry(op, receivedAt)
			insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
			if insert.Error != nil {
				l.logError(opPush, "insert_failed", insert.Error, zap.String(fieldOpID, op.OpID))
				return newLedgerError(opPush, "insert_failed", insert.Error)
			}
			if insert.RowsAffected == 0 {
				existing, err := l.lookupEntry(tx, op.OpID)
				if err != nil {
					return err
				}
				if existing == nil {
					err := fmt.Errorf("operation %s vanished during resubmission", op.OpID)
					l.logError(opPush, "duplicate_lookup_failed", err, zap.String(fieldOpID, op.OpID))
					return newLedgerError(opPush, "duplicate_lookup_failed", err)
				}
				result.AssignedSeqs[op.OpID] = existing.ServerSeq
				continue
			}
			result.AssignedSeqs[op.OpID] = entry.ServerSeq
			result.Conflicts = append(result.Conflicts, outcomes...)
		}
		latest, err := latestSeq(tx, owner.String())
		if err != nil {
			return err
		}
		result.LatestSeq = latest
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// PullPage is one window of the owner's ordered history.
type PullPage struct {
	Entries   []Entry
	HasMore   bool
	NextAfter int64
}

// Pull returns entries after the cursor in canonical order, excluding the
// requesting device's own operations, which it already holds.
func (l *Ledger) Pull(ctx context.Context, ownerID string, afterSeq int64, limit int, excludeDeviceID string) (*PullPage, error) {
	if _, err := entity.NewOwnerID(ownerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}
	query := l.db.WithContext(ctx).
		Where(queryOwnerAfterSeq, ownerID, afterSeq).
		Order(orderServerSeqAsc).
		Limit(limit + 1)
	if excludeDeviceID != "" {
		query = query.Where("device_id <> ?", excludeDeviceID)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		l.logError(opPull, "query_failed", err, zap.String(fieldOwnerID, ownerID))
		return nil, newLedgerError(opPull, "query_failed", err)
	}
	page := &PullPage{NextAfter: afterSeq}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Entries = entries
	if len(entries) > 0 {
		page.NextAfter = entries[len(entries)-1].ServerSeq
	}
	return page, nil
}

// LatestSeq reports the owner's newest assigned sequence, zero when the
// ledger is empty.
func (l *Ledger) LatestSeq(ctx context.Context, ownerID string) (int64, error) {
	return latestSeq(l.db.WithContext(ctx), ownerID)
}

func latestSeq(db *gorm.DB, ownerID string) (int64, error) {
	var latest int64
	err := db.Model(&Entry{}).
		Where(fieldOwnerID+" = ?", ownerID).
		Select("COALESCE(MAX(server_seq), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, newLedgerError(opLatestSeq, "query_failed", err)
	}
	return latest, nil
}

// lookupEntry fetches an entry by operation identifier, nil when absent.
func (l *Ledger) lookupEntry(tx *gorm.DB, opID string) (*Entry, error) {
	var entry Entry
	err := tx.Where(queryOpID, opID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		l.logError(opPush, "lookup_failed", err, zap.String(fieldOpID, opID))
		return nil, newLedgerError(opPush, "lookup_failed", err)
	}
	return &entry, nil
}

// scanConcurrent reports conflicts between the incoming operation and
// ledger entries it could not have known about: same entity, another
// device, assigned after the incoming operation's basis.
func (l *Ledger) scanConcurrent(tx *gorm.DB, op oplog.Operation) ([]conflict.Outcome, error) {
	var entries []Entry
	err := tx.
		Where(queryConcurrent, op.OwnerID, op.EntityID, op.DeviceID, op.BasedOnSeq).
		Order(orderServerSeqAsc).
		Find(&entries).Error
	if err != nil {
		l.logError(opPush, "concurrent_scan_failed", err, zap.String(fieldOpID, op.OpID))
		return nil, newLedgerError(opPush, "concurrent_scan_failed", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	prior := make([]oplog.Operation, 0, len(entries))
	for _, entry := range entries {
		prior = append(prior, entry.Operation())
	}
	return conflict.Detect(op, prior), nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	l.logger.Error("ledger operation failed", append(attrs, fields...)...)
}
