// Package syncer runs the device's exchange with the sync authority: push
// unsynced operations, apply the remote window, advance the cursor. One
// cycle at a time; a failed cycle leaves the journal untouched so the next
// cycle resubmits the identical batch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/store"
)

// Status is the sync engine's lifecycle state.
type Status int32

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusError
)

// String renders the status for logs and status endpoints.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusSyncing:
		return "SYNCING"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// DefaultPageLimit bounds one pull window requested from the authority.
const DefaultPageLimit = 200

// DefaultAutoSyncInterval paces the background loop when the configuration
// does not say otherwise.
const DefaultAutoSyncInterval = time.Minute

const opSyncerNew = "syncer.new"

// ErrSyncBusy reports that a cycle is already in flight.
var ErrSyncBusy = errors.New("sync cycle already running")

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("entity store is required")
	errMissingLog      = errors.New("operation log is required")
	errMissingDevices  = errors.New("device tracker is required")
	errMissingBaseURL  = errors.New("authority base url is required")
	errMissingTokens   = errors.New("token source is required")
)

// Config wires the sync engine.
type Config struct {
	Database   *gorm.DB
	Store      *store.Store
	Log        *oplog.Log
	Devices    *device.Tracker
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	PageLimit  int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Syncer drives sync cycles for one device.
type Syncer struct {
	db        *gorm.DB
	store     *store.Store
	log       *oplog.Log
	devices   *device.Tracker
	transport *transport
	pageLimit int
	clock     func() time.Time
	logger    *zap.Logger
	status    atomic.Int32
}

// NewSyncer validates the configuration and returns an idle engine.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Database == nil {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingDatabase}
	}
	if cfg.Store == nil {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingStore}
	}
	if cfg.Log == nil {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingLog}
	}
	if cfg.Devices == nil {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingDevices}
	}
	if cfg.BaseURL == "" {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingBaseURL}
	}
	if cfg.Tokens == nil {
		return nil, &entity.SyncError{Operation: opSyncerNew, Err: errMissingTokens}
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		db:        cfg.Database,
		store:     cfg.Store,
		log:       cfg.Log,
		devices:   cfg.Devices,
		transport: newTransport(cfg.BaseURL, cfg.HTTPClient, cfg.Tokens),
		pageLimit: pageLimit,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Status reports the engine state without blocking.
func (s *Syncer) Status() Status {
	return Status(s.status.Load())
}

// Sync runs one full cycle: push everything unsynced, then pull and apply
// the remote window page by page. Only one cycle runs at a time.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.begin() {
		return ErrSyncBusy
	}
	if err := s.run(ctx); err != nil {
		s.status.Store(int32(StatusError))
		s.logger.Warn("sync cycle failed", zap.Error(err))
		return err
	}
	s.status.Store(int32(StatusIdle))
	return nil
}

func (s *Syncer) begin() bool {
	if s.status.CompareAndSwap(int32(StatusIdle), int32(StatusSyncing)) {
		return true
	}
	return s.status.CompareAndSwap(int32(StatusError), int32(StatusSyncing))
}

func (s *Syncer) run(ctx context.Context) error {
	ownerID := s.devices.OwnerID()
	if _, err := s.devices.Ensure(ctx); err != nil {
		return err
	}
	for {
		cursor, err := s.devices.LastServerSeq(s.db.WithContext(ctx), ownerID)
		if err != nil {
			return err
		}
		unsynced, err := s.log.Unsynced(ctx, ownerID)
		if err != nil {
			return err
		}
		request := authority.SyncRequest{
			DeviceID:      s.devices.DeviceID(),
			LastServerSeq: cursor,
			PullLimit:     s.pageLimit,
			Operations:    wireOperations(unsynced),
		}
		response, err := s.transport.exchange(ctx, request)
		if err != nil {
			return err
		}
		if err := s.applyExchange(ctx, response); err != nil {
			return err
		}
		if !response.HasMore {
			return nil
		}
	}
}

// applyExchange commits one response atomically: acknowledgements, remote
// operations, conflict records, and the cursor move together or not at all.
func (s *Syncer) applyExchange(ctx context.Context, response *authority.SyncResponse) error {
	ownerID := s.devices.OwnerID()
	detectedAt := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(response.AssignedSeqs) > 0 {
			if err := s.log.MarkSynced(tx, response.AssignedSeqs); err != nil {
				return err
			}
		}
		for _, reported := range response.Conflicts {
			if err := conflict.SaveRecord(tx, conflict.NewRecord(ownerID, reported.Outcome(), detectedAt)); err != nil {
				return err
			}
		}
		for _, remote := range response.RemoteOperations {
			op, err := remote.Operation()
			if err != nil {
				return err
			}
			outcomes, err := s.store.ApplyRemote(tx, &op)
			if err != nil {
				return err
			}
			for _, outcome := range outcomes {
				if err := conflict.SaveRecord(tx, conflict.NewRecord(ownerID, outcome, detectedAt)); err != nil {
					return err
				}
			}
		}
		if len(response.RemoteOperations) > 0 {
			if _, err := s.store.RepairDanglingRefs(tx, ownerID); err != nil {
				return err
			}
		}
		// Own assignments raise the cursor only once the pull window is
		// exhausted; raising it earlier could skip another device's entries
		// sequenced below our own.
		cursorTarget := response.NextAfter
		if !response.HasMore {
			for _, seq := range response.AssignedSeqs {
				if seq > cursorTarget {
					cursorTarget = seq
				}
			}
		}
		if cursorTarget > 0 {
			if err := s.devices.Advance(tx, cursorTarget); err != nil {
				return err
			}
		}
		return s.devices.Touch(tx)
	})
}

// AutoSync runs cycles on a fixed interval until the context ends. A cycle
// still in flight when the ticker fires is skipped, never overlapped.
func (s *Syncer) AutoSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultAutoSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil && !errors.Is(err, ErrSyncBusy) {
				s.logger.Warn("auto sync cycle failed", zap.Error(err))
			}
		}
	}
}

// Conflicts lists the device's recorded conflicts, most recent first.
func (s *Syncer) Conflicts(ctx context.Context) ([]conflict.Record, error) {
	return conflict.ListRecords(ctx, s.db, s.devices.OwnerID())
}

func wireOperations(operations []oplog.Operation) []authority.WireOperation {
	wire := make([]authority.WireOperation, 0, len(operations))
	for _, op := range operations {
		wire = append(wire, authority.WireFromOperation(op))
	}
	return wire
}
