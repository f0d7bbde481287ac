package syncer

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/auth"
	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/conflict"
	"github.com/vellumnotes/vellum/internal/device"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
	"github.com/vellumnotes/vellum/internal/server"
	"github.com/vellumnotes/vellum/internal/snapshot"
	"github.com/vellumnotes/vellum/internal/store"
)

const testOwnerID = "owner-1"

type authorityEnv struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	db      *gorm.DB
}

func newAuthorityEnv(t *testing.T) *authorityEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:syncer_authority_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open authority sqlite: %v", err)
	}
	if err := db.AutoMigrate(&authority.Entry{}); err != nil {
		t.Fatalf("failed to migrate authority schema: %v", err)
	}
	ledger, err := authority.NewLedger(authority.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("syncer-test-secret"),
		Issuer:        "vellum-auth",
		Audience:      "vellum-sync",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: issuer,
		Ledger:         ledger,
		Events:         server.NewEventDispatcher(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &authorityEnv{handler: handler, issuer: issuer, db: db}
}

func (env *authorityEnv) ledgerEntryCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := env.db.Model(&authority.Entry{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count ledger entries: %v", err)
	}
	return count
}

type testDevice struct {
	syncer  *Syncer
	store   *store.Store
	log     *oplog.Log
	tracker *device.Tracker
	db      *gorm.DB
}

func newTestDevice(t *testing.T, env *authorityEnv, baseURL, deviceID string, pageLimit int) *testDevice {
	t.Helper()
	dsn := fmt.Sprintf("file:syncer_%s_%d?mode=memory&cache=shared", deviceID, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open device sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&entity.Note{},
		&entity.Notebook{},
		&entity.Tag{},
		&oplog.Operation{},
		&snapshot.Snapshot{},
		&conflict.Record{},
		&device.State{},
	); err != nil {
		t.Fatalf("failed to migrate device schema: %v", err)
	}
	operationLog, err := oplog.NewLog(oplog.LogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct log: %v", err)
	}
	tracker, err := device.NewTracker(device.Config{
		Database: db,
		DeviceID: deviceID,
		OwnerID:  testOwnerID,
	})
	if err != nil {
		t.Fatalf("failed to construct tracker: %v", err)
	}
	entityStore, err := store.NewStore(store.Config{
		Database:   db,
		Log:        operationLog,
		IDProvider: oplog.NewUUIDProvider(),
		DeviceID:   deviceID,
		Cursor:     tracker,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	token, _, err := env.issuer.IssueDeviceToken(context.Background(), auth.DeviceClaims{
		OwnerID:  testOwnerID,
		DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("failed to issue device token: %v", err)
	}
	engine, err := NewSyncer(Config{
		Database:  db,
		Store:     entityStore,
		Log:       operationLog,
		Devices:   tracker,
		BaseURL:   baseURL,
		Tokens:    StaticTokenSource(token),
		PageLimit: pageLimit,
	})
	if err != nil {
		t.Fatalf("failed to construct syncer: %v", err)
	}
	return &testDevice{
		syncer:  engine,
		store:   entityStore,
		log:     operationLog,
		tracker: tracker,
		db:      db,
	}
}

func (d *testDevice) mustSync(t *testing.T) {
	t.Helper()
	if err := d.syncer.Sync(context.Background()); err != nil {
		t.Fatalf("sync cycle failed: %v", err)
	}
	if d.syncer.Status() != StatusIdle {
		t.Fatalf("expected idle status after sync, got %s", d.syncer.Status())
	}
}

func (d *testDevice) unsyncedCount(t *testing.T) int {
	t.Helper()
	unsynced, err := d.log.Unsynced(context.Background(), testOwnerID)
	if err != nil {
		t.Fatalf("failed to list unsynced operations: %v", err)
	}
	return len(unsynced)
}

func (d *testDevice) mustGetNote(t *testing.T, noteID string) *entity.Note {
	t.Helper()
	note, err := d.store.GetNote(context.Background(), testOwnerID, noteID, true)
	if err != nil {
		t.Fatalf("failed to load note %s: %v", noteID, err)
	}
	return note
}
