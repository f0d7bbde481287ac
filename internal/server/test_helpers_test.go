package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/auth"
	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

type testEnvironment struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	ledger *authority.Ledger
	events *EventDispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&authority.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ledger, err := authority.NewLedger(authority.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "vellum-auth",
		Audience:      "vellum-sync",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	events := NewEventDispatcher()

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		Ledger:         ledger,
		Events:         events,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnvironment{
		server: server,
		issuer: issuer,
		ledger: ledger,
		events: events,
	}
}

func (env *testEnvironment) issueToken(t *testing.T, ownerID, deviceID string) string {
	t.Helper()
	token, _, err := env.issuer.IssueDeviceToken(context.Background(), auth.DeviceClaims{
		OwnerID:  ownerID,
		DeviceID: deviceID,
	})
	if err != nil {
		t.Fatalf("failed to issue device token: %v", err)
	}
	return token
}

func (env *testEnvironment) postSync(t *testing.T, token string, request authority.SyncRequest) (int, authority.SyncResponse) {
	t.Helper()
	body, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("failed to encode sync request: %v", err)
	}
	httpRequest, err := http.NewRequest(http.MethodPost, env.server.URL+"/sync", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct sync request: %v", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+token)
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := http.DefaultClient.Do(httpRequest)
	if err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	defer func() {
		_ = httpResponse.Body.Close()
	}()

	var response authority.SyncResponse
	if httpResponse.StatusCode == http.StatusOK {
		if err := json.NewDecoder(httpResponse.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode sync response: %v", err)
		}
	}
	return httpResponse.StatusCode, response
}

func testOperation(t *testing.T, opID, ownerID, deviceID, entityID string, opType oplog.Type, payload oplog.Payload, basedOnSeq, clientTime int64) oplog.Operation {
	t.Helper()
	owner, err := entity.NewOwnerID(ownerID)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	device, err := entity.NewDeviceID(deviceID)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	target, err := entity.NewID(entityID)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	clock, err := entity.NewUnixTimestamp(clientTime)
	if err != nil {
		t.Fatalf("unexpected timestamp error: %v", err)
	}
	operation, err := oplog.NewOperation(oplog.OperationParams{
		OpID:       opID,
		OwnerID:    owner,
		DeviceID:   device,
		EntityID:   target,
		Type:       opType,
		Payload:    payload,
		BasedOnSeq: basedOnSeq,
		ClientTime: clock,
	})
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	return *operation
}

func noteCreatedWire(t *testing.T, opID, ownerID, deviceID, noteID, title string, basedOnSeq, clientTime int64) authority.WireOperation {
	t.Helper()
	operation := testOperation(t, opID, ownerID, deviceID, noteID, oplog.TypeNoteCreated, oplog.NoteCreatedPayload{
		Title:  title,
		Status: entity.NoteStatusActive,
	}, basedOnSeq, clientTime)
	return authority.WireFromOperation(operation)
}

func noteTitleWire(t *testing.T, opID, ownerID, deviceID, noteID, title string, basedOnSeq, clientTime int64) authority.WireOperation {
	t.Helper()
	operation := testOperation(t, opID, ownerID, deviceID, noteID, oplog.TypeNoteUpdated, oplog.NoteUpdatedPayload{
		Title: &title,
	}, basedOnSeq, clientTime)
	return authority.WireFromOperation(operation)
}

func notePinnedWire(t *testing.T, opID, ownerID, deviceID, noteID string, basedOnSeq, clientTime int64) authority.WireOperation {
	t.Helper()
	operation := testOperation(t, opID, ownerID, deviceID, noteID, oplog.TypeNotePinned, oplog.EmptyPayload{}, basedOnSeq, clientTime)
	return authority.WireFromOperation(operation)
}
