// Package server exposes the sync authority over HTTP: one exchange
// endpoint for pushing and pulling operations, and a server-sent event
// stream that nudges idle devices when the ledger advances.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vellumnotes/vellum/internal/auth"
	"github.com/vellumnotes/vellum/internal/authority"
	"github.com/vellumnotes/vellum/internal/entity"
	"github.com/vellumnotes/vellum/internal/oplog"
)

const (
	ownerIDContextKey  = "vellum_owner_id"
	deviceIDContextKey = "vellum_device_id"

	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLedger         = errors.New("ledger dependency required")
	errMissingEvents         = errors.New("event dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a device token and returns the identity it carries.
type TokenValidator interface {
	ValidateToken(token string) (auth.DeviceClaims, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	Ledger         *authority.Ledger
	Events         *EventDispatcher
	Logger         *zap.Logger
	// AllowedOrigins restricts cross-origin callers. Empty means any
	// origin, matching a deployment that fronts the authority itself.
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens: deps.TokenValidator,
		ledger: deps.Ledger,
		events: deps.Events,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/sync/events", handler.handleSyncEvents)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens TokenValidator
	ledger *authority.Ledger
	events *EventDispatcher
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	deviceID := c.GetString(deviceIDContextKey)
	if ownerID == "" || deviceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request authority.SyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.DeviceID != "" && request.DeviceID != deviceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "device_mismatch"})
		return
	}

	operations := make([]oplog.Operation, 0, len(request.Operations))
	for _, wireOp := range request.Operations {
		op, err := wireOp.Operation()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		operations = append(operations, op)
	}

	result, err := h.ledger.Push(c.Request.Context(), authority.PushRequest{
		OwnerID:    ownerID,
		DeviceID:   deviceID,
		Operations: operations,
	})
	if err != nil {
		h.respondSyncError(c, "push rejected", err)
		return
	}

	if len(result.AssignedSeqs) > 0 {
		h.events.Publish(SyncEvent{
			OwnerID:   ownerID,
			DeviceID:  deviceID,
			LatestSeq: result.LatestSeq,
			Timestamp: time.Now().UTC(),
		})
	}

	page, err := h.ledger.Pull(c.Request.Context(), ownerID, request.LastServerSeq, request.PullLimit, deviceID)
	if err != nil {
		h.respondSyncError(c, "pull failed", err)
		return
	}

	response := authority.SyncResponse{
		AssignedSeqs:     result.AssignedSeqs,
		Conflicts:        make([]authority.WireConflict, 0, len(result.Conflicts)),
		RemoteOperations: make([]authority.WireOperation, 0, len(page.Entries)),
		HasMore:          page.HasMore,
		NextAfter:        page.NextAfter,
		LatestSeq:        result.LatestSeq,
	}
	for _, outcome := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, authority.WireFromOutcome(outcome))
	}
	for _, entry := range page.Entries {
		response.RemoteOperations = append(response.RemoteOperations, authority.WireFromOperation(entry.Operation()))
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) respondSyncError(c *gin.Context, message string, err error) {
	var validationErr *entity.ValidationError
	if errors.As(err, &validationErr) {
		h.logger.Warn(message, zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
}

type syncEventPayload struct {
	LatestSeq    int64  `json:"latestSeq"`
	SourceDevice string `json:"sourceDevice"`
}

type heartbeatPayload struct {
	TimeSeconds int64 `json:"timeS"`
}

func (h *httpHandler) handleSyncEvents(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.events.Subscribe(c.Request.Context(), ownerID)
	defer cleanup()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			payload := syncEventPayload{
				LatestSeq:    event.LatestSeq,
				SourceDevice: event.DeviceID,
			}
			if err := writeServerEvent(c.Writer, SyncEventActivity, payload); err != nil {
				return
			}
		case <-heartbeat.C:
			payload := heartbeatPayload{TimeSeconds: time.Now().UTC().Unix()}
			if err := writeServerEvent(c.Writer, syncEventHeartbeat, payload); err != nil {
				return
			}
		}
	}
}

func writeServerEvent(writer gin.ResponseWriter, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	writer.Flush()
	return nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := requestToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, claims.OwnerID)
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Next()
}

// requestToken prefers the Authorization header and falls back to the
// access_token query parameter, which EventSource clients need because the
// browser API cannot attach headers.
func requestToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}
