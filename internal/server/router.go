package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tabulahq/tabula/backend/internal/auth"
	"github.com/tabulahq/tabula/backend/internal/collab"
	"github.com/tabulahq/tabula/backend/internal/records"
	"github.com/tabulahq/tabula/backend/internal/users"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "tabula_session_claims"

	streamEventChange    = "change"
	streamEventHeartbeat = "heartbeat"
	heartbeatInterval    = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordStore    = errors.New("record store dependency required")
	errMissingDispatcher     = errors.New("realtime dispatcher dependency required")
	errMissingIdentities     = errors.New("identity service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its session claims.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Tokens      TokenValidator
	RecordStore *records.Store
	Identities  *users.Service
	Realtime    *RealtimeDispatcher
	PresenceTTL time.Duration
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the collaboration API: load,
// confirmed-event ingest, SSE fan-out, and presence. Everything else about
// the dashboard lives outside this service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.RecordStore == nil {
		return nil, errMissingRecordStore
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		recordStore: deps.RecordStore,
		identities:  deps.Identities,
		realtime:    deps.Realtime,
		presenceTTL: deps.PresenceTTL,
		presence:    make(map[collab.CollectionID]*collab.PresenceTracker),
		logger:      logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/collections/:collection/records", handler.handleLoadRecords)
	protected.POST("/collections/:collection/events", handler.handlePublishEvent)
	protected.GET("/collections/:collection/stream", handler.handleStream)
	protected.PUT("/collections/:collection/presence", handler.handleSetPresence)
	protected.GET("/collections/:collection/presence", handler.handleGetPresence)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	recordStore *records.Store
	identities  *users.Service
	realtime    *RealtimeDispatcher
	presenceTTL time.Duration

	presenceMu sync.Mutex
	presence   map[collab.CollectionID]*collab.PresenceTracker

	logger *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// The browser EventSource API cannot set headers on the stream request.
		token = strings.TrimSpace(c.Query("access_token"))
	}
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
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) collectionID(c *gin.Context) (collab.CollectionID, bool) {
	collectionID, err := collab.NewCollectionID(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
		return "", false
	}
	return collectionID, true
}

type recordPayload struct {
	ID              string                       `json:"id"`
	Name            string                       `json:"name"`
	Fields          map[string]collab.FieldValue `json:"fields"`
	CreatedAtMillis int64                        `json:"created_at_ms"`
	Position        *int64                       `json:"position,omitempty"`
}

func recordToPayload(record collab.Record) recordPayload {
	return recordPayload{
		ID:              record.ID.String(),
		Name:            record.Name,
		Fields:          record.Fields,
		CreatedAtMillis: record.CreatedAtMillis,
		Position:        record.Position,
	}
}

// handleLoadRecords serves the full-reload path: every record of the
// collection in the shared row order.
func (h *httpHandler) handleLoadRecords(c *gin.Context) {
	collectionID, ok := h.collectionID(c)
	if !ok {
		return
	}
	loaded, err := h.recordStore.LoadAll(c.Request.Context(), collectionID)
	if err != nil {
		h.logger.Error("record load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	payload := make([]recordPayload, 0, len(loaded))
	for _, record := range loaded {
		payload = append(payload, recordToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

// handlePublishEvent ingests one confirmed change-event envelope: the durable
// write happens first, the broadcast to other subscribers only after it
// succeeded. A rejected write returns the error without publishing, so peers
// never see a delta the durable store refused.
func (h *httpHandler) handlePublishEvent(c *gin.Context) {
	collectionID, ok := h.collectionID(c)
	if !ok {
		return
	}
	var envelope collab.EventEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if envelope.Origin == "" || envelope.Seq <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
		return
	}
	if err := envelope.Event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}

	if err := h.persistEvent(c, collectionID, envelope.Event); err != nil {
		if errors.Is(err, records.ErrRowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		h.logger.Error("event persist failed",
			zap.String("collection_id", collectionID.String()),
			zap.String("event_type", string(envelope.Event.Type)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persist_failed"})
		return
	}

	h.realtime.Publish(collectionID, envelope)
	c.JSON(http.StatusOK, gin.H{"status": "published"})
}

func (h *httpHandler) persistEvent(c *gin.Context, collectionID collab.CollectionID, event collab.ChangeEvent) error {
	ctx := c.Request.Context()
	switch event.Type {
	case collab.EventFieldUpdate:
		return h.recordStore.UpdateField(ctx, event.RecordID, event.Key, event.NewValue)
	case collab.EventBatchFieldUpdate:
		for _, write := range event.Writes {
			if err := h.recordStore.UpdateField(ctx, write.RecordID, write.Key, write.NewValue); err != nil {
				return err
			}
		}
		return nil
	case collab.EventRecordCreate:
		record := collab.Record{
			ID:              event.RecordID,
			Name:            event.Name,
			Fields:          event.Fields,
			CreatedAtMillis: event.CreatedAtMillis,
			Position:        event.Position,
		}
		_, err := h.recordStore.Create(ctx, collectionID, record)
		return err
	case collab.EventRecordDelete:
		return h.recordStore.Delete(ctx, event.RecordID)
	case collab.EventOrderChanged:
		// Order lives in the rows the originating client already wrote;
		// the signal only needs to reach the other subscribers.
		return nil
	}
	return nil
}

// handleStream serves the realtime envelope feed over SSE.
func (h *httpHandler) handleStream(c *gin.Context) {
	collectionID, ok := h.collectionID(c)
	if !ok {
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), collectionID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case envelope, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(streamEventChange, envelope)
			return true
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, time.Now().UTC().Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type presencePayload struct {
	ClientID string `json:"client_id"`
	RecordID string `json:"record_id"`
	FieldKey string `json:"field_key"`
}

// handleSetPresence records the caller's editing focus. Empty record and
// field mean "not editing anything" while keeping the heartbeat alive.
func (h *httpHandler) handleSetPresence(c *gin.Context) {
	collectionID, ok := h.collectionID(c)
	if !ok {
		return
	}
	claims, ok := h.sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var payload presencePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientID, err := collab.NewClientID(payload.ClientID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client"})
		return
	}

	identity, err := h.identities.Resolve(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	tracker := h.trackerFor(collectionID)
	tracker.SetActiveField(clientID, collab.User{
		ID:          identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	}, collab.RecordID(strings.TrimSpace(payload.RecordID)), collab.FieldKey(strings.TrimSpace(payload.FieldKey)))

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetPresence lists the other clients editing a given field, or every
// active client when no field is named.
func (h *httpHandler) handleGetPresence(c *gin.Context) {
	collectionID, ok := h.collectionID(c)
	if !ok {
		return
	}
	tracker := h.trackerFor(collectionID)
	exclude := collab.ClientID(strings.TrimSpace(c.Query("client_id")))

	recordID := strings.TrimSpace(c.Query("record_id"))
	fieldKey := strings.TrimSpace(c.Query("field_key"))
	if recordID == "" && fieldKey == "" {
		c.JSON(http.StatusOK, gin.H{"clients": tracker.ActiveClients()})
		return
	}

	editors := tracker.UsersEditingField(collab.RecordID(recordID), collab.FieldKey(fieldKey), exclude)
	c.JSON(http.StatusOK, gin.H{"users": editors})
}

func (h *httpHandler) trackerFor(collectionID collab.CollectionID) *collab.PresenceTracker {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	tracker, ok := h.presence[collectionID]
	if !ok {
		tracker = collab.NewPresenceTracker(collab.PresenceTrackerConfig{TTL: h.presenceTTL})
		h.presence[collectionID] = tracker
	}
	return tracker
}
