package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/gossip"
	"github.com/MarcoPoloResearchLab/inkwell/internal/notify"
	"github.com/MarcoPoloResearchLab/inkwell/internal/peers"
	"github.com/MarcoPoloResearchLab/inkwell/internal/writings"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	writingIDParam           = "id"
	peerIDParam              = "id"
)

var (
	errMissingWritingsService = errors.New("writings service dependency required")
	errMissingPeerRegistry    = errors.New("peer registry dependency required")
	errMissingEventSource     = errors.New("event source dependency required")
)

// WritingsService is the document API the handlers call.
type WritingsService interface {
	CreateWriting(ctx context.Context) (writings.WritingID, error)
	ListWritings(ctx context.Context) ([]writings.Writing, error)
	GetWritingText(ctx context.Context, writingID writings.WritingID) (writings.WritingText, error)
	SaveText(ctx context.Context, request writings.SaveRequest) error
	DeleteWriting(ctx context.Context, writingID writings.WritingID) error
	DeviceName(ctx context.Context) (string, error)
	UpdateDeviceName(ctx context.Context, name string) error
	SessionsInRange(ctx context.Context, from, to time.Time) ([]writings.Session, error)
}

// PeerRegistry lists and renames known replicas.
type PeerRegistry interface {
	List(ctx context.Context) ([]peers.Peer, error)
	Rename(ctx context.Context, id, name string) error
}

// LinkReporter exposes the live link table of the gossip manager.
type LinkReporter interface {
	Links() []gossip.LinkStatus
}

// EventSource streams "documents changed" notifications.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan notify.Event, func())
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Writings WritingsService
	Peers    PeerRegistry
	Links    LinkReporter
	Events   EventSource
	// Sync accepts inbound peer links; the route is omitted when nil.
	Sync              http.Handler
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the local replica API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Writings == nil {
		return nil, errMissingWritingsService
	}
	if deps.Peers == nil {
		return nil, errMissingPeerRegistry
	}
	if deps.Events == nil {
		return nil, errMissingEventSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		writings:  deps.Writings,
		peers:     deps.Peers,
		links:     deps.Links,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/writings", handler.handleListWritings)
	router.POST("/writings", handler.handleCreateWriting)
	router.GET("/writings/sessions", handler.handleSessions)
	router.GET("/writings/:id", handler.handleGetWriting)
	router.PUT("/writings/:id", handler.handleSaveWriting)
	router.DELETE("/writings/:id", handler.handleDeleteWriting)
	router.GET("/device", handler.handleGetDevice)
	router.PUT("/device", handler.handleUpdateDevice)
	router.GET("/peers", handler.handleListPeers)
	router.PUT("/peers/:id", handler.handleRenamePeer)
	router.GET("/events", handler.handleEvents)
	if deps.Sync != nil {
		router.GET("/sync", gin.WrapH(deps.Sync))
	}

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	writings  WritingsService
	peers     PeerRegistry
	links     LinkReporter
	events    EventSource
	heartbeat time.Duration
	logger    *zap.Logger
}

type createWritingResponse struct {
	ID string `json:"id"`
}

type saveWritingRequest struct {
	Text    string  `json:"text"`
	Current string  `json:"current"`
	Title   *string `json:"title"`
}

type deviceNamePayload struct {
	Name string `json:"name"`
}

type peerResponse struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Version int64            `json:"version"`
	Address string           `json:"address,omitempty"`
	State   gossip.LinkState `json:"state,omitempty"`
}

func (h *httpHandler) handleListWritings(c *gin.Context) {
	list, err := h.writings.ListWritings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []writings.Writing{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleCreateWriting(c *gin.Context) {
	writingID, err := h.writings.CreateWriting(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createWritingResponse{ID: writingID.String()})
}

func (h *httpHandler) handleGetWriting(c *gin.Context) {
	writingID, ok := h.writingID(c)
	if !ok {
		return
	}
	text, err := h.writings.GetWritingText(c.Request.Context(), writingID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if text.Texts == nil {
		text.Texts = []writings.Revision{}
	}
	c.JSON(http.StatusOK, text)
}

func (h *httpHandler) handleSaveWriting(c *gin.Context) {
	writingID, ok := h.writingID(c)
	if !ok {
		return
	}
	var request saveWritingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.writings.SaveText(c.Request.Context(), writings.SaveRequest{
		WritingID: writingID,
		Text:      request.Text,
		Current:   request.Current,
		Title:     request.Title,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteWriting(c *gin.Context) {
	writingID, ok := h.writingID(c)
	if !ok {
		return
	}
	if err := h.writings.DeleteWriting(c.Request.Context(), writingID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSessions(c *gin.Context) {
	from, fromErr := time.Parse(time.RFC3339, c.Query("from"))
	to, toErr := time.Parse(time.RFC3339, c.Query("to"))
	if fromErr != nil || toErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	sessions, err := h.writings.SessionsInRange(c.Request.Context(), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []writings.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *httpHandler) handleGetDevice(c *gin.Context) {
	name, err := h.writings.DeviceName(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deviceNamePayload{Name: name})
}

func (h *httpHandler) handleUpdateDevice(c *gin.Context) {
	var request deviceNamePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.writings.UpdateDeviceName(c.Request.Context(), request.Name); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListPeers(c *gin.Context) {
	known, err := h.peers.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list peers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "peers_unavailable"})
		return
	}
	states := make(map[string]gossip.LinkState)
	if h.links != nil {
		for _, status := range h.links.Links() {
			states[status.PeerID] = status.State
		}
	}
	response := make([]peerResponse, 0, len(known))
	for _, peer := range known {
		response = append(response, peerResponse{
			ID:      peer.ID,
			Name:    peer.Name,
			Version: peer.Version,
			Address: peer.Address,
			State:   states[peer.ID],
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRenamePeer(c *gin.Context) {
	var request deviceNamePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.peers.Rename(c.Request.Context(), c.Param(peerIDParam), strings.TrimSpace(request.Name))
	if errors.Is(err, peers.ErrInvalidPeerID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peer_id"})
		return
	}
	if err != nil {
		h.logger.Error("failed to rename peer", zap.String("peer_id", c.Param(peerIDParam)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rename_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writingID(c *gin.Context) (writings.WritingID, bool) {
	writingID, err := writings.NewWritingID(c.Param(writingIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_writing_id"})
		return "", false
	}
	return writingID, true
}

// respondError maps service errors onto status codes and exposes the service error code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, writings.ErrWritingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, writings.ErrInvalidWritingID),
		errors.Is(err, writings.ErrInvalidDeviceName),
		errors.Is(err, writings.ErrInvalidRange):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var serviceErr *writings.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
