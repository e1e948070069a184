// Package api exposes the conversation controller over HTTP for UI
// clients: JSON commands, a WebSocket snapshot stream and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/cache"
	"github.com/matheus3301/convo/internal/conversation"
	"github.com/matheus3301/convo/internal/metrics"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// Connectivity is the operator-facing side of the host environment.
type Connectivity interface {
	IsOnline() bool
	SetOnline(online bool) error
	Link() status.Link
}

// Handler serves the HTTP API.
type Handler struct {
	session   string
	startedAt time.Time
	ctrl      *conversation.Controller
	cache     *cache.Manager
	backend   backend.Backend
	conn      Connectivity
	logger    *zap.Logger
}

// NewHandler creates the API handler. The backend is used only to inject
// counterparty messages.
func NewHandler(session string, ctrl *conversation.Controller, c *cache.Manager, b backend.Backend, conn Connectivity, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session:   session,
		startedAt: time.Now(),
		ctrl:      ctrl,
		cache:     c,
		backend:   b,
		conn:      conn,
		logger:    logger,
	}
}

// Router builds the gin engine with every route.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.observe)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/session", h.getSession)
	v1.GET("/state", h.getState)
	v1.GET("/ws", h.streamState)
	v1.GET("/contacts", h.listContacts)
	v1.POST("/contacts/refresh", h.refreshContacts)
	v1.POST("/select", h.selectContact)
	v1.POST("/messages", h.sendMessage)
	v1.POST("/messages/refresh", h.refreshMessages)
	v1.POST("/read", h.markRead)
	v1.POST("/typing", h.typing)
	v1.POST("/pending/:tempID/retry", h.retry)
	v1.DELETE("/error", h.clearError)
	v1.GET("/cache/stats", h.cacheStats)
	v1.DELETE("/cache", h.clearCache)
	v1.POST("/connectivity", h.setConnectivity)
	v1.POST("/inbound", h.inbound)
	return r
}

// observe counts requests by route template and status code.
func (h *Handler) observe(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *Handler) getSession(c *gin.Context) {
	resp := gin.H{
		"session":   h.session,
		"link":      h.conn.Link(),
		"online":    h.conn.IsOnline(),
		"uptime_ms": time.Since(h.startedAt).Milliseconds(),
	}
	if counter, ok := h.backend.(interface {
		MessageCount(context.Context) (int64, error)
	}); ok {
		if n, err := counter.MessageCount(c.Request.Context()); err == nil {
			resp["message_count"] = n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) listContacts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"contacts": h.ctrl.Snapshot().Contacts})
}

func (h *Handler) refreshContacts(c *gin.Context) {
	if err := h.ctrl.RefreshContacts(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

type selectRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
}

func (h *Handler) selectContact(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	var contact *model.Contact
	for _, ct := range h.ctrl.Snapshot().Contacts {
		if ct.ID == req.ContactID {
			contact = &ct
			break
		}
	}
	if contact == nil {
		fail(c, http.StatusNotFound, errors.New("unknown contact"))
		return
	}
	if err := h.ctrl.Select(c.Request.Context(), *contact); err != nil {
		h.logger.Warn("select failed", zap.String("contact_id", req.ContactID), zap.Error(err))
	}
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

type sendRequest struct {
	Body    string        `json:"body" binding:"required"`
	Channel model.Channel `json:"channel"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelWhatsApp
	}
	if !req.Channel.Valid() {
		fail(c, http.StatusBadRequest, errors.New("unknown channel"))
		return
	}
	if h.ctrl.Snapshot().Selected == nil {
		fail(c, http.StatusConflict, conversation.ErrNoSelection)
		return
	}
	if err := h.ctrl.SendMessage(c.Request.Context(), req.Body, req.Channel); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusAccepted, h.ctrl.Snapshot())
}

func (h *Handler) refreshMessages(c *gin.Context) {
	if err := h.ctrl.RefreshMessages(c.Request.Context()); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) markRead(c *gin.Context) {
	sel := h.ctrl.Snapshot().Selected
	if sel == nil {
		fail(c, http.StatusConflict, conversation.ErrNoSelection)
		return
	}
	if err := h.ctrl.MarkAsRead(c.Request.Context(), sel.ID); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type typingRequest struct {
	Typing  bool          `json:"typing"`
	Channel model.Channel `json:"channel"`
}

func (h *Handler) typing(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelWhatsApp
	}
	if err := h.ctrl.SendTypingIndicator(c.Request.Context(), req.Typing, req.Channel); err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) retry(c *gin.Context) {
	err := h.ctrl.RetryFailed(c.Request.Context(), c.Param("tempID"))
	switch {
	case errors.Is(err, conversation.ErrNoSelection):
		fail(c, http.StatusConflict, err)
	case errors.Is(err, conversation.ErrNotFailed):
		fail(c, http.StatusNotFound, err)
	case err != nil:
		fail(c, http.StatusBadGateway, err)
	default:
		c.JSON(http.StatusAccepted, h.ctrl.Snapshot())
	}
}

func (h *Handler) clearError(c *gin.Context) {
	h.ctrl.ClearError()
	c.Status(http.StatusNoContent)
}

func (h *Handler) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats(c.Request.Context()))
}

func (h *Handler) clearCache(c *gin.Context) {
	h.cache.ClearAll(c.Request.Context())
	c.Status(http.StatusNoContent)
}

type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

func (h *Handler) setConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := h.conn.SetOnline(*req.Online); err != nil {
		fail(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": h.conn.IsOnline(), "link": h.conn.Link()})
}

type inboundRequest struct {
	ContactID string        `json:"contact_id" binding:"required"`
	Body      string        `json:"body" binding:"required"`
	Channel   model.Channel `json:"channel"`
}

// inbound stores a message from the counterparty, as an external channel
// integration would.
func (h *Handler) inbound(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelWhatsApp
	}
	if !req.Channel.Valid() {
		fail(c, http.StatusBadRequest, errors.New("unknown channel"))
		return
	}
	m := model.Message{
		ContactID: req.ContactID,
		Channel:   req.Channel,
		Sender:    model.SenderCounterparty,
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
		Status:    status.Sent,
	}
	stored, err := h.backend.InsertMessage(c.Request.Context(), m)
	if err != nil {
		fail(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}
