package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/clipboard"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	apiPrefix           = "/api/clipboard"
	itemIDParam         = "id"
	limitQueryParam     = "limit"
	defaultPingInterval = 30 * time.Second
	wildcardOrigin      = "*"
)

var (
	errMissingCoordinator = errors.New("clipboard coordinator dependency required")
	errMissingRegistry    = errors.New("connection registry dependency required")
)

// Dependencies wires the HTTP handler to the clipboard core.
type Dependencies struct {
	Coordinator    *clipboard.Coordinator
	Registry       *ConnectionRegistry
	Logger         *zap.Logger
	AllowedOrigins []string
	// TrustedProxies lists proxy addresses or CIDRs whose forwarding headers are
	// honoured. Empty means the peer address is always used.
	TrustedProxies []string
	PingInterval   time.Duration
}

// NewHTTPHandler builds the gin router serving the clipboard API and push channel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{wildcardOrigin}
	}
	pingInterval := deps.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("configure trusted proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(origins)))

	handler := &httpHandler{
		coordinator:  deps.Coordinator,
		registry:     deps.Registry,
		logger:       logger,
		pingInterval: pingInterval,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}

	api := router.Group(apiPrefix)
	api.GET("/items", handler.handleListItems)
	api.GET("/items/:"+itemIDParam, handler.handleGetItem)
	api.POST("/items", handler.handleCreateItem)
	api.PUT("/items/:"+itemIDParam, handler.handleUpdateItem)
	api.DELETE("/items/:"+itemIDParam, handler.handleDeleteItem)
	api.GET("/history/:"+itemIDParam, handler.handleListHistory)
	api.POST("/sync", handler.handleSync)
	api.GET("/ws", handler.handleStream)
	api.GET("/stats", handler.handleStats)

	return router, nil
}

type httpHandler struct {
	coordinator  *clipboard.Coordinator
	registry     *ConnectionRegistry
	logger       *zap.Logger
	upgrader     *websocket.Upgrader
	pingInterval time.Duration
}

type createItemPayload struct {
	Content     *string `json:"content"`
	ContentType string  `json:"content_type"`
	DeviceName  *string `json:"device_name"`
}

// updateItemPayload keeps content_type raw so an omitted field (defaults to text)
// can be told apart from an explicit null or empty string (keeps the stored type).
type updateItemPayload struct {
	Content     *string         `json:"content"`
	ContentType json.RawMessage `json:"content_type"`
}

type syncRequestPayload struct {
	LastSync *string `json:"last_sync"`
}

type syncResponsePayload struct {
	LastSync string                  `json:"last_sync"`
	Items    []clipboard.ItemPayload `json:"items"`
}

type deviceCountPayload struct {
	DeviceName *string `json:"device_name"`
	Count      int64   `json:"count"`
}

type statsResponsePayload struct {
	TotalItems        int64                `json:"total_items"`
	RecentItems24h    int64                `json:"recent_items_24h"`
	TopDevices        []deviceCountPayload `json:"top_devices"`
	ActiveConnections int                  `json:"active_connections"`
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	limit, ok := parseLimit(c, clipboard.DefaultListLimit)
	if !ok {
		return
	}
	items, err := h.coordinator.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, clipboard.NewItemPayloads(items))
}

func (h *httpHandler) handleGetItem(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	item, err := h.coordinator.Get(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, "get_failed", err)
		return
	}
	c.JSON(http.StatusOK, clipboard.NewItemPayload(item))
}

func (h *httpHandler) handleCreateItem(c *gin.Context) {
	var request createItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}
	content, err := clipboard.NewContent(*request.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}
	contentType, err := clipboard.NewContentType(request.ContentType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_type"})
		return
	}
	deviceName, err := clipboard.NewDeviceName(request.DeviceName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_name"})
		return
	}

	item, err := h.coordinator.CreateOrRefresh(c.Request.Context(), clipboard.ItemDraft{
		Content:       content,
		ContentType:   contentType,
		DeviceName:    deviceName,
		SourceAddress: clipboard.NewSourceAddress(c.ClientIP()),
	})
	if err != nil {
		h.respondError(c, "create_failed", err)
		return
	}
	c.JSON(http.StatusOK, clipboard.NewItemPayload(item))
}

func (h *httpHandler) handleUpdateItem(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request updateItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}
	content, err := clipboard.NewContent(*request.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}
	contentType, err := parseOptionalContentType(request.ContentType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content_type"})
		return
	}

	item, err := h.coordinator.Edit(c.Request.Context(), itemID, content, contentType)
	if err != nil {
		h.respondError(c, "update_failed", err)
		return
	}
	c.JSON(http.StatusOK, clipboard.NewItemPayload(item))
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	deleted, err := h.coordinator.Remove(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, "delete_failed", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item deleted successfully"})
}

func (h *httpHandler) handleListHistory(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c, clipboard.DefaultHistoryLimit)
	if !ok {
		return
	}
	entries, err := h.coordinator.History(c.Request.Context(), itemID, limit)
	if err != nil {
		h.respondError(c, "history_failed", err)
		return
	}
	c.JSON(http.StatusOK, clipboard.NewHistoryPayloads(entries))
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var lastSync *time.Time
	if request.LastSync != nil {
		parsed, err := clipboard.ParseTimestamp(*request.LastSync)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_last_sync"})
			return
		}
		lastSync = &parsed
	}

	snapshot, err := h.coordinator.DeltaSync(c.Request.Context(), lastSync)
	if err != nil {
		h.respondError(c, "sync_failed", err)
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{
		LastSync: clipboard.FormatTimestamp(snapshot.LastSync),
		Items:    clipboard.NewItemPayloads(snapshot.Items),
	})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.coordinator.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, "stats_failed", err)
		return
	}
	devices := make([]deviceCountPayload, 0, len(stats.TopDevices))
	for _, device := range stats.TopDevices {
		devices = append(devices, deviceCountPayload{DeviceName: device.DeviceName, Count: device.Count})
	}
	c.JSON(http.StatusOK, statsResponsePayload{
		TotalItems:        stats.TotalItems,
		RecentItems24h:    stats.RecentItems24h,
		TopDevices:        devices,
		ActiveConnections: stats.ActiveConnections,
	})
}

func (h *httpHandler) handleStream(c *gin.Context) {
	channel := newWebSocketChannel(c.Writer, c.Request, h.upgrader)
	if err := h.registry.Register(c.Request.Context(), channel); err != nil {
		h.logger.Warn("push channel handshake failed", zap.Error(err))
		if errors.Is(err, errRegistryClosed) && !c.Writer.Written() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
		}
		return
	}
	defer channel.Close() //nolint:errcheck
	defer h.registry.Unregister(channel)

	channel.serve(h.pingInterval)
}

func (h *httpHandler) respondError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, clipboard.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, clipboard.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	case errors.Is(err, clipboard.ErrInvalidContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return
	}

	h.logger.Error("clipboard request failed", zap.String("error_code", fallback), zap.Error(err))
	response := gin.H{"error": fallback}
	var serviceErr *clipboard.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, response)
}

func parseItemID(c *gin.Context) (clipboard.ItemID, bool) {
	itemID, err := clipboard.NewItemID(c.Param(itemIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return "", false
	}
	return itemID, true
}

func parseLimit(c *gin.Context, fallback int) (int, bool) {
	raw := strings.TrimSpace(c.Query(limitQueryParam))
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > clipboard.MaxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return 0, false
	}
	return limit, true
}

func parseOptionalContentType(raw json.RawMessage) (*clipboard.ContentType, error) {
	if len(raw) == 0 {
		contentType := clipboard.ContentTypeText
		return &contentType, nil
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, clipboard.ErrInvalidContentType
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	contentType, err := clipboard.NewContentType(value)
	if err != nil {
		return nil, err
	}
	return &contentType, nil
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == wildcardOrigin {
			config.AllowAllOrigins = true
			return config
		}
	}
	config.AllowOrigins = origins
	return config
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		if origin == wildcardOrigin {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
