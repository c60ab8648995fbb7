package handlers

import (
	"context"
	"image"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/helmet-detect/server/alert"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/processor"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 10 * 1024 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

// FrameProcessor runs the pipeline for frames pushed by a browser.
type FrameProcessor interface {
	Process(ctx context.Context, img image.Image, opts processor.Options) (*processor.Result, error)
}

type WebSocketHandler struct {
	processor FrameProcessor
	cooldown  time.Duration
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type ClientMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type FrameResult struct {
	Detections    []models.Detection `json:"detections"`
	HelmetCount   int                `json:"helmet_count"`
	NoHelmetCount int                `json:"no_helmet_count"`
	Violation     bool               `json:"violation"`
	AlertFired    bool               `json:"alert_fired"`
	Timestamp     int64              `json:"timestamp"`
}

type wsClient struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed atomic.Bool
	monitor    chan models.MonitorFrame
	cooldown   *alert.Cooldown
}

// NewWebSocketHandler accepts upgrades from the given origins, or from any origin when
// the list holds "*". With an empty list only same-host pages may connect.
func NewWebSocketHandler(p FrameProcessor, cooldown time.Duration, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}

	return &WebSocketHandler{
		processor: p,
		cooldown:  cooldown,
		logger:    logger,
		clients:   make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins map[string]struct{}) func(r *http.Request) bool {
	_, wildcard := origins["*"]
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := origins[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	clientIP := c.ClientIP()
	h.logger.Info("WebSocket client connected", zap.String("client_ip", clientIP))
	defer h.logger.Info("WebSocket client disconnected", zap.String("client_ip", clientIP))

	client := &wsClient{
		conn:     conn,
		monitor:  make(chan models.MonitorFrame, 4),
		cooldown: alert.NewCooldown(h.cooldown),
	}
	h.register(client)
	defer h.unregister(client)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.writeLoop(ctx, client, cancel)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.handleMessage(ctx, client, &message)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, client *wsClient, message *ClientMessage) {
	switch message.Type {
	case "frame":
		h.processFrame(ctx, client, message)
	case "ping":
		h.send(client, "pong", map[string]any{"timestamp": time.Now().Unix()})
	case "subscribe":
		client.subscribed.Store(true)
		h.send(client, "subscribed", map[string]any{"monitor": true})
	case "unsubscribe":
		client.subscribed.Store(false)
		h.send(client, "unsubscribed", map[string]any{"monitor": false})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(client, "Unknown message type: "+message.Type)
	}
}

// processFrame runs inline so a client has at most one frame in flight.
func (h *WebSocketHandler) processFrame(ctx context.Context, client *wsClient, message *ClientMessage) {
	data, err := decodeBase64Payload(message.Data)
	if err != nil {
		h.sendError(client, "Invalid image data format")
		return
	}
	img, err := decodeImage(data)
	if err != nil {
		h.sendError(client, "Could not decode image")
		return
	}

	result, err := h.processor.Process(ctx, img, processor.Options{
		Source:   models.SourceWebSocket,
		Cooldown: client.cooldown,
	})
	if err != nil {
		h.logger.Error("Frame processing failed", zap.Error(err))
		_, detail := statusForError(err)
		h.sendError(client, detail)
		return
	}

	ts := message.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	h.send(client, "detections", FrameResult{
		Detections:    result.Detections,
		HelmetCount:   result.Classification.HelmetCount,
		NoHelmetCount: result.Classification.NoHelmetCount,
		Violation:     result.Classification.Violation,
		AlertFired:    result.AlertFired,
		Timestamp:     ts,
	})
}

// PublishFrame forwards a monitor summary to subscribed clients, dropping it for
// clients that are behind.
func (h *WebSocketHandler) PublishFrame(frame models.MonitorFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed.Load() {
			continue
		}
		select {
		case client.monitor <- frame:
		default:
		}
	}
}

func (h *WebSocketHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, client *wsClient, cancel context.CancelFunc) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.monitor:
			h.send(client, "monitor", frame)
		case <-ticker.C:
			client.writeMu.Lock()
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := client.conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				h.logger.Warn("Failed to send ping", zap.Error(err))
				cancel()
				client.conn.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) send(client *wsClient, messageType string, data any) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := client.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Warn("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(client *wsClient, msg string) {
	h.send(client, "error", map[string]any{
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}

func (h *WebSocketHandler) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *WebSocketHandler) unregister(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}
