package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/camera"
	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

// LiveMonitor controls the camera session.
type LiveMonitor interface {
	Start(ctx context.Context, device string) error
	Stop() error
	Status() models.MonitorStatus
}

// FrameSource serves the annotated live feed.
type FrameSource interface {
	http.Handler
	Snapshot() ([]byte, uint64)
}

type MonitorHandler struct {
	monitor LiveMonitor
	frames  FrameSource
	// base outlives the request that started the session.
	base   context.Context
	logger *zap.Logger
}

type StartMonitorRequest struct {
	Device string `json:"device"`
}

func NewMonitorHandler(base context.Context, monitor LiveMonitor, frames FrameSource, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		frames:  frames,
		base:    base,
		logger:  logger,
	}
}

func (h *MonitorHandler) Start(c *gin.Context) {
	var req StartMonitorRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortDetail(c, http.StatusBadRequest, "Invalid request body.")
			return
		}
	}

	if err := h.monitor.Start(h.base, req.Device); err != nil {
		if errors.Is(err, camera.ErrAlreadyRunning) {
			abortDetail(c, http.StatusConflict, "Monitor already running.")
			return
		}
		h.logger.Error("Failed to start monitor", zap.String("device", req.Device), zap.Error(err))
		abortDetail(c, http.StatusServiceUnavailable, "Failed to open camera.")
		return
	}

	c.JSON(http.StatusOK, h.monitor.Status())
}

func (h *MonitorHandler) Stop(c *gin.Context) {
	if err := h.monitor.Stop(); err != nil {
		if errors.Is(err, camera.ErrNotRunning) {
			abortDetail(c, http.StatusConflict, "Monitor not running.")
			return
		}
		abortDetail(c, http.StatusInternalServerError, "Failed to stop monitor.")
		return
	}
	c.JSON(http.StatusOK, h.monitor.Status())
}

func (h *MonitorHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Status())
}

func (h *MonitorHandler) Stream(c *gin.Context) {
	h.frames.ServeHTTP(c.Writer, c.Request)
}

func (h *MonitorHandler) Snapshot(c *gin.Context) {
	frame, _ := h.frames.Snapshot()
	if frame == nil {
		abortDetail(c, http.StatusServiceUnavailable, "No frame available.")
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", frame)
}
