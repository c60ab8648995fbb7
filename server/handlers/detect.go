package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/ml"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/processor"
	"go.uber.org/zap"
)

// ImageProcessor runs the single-image pipeline: detect, classify, persist, alert.
type ImageProcessor interface {
	ProcessImage(ctx context.Context, img image.Image, source models.ViolationSource, annotated bool) (*processor.Result, error)
}

type DetectHandler struct {
	processor ImageProcessor
	logger    *zap.Logger
	maxUpload int64
	now       func() time.Time
}

func NewDetectHandler(p ImageProcessor, maxUpload int64, logger *zap.Logger) *DetectHandler {
	if maxUpload <= 0 {
		maxUpload = 10 * 1024 * 1024
	}
	return &DetectHandler{
		processor: p,
		logger:    logger,
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

func (h *DetectHandler) Health(c *gin.Context) {
	now := h.now()
	c.JSON(http.StatusOK, models.HealthResponse{
		Status: "ok",
		Time:   float64(now.UnixNano()) / 1e9,
	})
}

// Detect handles POST /detect with a multipart "file" field. With ?annotated=true the
// response is the annotated JPEG instead of JSON.
func (h *DetectHandler) Detect(c *gin.Context) {
	annotated, err := parseBoolQuery(c, "annotated")
	if err != nil {
		abortDetail(c, http.StatusBadRequest, "Query parameter 'annotated' must be a boolean.")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		abortDetail(c, http.StatusBadRequest, "Missing 'file' field.")
		return
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "image/") {
		abortDetail(c, http.StatusBadRequest, "File must be an image.")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		h.logger.Error("Failed to read uploaded file", zap.Error(err))
		abortDetail(c, http.StatusBadRequest, "Failed to read uploaded file.")
		return
	}
	if int64(len(data)) > h.maxUpload {
		abortDetail(c, http.StatusRequestEntityTooLarge, "File too large.")
		return
	}

	img, err := decodeImage(data)
	if err != nil {
		h.logger.Warn("Undecodable upload", zap.String("filename", header.Filename), zap.Error(err))
		abortDetail(c, http.StatusBadRequest, "Could not decode image.")
		return
	}

	result, ok := h.process(c, img, models.SourceUpload, annotated)
	if !ok {
		return
	}

	if annotated {
		c.Data(http.StatusOK, "image/jpeg", result.AnnotatedJPEG)
		return
	}
	c.JSON(http.StatusOK, models.DetectResponse{Detections: result.Detections})
}

// DetectBase64 handles POST /detect_base64 with {"b64": "..."}.
func (h *DetectHandler) DetectBase64(c *gin.Context) {
	var req models.Base64Request
	if err := c.ShouldBindJSON(&req); err != nil || req.B64 == "" {
		abortDetail(c, http.StatusBadRequest, "Missing 'b64' field.")
		return
	}

	data, err := decodeBase64Payload(req.B64)
	if err != nil {
		abortDetail(c, http.StatusBadRequest, "Invalid base64 payload.")
		return
	}

	img, err := decodeImage(data)
	if err != nil {
		h.logger.Warn("Undecodable base64 image", zap.Error(err))
		abortDetail(c, http.StatusBadRequest, "Could not decode image.")
		return
	}

	result, ok := h.process(c, img, models.SourceBase64, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, models.DetectResponse{Detections: result.Detections})
}

func (h *DetectHandler) process(c *gin.Context, img image.Image, source models.ViolationSource, annotated bool) (*processor.Result, bool) {
	result, err := h.processor.ProcessImage(c.Request.Context(), img, source, annotated)
	if err != nil {
		status, detail := statusForError(err)
		h.logger.Error("Detection failed",
			zap.Error(err),
			zap.String("source", string(source)),
			zap.String("client_ip", c.ClientIP()))
		abortDetail(c, status, detail)
		return nil, false
	}
	return result, true
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, processor.ErrQueueFull):
		return http.StatusServiceUnavailable, "Detector busy, try again later."
	case errors.Is(err, processor.ErrQueueStopped):
		return http.StatusServiceUnavailable, "Server is shutting down."
	case errors.Is(err, ml.ErrDetectorUnavailable):
		return http.StatusServiceUnavailable, "Detector unavailable."
	case errors.Is(err, processor.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Detection timed out."
	case errors.Is(err, context.Canceled):
		return 499, "Request cancelled."
	default:
		return http.StatusBadGateway, "Detection failed."
	}
}

func abortDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, models.APIError{Detail: detail})
}

func parseBoolQuery(c *gin.Context, key string) (bool, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
