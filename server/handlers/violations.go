package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/storage"
	"go.uber.org/zap"
)

const maxListLimit = 500

type ViolationLister interface {
	List(ctx context.Context, limit int) ([]models.ViolationRecord, error)
}

type ViolationFiles interface {
	Path(name string) (string, error)
	List(limit int) ([]string, error)
}

type ViolationsHandler struct {
	events ViolationLister
	files  ViolationFiles
	logger *zap.Logger
}

// NewViolationsHandler serves the violation history. events may be nil, in which
// case listings come from the directory alone.
func NewViolationsHandler(events ViolationLister, files ViolationFiles, logger *zap.Logger) *ViolationsHandler {
	return &ViolationsHandler{events: events, files: files, logger: logger}
}

func (h *ViolationsHandler) List(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			abortDetail(c, http.StatusBadRequest, "Query parameter 'limit' must be between 1 and 500.")
			return
		}
		limit = n
	}

	if h.events != nil {
		records, err := h.events.List(c.Request.Context(), limit)
		if err != nil {
			h.logger.Error("Failed to list violations", zap.Error(err))
			abortDetail(c, http.StatusInternalServerError, "Failed to list violations.")
			return
		}
		c.JSON(http.StatusOK, gin.H{"violations": records})
		return
	}

	names, err := h.files.List(limit)
	if err != nil {
		h.logger.Error("Failed to list violation files", zap.Error(err))
		abortDetail(c, http.StatusInternalServerError, "Failed to list violations.")
		return
	}
	records := make([]models.ViolationRecord, 0, len(names))
	for _, name := range names {
		records = append(records, models.ViolationRecord{FileName: name})
	}
	c.JSON(http.StatusOK, gin.H{"violations": records})
}

func (h *ViolationsHandler) Get(c *gin.Context) {
	path, err := h.files.Path(c.Param("name"))
	switch {
	case errors.Is(err, storage.ErrInvalidName):
		abortDetail(c, http.StatusBadRequest, "Invalid file name.")
		return
	case errors.Is(err, storage.ErrNotFound):
		abortDetail(c, http.StatusNotFound, "Violation not found.")
		return
	case err != nil:
		h.logger.Error("Failed to resolve violation file", zap.Error(err))
		abortDetail(c, http.StatusInternalServerError, "Failed to read violation.")
		return
	}

	c.Header("Content-Type", "image/jpeg")
	c.File(path)
}
