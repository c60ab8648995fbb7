package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/processor"
)

type StatsSource interface {
	GetStats() processor.ProcessorStats
}

type StatusSource interface {
	Status() models.MonitorStatus
}

type StatsHandler struct {
	processor StatsSource
	monitor   StatusSource
	clients   func() int
}

// NewStatsHandler reports processor and monitor counters. clients reports live
// websocket viewers and may be nil.
func NewStatsHandler(p StatsSource, m StatusSource, clients func() int) *StatsHandler {
	return &StatsHandler{processor: p, monitor: m, clients: clients}
}

func (h *StatsHandler) GetStats(c *gin.Context) {
	stats := h.processor.GetStats()

	var violationRate float64
	if stats.TotalProcessed > 0 {
		violationRate = float64(stats.Violations) / float64(stats.TotalProcessed) * 100
	}
	var errorRate float64
	if stats.TotalProcessed > 0 {
		errorRate = float64(stats.FailedProcessed) / float64(stats.TotalProcessed) * 100
	}

	response := gin.H{
		"processor": stats,
		"metrics": gin.H{
			"violation_rate": violationRate,
			"error_rate":     errorRate,
			"uptime_seconds": time.Since(stats.StartTime).Seconds(),
		},
	}
	if h.monitor != nil {
		response["monitor"] = h.monitor.Status()
	}
	if h.clients != nil {
		response["active_clients"] = h.clients()
	}

	c.JSON(http.StatusOK, response)
}
