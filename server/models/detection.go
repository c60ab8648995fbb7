package models

import (
	"image"
	"math"
	"time"
)

const (
	ClassHelmet   = 0
	ClassNoHelmet = 1
)

// Detection is one box emitted by the detector for a single inference call.
type Detection struct {
	BBox       [4]float64 `json:"bbox"` // [x1, y1, x2, y2] in pixels
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
}

// Rect rounds the box down to whole pixels.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(d.BBox[0])),
		int(math.Floor(d.BBox[1])),
		int(math.Floor(d.BBox[2])),
		int(math.Floor(d.BBox[3])),
	)
}

type DetectResponse struct {
	Detections []Detection `json:"detections"`
}

type Base64Request struct {
	B64 string `json:"b64"`
}

type APIError struct {
	Detail string `json:"detail"`
}

type HealthResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

type ViolationSource string

const (
	SourceUpload    ViolationSource = "upload"
	SourceBase64    ViolationSource = "base64"
	SourceMonitor   ViolationSource = "monitor"
	SourceWebSocket ViolationSource = "websocket"
)

type ViolationRecord struct {
	ID            string          `json:"id"`
	FileName      string          `json:"file_name"`
	Source        ViolationSource `json:"source"`
	HelmetCount   int             `json:"helmet_count"`
	NoHelmetCount int             `json:"no_helmet_count"`
	MaxConfidence float64         `json:"max_confidence"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MonitorFrame is what the live monitor publishes to viewers after each processed frame.
type MonitorFrame struct {
	Seq           uint64    `json:"seq"`
	JPEG          []byte    `json:"-"`
	HelmetCount   int       `json:"helmet_count"`
	NoHelmetCount int       `json:"no_helmet_count"`
	Violation     bool      `json:"violation"`
	AlertFired    bool      `json:"alert_fired"`
	Timestamp     time.Time `json:"timestamp"`
}

type MonitorStatus struct {
	Running        bool      `json:"running"`
	Device         string    `json:"device"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FramesCaptured uint64    `json:"frames_captured"`
	FramesDropped  uint64    `json:"frames_dropped"`
	FramesHandled  uint64    `json:"frames_handled"`
	Violations     uint64    `json:"violations"`
	AlertsFired    uint64    `json:"alerts_fired"`
	HelmetCount    int       `json:"helmet_count"`
	NoHelmetCount  int       `json:"no_helmet_count"`
	LastError      string    `json:"last_error,omitempty"`
}
