//go:build gocv
// +build gocv

package ml

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GoCVDetector runs an exported YOLOv8 ONNX model in-process through OpenCV DNN.
type GoCVDetector struct {
	net        gocv.Net
	labels     map[int]string
	inputSize  int
	confidence float32
	nms        float32
	logger     *zap.Logger
	mu         sync.Mutex
}

type GoCVConfig struct {
	ModelPath     string
	Labels        map[int]string
	InputSize     int
	MinConfidence float32
	NMSThreshold  float32
}

func NewGoCVDetector(cfg GoCVConfig, logger *zap.Logger) (*GoCVDetector, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found at %s: %w", cfg.ModelPath, err)
	}
	if len(cfg.Labels) == 0 {
		return nil, fmt.Errorf("labels are required for the gocv backend")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.25
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.45
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set target: %w", err)
	}

	logger.Info("Loaded ONNX model", zap.String("path", cfg.ModelPath), zap.Int("classes", len(cfg.Labels)))

	return &GoCVDetector{
		net:        net,
		labels:     cfg.Labels,
		inputSize:  cfg.InputSize,
		confidence: cfg.MinConfidence,
		nms:        cfg.NMSThreshold,
		logger:     logger,
	}, nil
}

func (d *GoCVDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()

	width, height := mat.Cols(), mat.Rows()
	side := max(width, height)

	// Letterbox into a square so the scale is the same on both axes.
	square := gocv.NewMatWithSize(side, side, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	mat.CopyTo(&roi)
	roi.Close()

	scale := float32(side) / float32(d.inputSize)

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(d.inputSize, d.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	// YOLOv8 output: [1, 4+classes, anchors]
	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	classes, anchors := dims[1]-4, dims[2]

	var (
		boxes   []image.Rectangle
		scores  []float32
		classID []int
	)
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < classes; c++ {
			s := output.GetFloatAt3(0, 4+c, a)
			if s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < d.confidence {
			continue
		}

		cx := output.GetFloatAt3(0, 0, a) * scale
		cy := output.GetFloatAt3(0, 1, a) * scale
		w := output.GetFloatAt3(0, 2, a) * scale
		h := output.GetFloatAt3(0, 3, a) * scale

		boxes = append(boxes, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, bestScore)
		classID = append(classID, best)
	}

	detections := make([]models.Detection, 0, len(boxes))
	if len(boxes) == 0 {
		return detections, nil
	}

	for _, i := range gocv.NMSBoxes(boxes, scores, d.confidence, d.nms) {
		r := boxes[i].Intersect(image.Rect(0, 0, width, height))
		detections = append(detections, models.Detection{
			BBox:       [4]float64{float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y)},
			Confidence: float64(scores[i]),
			ClassID:    classID[i],
			Label:      labelFor(d.labels, classID[i]),
		})
	}

	return detections, nil
}

func (d *GoCVDetector) Labels() map[int]string {
	out := make(map[int]string, len(d.labels))
	for k, v := range d.labels {
		out[k] = v
	}
	return out
}

func (d *GoCVDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
