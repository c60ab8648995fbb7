//go:build !gocv
// +build !gocv

package ml

import (
	"context"
	"errors"
	"image"

	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

var errNoGoCV = errors.New("gocv build tag is not enabled")

// GoCVDetector is unavailable without the gocv build tag.
type GoCVDetector struct{}

type GoCVConfig struct {
	ModelPath     string
	Labels        map[int]string
	InputSize     int
	MinConfidence float32
	NMSThreshold  float32
}

func NewGoCVDetector(cfg GoCVConfig, logger *zap.Logger) (*GoCVDetector, error) {
	return nil, errNoGoCV
}

func (d *GoCVDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	return nil, errNoGoCV
}

func (d *GoCVDetector) Labels() map[int]string { return nil }

func (d *GoCVDetector) Close() error { return nil }
