//go:build !gocv
// +build !gocv

package camera

import (
	"context"
	"errors"
	"image"
)

var errNoGoCV = errors.New("gocv build tag is not enabled")

// GoCVSource is unavailable without the gocv build tag.
type GoCVSource struct{}

func OpenGoCV(device string, cfg SourceConfig) (*GoCVSource, error) {
	return nil, errNoGoCV
}

func (s *GoCVSource) Read(ctx context.Context) (image.Image, error) {
	return nil, errNoGoCV
}

func (s *GoCVSource) Close() error { return nil }
