package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
)

var ErrReadFailed = errors.New("failed to grab frame")

// Source yields decoded frames from one capture device. Read blocks until a frame is
// available, the device fails, or ctx is done.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Opener opens the named device.
type Opener func(ctx context.Context, device string) (Source, error)

type SourceConfig struct {
	Backend string // ffmpeg | gocv
	FPS     int
	Width   int
	Height  int
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Backend: "ffmpeg",
		FPS:     10,
		Width:   640,
		Height:  480,
	}
}

// NewOpener returns the Opener for the configured backend.
func NewOpener(cfg SourceConfig) (Opener, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "ffmpeg":
		return func(ctx context.Context, device string) (Source, error) {
			src, err := OpenFFmpeg(ctx, device, cfg)
			if err != nil {
				return nil, err
			}
			return src, nil
		}, nil
	case "gocv":
		return func(ctx context.Context, device string) (Source, error) {
			src, err := OpenGoCV(device, cfg)
			if err != nil {
				return nil, err
			}
			return src, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}
