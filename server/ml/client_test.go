package ml

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 10), 128, 255})
		}
	}
	return img
}

type fakeBackend struct {
	modelInfo  bool
	failFirst  int32
	predictHit atomic.Int32
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/models/info", func(w http.ResponseWriter, r *http.Request) {
		if !b.modelInfo {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"names": map[string]string{"0": "helmet", "1": "head"}})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		n := b.predictHit.Add(1)
		if n <= b.failFirst {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "image/jpeg", header.Header.Get("Content-Type"))
		_, err = jpeg.Decode(file)
		assert.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"bbox": []float64{1, 2, 10, 12}, "confidence": 0.9, "class_id": 1},
				{"bbox": []float64{3, 4, 8, 9}, "confidence": 0.4, "class_id": 0, "label": "helmet"},
			},
		})
	})
	return mux
}

func newTestDetector(t *testing.T, backend *fakeBackend, cfg ClientConfig) *HTTPDetector {
	t.Helper()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	d, err := NewHTTPDetector(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestHTTPDetector_LoadsLabelsFromModelInfo(t *testing.T) {
	d := newTestDetector(t, &fakeBackend{modelInfo: true}, ClientConfig{})

	assert.Equal(t, map[int]string{0: "helmet", 1: "head"}, d.Labels())
	assert.True(t, d.Healthy())
}

func TestHTTPDetector_FallbackLabels(t *testing.T) {
	d := newTestDetector(t, &fakeBackend{}, ClientConfig{
		FallbackLabels: map[int]string{0: "helmet", 1: "no_helmet"},
	})

	assert.Equal(t, "no_helmet", d.Labels()[1])
}

func TestHTTPDetector_NoLabelsIsFatal(t *testing.T) {
	srv := httptest.NewServer((&fakeBackend{}).handler(t))
	defer srv.Close()

	_, err := NewHTTPDetector(ClientConfig{BaseURL: srv.URL}, zap.NewNop())
	require.Error(t, err)
}

func TestHTTPDetector_UnavailableAtStartup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPDetector(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectorUnavailable))
}

func TestHTTPDetector_Detect(t *testing.T) {
	d := newTestDetector(t, &fakeBackend{modelInfo: true}, ClientConfig{})

	detections, err := d.Detect(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, detections, 2)

	assert.Equal(t, [4]float64{1, 2, 10, 12}, detections[0].BBox)
	assert.Equal(t, 1, detections[0].ClassID)
	assert.Equal(t, "head", detections[0].Label, "missing label is filled from the model map")
	assert.Equal(t, "helmet", detections[1].Label)
}

func TestHTTPDetector_RetriesThenSucceeds(t *testing.T) {
	backend := &fakeBackend{modelInfo: true, failFirst: 2}
	d := newTestDetector(t, backend, ClientConfig{MaxRetries: 2})

	detections, err := d.Detect(context.Background(), testImage())
	require.NoError(t, err)
	assert.Len(t, detections, 2)
	assert.Equal(t, int32(3), backend.predictHit.Load())
}

func TestHTTPDetector_GivesUpAfterRetries(t *testing.T) {
	backend := &fakeBackend{modelInfo: true, failFirst: 10}
	d := newTestDetector(t, backend, ClientConfig{MaxRetries: 1})

	_, err := d.Detect(context.Background(), testImage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestHTTPDetector_ReturnsFreshSlices(t *testing.T) {
	d := newTestDetector(t, &fakeBackend{modelInfo: true}, ClientConfig{})

	first, err := d.Detect(context.Background(), testImage())
	require.NoError(t, err)
	first[0].ClassID = 42

	second, err := d.Detect(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, 1, second[0].ClassID)
}
