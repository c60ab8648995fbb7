package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

// HTTPDetector forwards frames to a YOLO inference backend over HTTP.
type HTTPDetector struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     *ClientConfig

	mu      sync.RWMutex
	labels  map[int]string
	healthy bool

	stop     chan struct{}
	stopOnce sync.Once
}

type ClientConfig struct {
	BaseURL             string
	PredictPath         string
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	JPEGQuality         int
	// FallbackLabels is used when the backend does not expose /models/info.
	FallbackLabels map[int]string
}

type predictResponse struct {
	Detections []models.Detection `json:"detections"`
}

type modelInfoResponse struct {
	Names map[string]string `json:"names"`
}

func NewHTTPDetector(cfg ClientConfig, logger *zap.Logger) (*HTTPDetector, error) {
	if cfg.PredictPath == "" {
		cfg.PredictPath = "/detect"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 95
	}

	client := &HTTPDetector{
		baseURL: cfg.BaseURL,
		logger:  logger,
		config:  &cfg,
		stop:    make(chan struct{}),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: true,
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}

	labels, err := client.GetModelInfo(ctx)
	if err != nil {
		if len(cfg.FallbackLabels) == 0 {
			return nil, fmt.Errorf("failed to load model labels: %w", err)
		}
		logger.Warn("Model info not available, using configured labels", zap.Error(err))
		labels = cfg.FallbackLabels
	}
	client.labels = labels

	if cfg.HealthCheckInterval > 0 {
		go client.startHealthChecker()
	}

	return client, nil
}

func (c *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	var encoded bytes.Buffer
	if err := jpeg.Encode(&encoded, img, &jpeg.Options{Quality: c.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying detection request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
		}

		detections, err := c.executePredict(ctx, encoded.Bytes())
		if err == nil {
			return detections, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("detection failed after %d attempts: %w",
		c.config.MaxRetries+1, lastErr)
}

func (c *HTTPDetector) executePredict(ctx context.Context, frame []byte) ([]models.Detection, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {`form-data; name="file"; filename="frame.jpg"`},
		"Content-Type":        {"image/jpeg"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return nil, fmt.Errorf("failed to write frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	url := c.baseURL + c.config.PredictPath
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", w.FormDataContentType())
	request.Header.Set("User-Agent", "helmet-detect/1.0")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("detector error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	var decoded predictResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return c.convertDetections(decoded.Detections), nil
}

func (c *HTTPDetector) convertDetections(raw []models.Detection) []models.Detection {
	labels := c.Labels()
	detections := make([]models.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Label == "" {
			d.Label = labelFor(labels, d.ClassID)
		}
		detections = append(detections, d)
	}
	return detections
}

func (c *HTTPDetector) Labels() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int]string, len(c.labels))
	for k, v := range c.labels {
		out[k] = v
	}
	return out
}

func (c *HTTPDetector) HealthCheck(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.setHealthy(false)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.setHealthy(false)
		return fmt.Errorf("detector unhealthy (status %d)", response.StatusCode)
	}

	c.setHealthy(true)
	return nil
}

func (c *HTTPDetector) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *HTTPDetector) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

func (c *HTTPDetector) startHealthChecker() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("Detector health check failed", zap.Error(err))
			} else {
				c.logger.Debug("Detector health check passed")
			}
			cancel()
		case <-c.stop:
			return
		}
	}
}

// GetModelInfo reads the class names of the loaded model from /models/info.
func (c *HTTPDetector) GetModelInfo(ctx context.Context) (map[int]string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to get model info: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model info request failed (status %d)", response.StatusCode)
	}

	var info modelInfoResponse
	if err := json.NewDecoder(response.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode model info: %w", err)
	}

	labels := make(map[int]string, len(info.Names))
	for k, v := range info.Names {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid class id %q in model info", k)
		}
		labels[id] = v
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("model info has no class names")
	}

	return labels, nil
}

func (c *HTTPDetector) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.httpClient.CloseIdleConnections()
	return nil
}
