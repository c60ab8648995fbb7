package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/san-kum/helmet-detect/server/alert"
	"github.com/san-kum/helmet-detect/server/metrics"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/processor"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
)

// FrameHandler runs the detection pipeline on one live frame.
type FrameHandler interface {
	ProcessFrame(ctx context.Context, img image.Image, cooldown *alert.Cooldown) (*processor.Result, error)
}

// Publisher receives every processed frame. PublishFrame must not block.
type Publisher interface {
	PublishFrame(frame models.MonitorFrame)
}

type MonitorConfig struct {
	Device string
	// BufferSize bounds the frames waiting for the detector; the oldest is dropped when full.
	BufferSize int
	Cooldown   time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Device:     "/dev/video0",
		BufferSize: 2,
		Cooldown:   alert.DefaultCooldown,
	}
}

// Monitor owns at most one live capture session at a time.
type Monitor struct {
	open    Opener
	handler FrameHandler
	config  MonitorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	pubMu      sync.RWMutex
	publishers []Publisher

	mu      sync.Mutex
	session *session
	status  models.MonitorStatus
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(open Opener, handler FrameHandler, config MonitorConfig, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	if config.BufferSize < 1 {
		config.BufferSize = 1
	}
	if config.Cooldown <= 0 {
		config.Cooldown = alert.DefaultCooldown
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		open:    open,
		handler: handler,
		config:  config,
		metrics: m,
		logger:  logger,
		status:  models.MonitorStatus{Device: config.Device},
	}
}

func (m *Monitor) AddPublisher(p Publisher) {
	m.pubMu.Lock()
	m.publishers = append(m.publishers, p)
	m.pubMu.Unlock()
}

// Start opens device (the configured one when empty) and begins processing frames
// until Stop, ctx cancellation, or a capture read failure.
func (m *Monitor) Start(ctx context.Context, device string) error {
	if device == "" {
		device = m.config.Device
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return ErrAlreadyRunning
	}

	src, err := m.open(ctx, device)
	if err != nil {
		m.status.LastError = err.Error()
		return fmt.Errorf("failed to open camera: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{})}
	m.session = s
	m.status = models.MonitorStatus{
		Running:   true,
		Device:    device,
		StartedAt: time.Now(),
	}
	m.metrics.MonitorRunning.Set(1)

	m.logger.Info("Monitor started", zap.String("device", device))
	go m.run(sessCtx, s, src)
	return nil
}

// Stop cancels the running session and waits for it to wind down.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return ErrNotRunning
	}

	s.cancel()
	<-s.done
	return nil
}

// Wait blocks until the current session ends. It returns immediately when idle.
func (m *Monitor) Wait() {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

func (m *Monitor) Status() models.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) run(ctx context.Context, s *session, src Source) {
	frames := make(chan image.Image, m.config.BufferSize)
	cooldown := alert.NewCooldown(m.config.Cooldown)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.consume(ctx, frames, cooldown)
	}()

	readErr := m.capture(ctx, src, frames)
	close(frames)
	// A read failure ends the session; pending frames are not processed.
	s.cancel()
	wg.Wait()
	src.Close()

	m.mu.Lock()
	m.status.Running = false
	if readErr != nil {
		m.status.LastError = readErr.Error()
	}
	m.session = nil
	m.mu.Unlock()
	m.metrics.MonitorRunning.Set(0)

	if readErr != nil {
		m.logger.Warn("Failed to grab frame, stopping monitor", zap.Error(readErr))
	} else {
		m.logger.Info("Monitor stopped")
	}
	close(s.done)
}

// capture reads until ctx is done or the source fails. It returns nil on cancellation.
func (m *Monitor) capture(ctx context.Context, src Source, frames chan image.Image) error {
	for {
		img, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.metrics.FramesCaptured.Inc()
		m.updateStatus(func(st *models.MonitorStatus) { st.FramesCaptured++ })

		select {
		case frames <- img:
			continue
		default:
		}

		// Full: replace the oldest pending frame.
		select {
		case <-frames:
			m.metrics.FramesDropped.Inc()
			m.updateStatus(func(st *models.MonitorStatus) { st.FramesDropped++ })
		default:
		}
		select {
		case frames <- img:
		default:
			m.metrics.FramesDropped.Inc()
			m.updateStatus(func(st *models.MonitorStatus) { st.FramesDropped++ })
		}
	}
}

func (m *Monitor) consume(ctx context.Context, frames <-chan image.Image, cooldown *alert.Cooldown) {
	var seq uint64
	for {
		var img image.Image
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			img = f
		}

		res, err := m.handler.ProcessFrame(ctx, img, cooldown)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("Frame processing failed", zap.Error(err))
			m.updateStatus(func(st *models.MonitorStatus) { st.LastError = err.Error() })
			continue
		}

		seq++
		c := res.Classification
		m.updateStatus(func(st *models.MonitorStatus) {
			st.FramesHandled++
			st.HelmetCount = c.HelmetCount
			st.NoHelmetCount = c.NoHelmetCount
			if c.Violation {
				st.Violations++
			}
			if res.AlertFired {
				st.AlertsFired++
			}
		})

		m.publish(models.MonitorFrame{
			Seq:           seq,
			JPEG:          res.AnnotatedJPEG,
			HelmetCount:   c.HelmetCount,
			NoHelmetCount: c.NoHelmetCount,
			Violation:     c.Violation,
			AlertFired:    res.AlertFired,
			Timestamp:     time.Now(),
		})
	}
}

func (m *Monitor) publish(frame models.MonitorFrame) {
	m.pubMu.RLock()
	defer m.pubMu.RUnlock()
	for _, p := range m.publishers {
		p.PublishFrame(frame)
	}
}

func (m *Monitor) updateStatus(fn func(*models.MonitorStatus)) {
	m.mu.Lock()
	fn(&m.status)
	m.mu.Unlock()
}
