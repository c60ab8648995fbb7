package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/san-kum/helmet-detect/server/alert"
	"github.com/san-kum/helmet-detect/server/models"
	"github.com/san-kum/helmet-detect/server/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	frames int // frames to yield before failing; < 0 streams forever
	delay  time.Duration
	read   atomic.Int32
	closed atomic.Bool
}

func (s *fakeSource) Read(ctx context.Context) (image.Image, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.read.Add(1)
	if s.frames >= 0 && int(n) > s.frames {
		return nil, ErrReadFailed
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeHandler struct {
	violation bool
	delay     time.Duration

	mu        sync.Mutex
	calls     int
	cooldowns map[*alert.Cooldown]struct{}
}

func (h *fakeHandler) ProcessFrame(ctx context.Context, img image.Image, cd *alert.Cooldown) (*processor.Result, error) {
	if h.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.delay):
		}
	}
	h.mu.Lock()
	h.calls++
	if h.cooldowns == nil {
		h.cooldowns = map[*alert.Cooldown]struct{}{}
	}
	h.cooldowns[cd] = struct{}{}
	h.mu.Unlock()

	res := &processor.Result{AnnotatedJPEG: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	if h.violation {
		res.Classification = processor.Classification{NoHelmetCount: 1, Violation: true}
		res.AlertFired = cd.Allow()
	}
	return res, nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []models.MonitorFrame
}

func (p *recordingPublisher) PublishFrame(f models.MonitorFrame) {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func opener(src Source) Opener {
	return func(ctx context.Context, device string) (Source, error) { return src, nil }
}

func TestMonitor_ReadFailureStopsLoop(t *testing.T) {
	src := &fakeSource{frames: 5}
	handler := &fakeHandler{violation: true}
	pub := &recordingPublisher{}
	m := NewMonitor(opener(src), handler, DefaultMonitorConfig(), nil, zap.NewNop())
	m.AddPublisher(pub)

	require.NoError(t, m.Start(context.Background(), "fake0"))
	m.Wait()

	st := m.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "fake0", st.Device)
	assert.Contains(t, st.LastError, "failed to grab frame")
	assert.Equal(t, uint64(5), st.FramesCaptured)
	assert.True(t, src.closed.Load())
	assert.ErrorIs(t, m.Stop(), ErrNotRunning)
}

func TestMonitor_OneCooldownPerSession(t *testing.T) {
	src := &fakeSource{frames: 20, delay: time.Millisecond}
	handler := &fakeHandler{violation: true}
	pub := &recordingPublisher{}
	cfg := DefaultMonitorConfig()
	cfg.BufferSize = 32
	cfg.Cooldown = time.Hour
	m := NewMonitor(opener(src), handler, cfg, nil, zap.NewNop())
	m.AddPublisher(pub)

	require.NoError(t, m.Start(context.Background(), ""))
	require.Eventually(t, func() bool { return handler.callCount() >= 3 }, 2*time.Second, time.Millisecond)
	m.Wait()

	handler.mu.Lock()
	assert.Len(t, handler.cooldowns, 1)
	handler.mu.Unlock()

	fired := 0
	pub.mu.Lock()
	for _, f := range pub.frames {
		assert.True(t, f.Violation)
		assert.NotEmpty(t, f.JPEG)
		if f.AlertFired {
			fired++
		}
	}
	pub.mu.Unlock()
	assert.Equal(t, 1, fired)
	assert.Equal(t, "/dev/video0", m.Status().Device)
}

func TestMonitor_StartTwiceFails(t *testing.T) {
	src := &fakeSource{frames: -1, delay: 5 * time.Millisecond}
	m := NewMonitor(opener(src), &fakeHandler{}, DefaultMonitorConfig(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background(), "cam"))
	assert.ErrorIs(t, m.Start(context.Background(), "cam"), ErrAlreadyRunning)
	assert.True(t, m.Status().Running)

	require.NoError(t, m.Stop())
	assert.False(t, m.Status().Running)
	assert.Empty(t, m.Status().LastError)
	assert.True(t, src.closed.Load())
}

func TestMonitor_ContextCancelStops(t *testing.T) {
	src := &fakeSource{frames: -1, delay: time.Millisecond}
	m := NewMonitor(opener(src), &fakeHandler{}, DefaultMonitorConfig(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx, "cam"))
	cancel()
	m.Wait()

	assert.False(t, m.Status().Running)
}

func TestMonitor_SlowConsumerDropsFrames(t *testing.T) {
	src := &fakeSource{frames: 50}
	handler := &fakeHandler{delay: 20 * time.Millisecond}
	cfg := DefaultMonitorConfig()
	cfg.BufferSize = 1
	m := NewMonitor(opener(src), handler, cfg, nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background(), "cam"))
	m.Wait()

	st := m.Status()
	assert.Equal(t, uint64(50), st.FramesCaptured)
	assert.Greater(t, st.FramesDropped, uint64(0))
	assert.Less(t, handler.callCount(), 50)
}

func TestMonitor_OpenFailure(t *testing.T) {
	open := func(ctx context.Context, device string) (Source, error) {
		return nil, errors.New("no such device")
	}
	m := NewMonitor(open, &fakeHandler{}, DefaultMonitorConfig(), nil, zap.NewNop())

	err := m.Start(context.Background(), "/dev/video9")
	require.Error(t, err)
	assert.False(t, m.Status().Running)
	assert.Contains(t, m.Status().LastError, "no such device")
}

func TestMonitor_RestartAfterStop(t *testing.T) {
	src := &fakeSource{frames: -1, delay: time.Millisecond}
	m := NewMonitor(opener(src), &fakeHandler{}, DefaultMonitorConfig(), nil, zap.NewNop())

	require.NoError(t, m.Start(context.Background(), "cam"))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Start(context.Background(), "cam"))
	require.NoError(t, m.Stop())
}
