package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

// Broadcaster fans annotated monitor frames out to MJPEG viewers. Slow viewers
// miss frames instead of holding up the monitor.
type Broadcaster struct {
	logger *zap.Logger

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameMu sync.RWMutex
	current []byte
	seq     uint64
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		logger:  logger,
		clients: make(map[chan []byte]struct{}),
	}
}

func (b *Broadcaster) PublishFrame(frame models.MonitorFrame) {
	if len(frame.JPEG) == 0 {
		return
	}

	b.frameMu.Lock()
	b.current = frame.JPEG
	b.seq = frame.Seq
	b.frameMu.Unlock()

	b.clientsMu.RLock()
	for ch := range b.clients {
		select {
		case ch <- frame.JPEG:
		default:
		}
	}
	b.clientsMu.RUnlock()
}

// Snapshot returns the latest frame, or nil before the first one.
func (b *Broadcaster) Snapshot() ([]byte, uint64) {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()
	return b.current, b.seq
}

func (b *Broadcaster) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 5)
	b.clientsMu.Lock()
	b.clients[ch] = struct{}{}
	b.clientsMu.Unlock()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	b.clientsMu.Lock()
	delete(b.clients, ch)
	b.clientsMu.Unlock()
}

// ServeHTTP streams multipart/x-mixed-replace JPEG parts until the client leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	b.logger.Debug("MJPEG viewer connected", zap.String("remote", r.RemoteAddr))
	defer b.logger.Debug("MJPEG viewer disconnected", zap.String("remote", r.RemoteAddr))

	if current, _ := b.Snapshot(); current != nil {
		if err := writePart(w, current); err != nil {
			return
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
