package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const (
	maxFrameBuffer = 8 * 1024 * 1024
	stderrLines    = 5
)

// FFmpegSource reads an MJPEG stream from an ffmpeg child process. It handles V4L2
// devices, RTSP and HTTP URLs.
type FFmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames *frameReader
	stderr *lineTail
	once   sync.Once
}

func ffmpegArgs(device string, cfg SourceConfig) []string {
	fps := fmt.Sprintf("%d", max(cfg.FPS, 1))

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		return []string{
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	default:
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fps,
			"-i", device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

func OpenFFmpeg(ctx context.Context, device string, cfg SourceConfig) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, "ffmpeg", ffmpegArgs(device, cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg for %s: %w", device, err)
	}

	tail := newLineTail(stderrLines)
	go tail.consume(stderr)

	return &FFmpegSource{
		cmd:    cmd,
		cancel: cancel,
		frames: newFrameReader(stdout),
		stderr: tail,
	}, nil
}

func (s *FFmpegSource) Read(ctx context.Context) (image.Image, error) {
	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		frame, err := s.frames.Next()
		done <- result{frame, err}
	}()

	select {
	case <-ctx.Done():
		// Killing ffmpeg unblocks the pending read.
		s.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, readFailure(r.err, s.stderr.String())
		}
		img, err := jpeg.Decode(bytes.NewReader(r.frame))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		return img, nil
	}
}

func (s *FFmpegSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.cmd.Wait()
	})
	return nil
}

func readFailure(err error, stderr string) error {
	if stderr == "" {
		return fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	return fmt.Errorf("%w: %v (ffmpeg: %s)", ErrReadFailed, err, stderr)
}

// lineTail keeps the last n non-empty lines written by a child process.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.add(scanner.Text())
	}
}

func (t *lineTail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}

// frameReader splits a concatenated MJPEG byte stream into JPEG frames by scanning
// for SOI/EOI markers.
type frameReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{
		r:     r,
		buf:   make([]byte, 0, 1024*1024),
		chunk: make([]byte, 32*1024),
	}
}

func (fr *frameReader) Next() ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&fr.buf); frame != nil {
			return frame, nil
		}

		n, err := fr.r.Read(fr.chunk)
		fr.buf = append(fr.buf, fr.chunk[:n]...)
		if err != nil {
			if frame := extractJPEGFrame(&fr.buf); frame != nil {
				return frame, nil
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		if len(fr.buf) > maxFrameBuffer {
			return nil, fmt.Errorf("no complete jpeg frame in %d bytes", len(fr.buf))
		}
	}
}

func extractJPEGFrame(buffer *[]byte) []byte {
	start := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if start == -1 {
		// Keep a trailing 0xFF in case it starts the next marker.
		if n := len(*buffer); n > 0 && (*buffer)[n-1] == 0xFF {
			*buffer = (*buffer)[n-1:]
		} else {
			*buffer = (*buffer)[:0]
		}
		return nil
	}

	end := bytes.Index((*buffer)[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		return nil
	}
	end += start + 2 + 2

	frame := make([]byte, end-start)
	copy(frame, (*buffer)[start:end])
	*buffer = (*buffer)[end:]
	return frame
}
