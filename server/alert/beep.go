package alert

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// BeepAlerter sounds the buzzer: Count beeps of Duration separated by Gap. It shells
// out to sox's play on Unix and PowerShell on Windows, and falls back to the
// terminal bell when neither is usable.
type BeepAlerter struct {
	Count     int
	Frequency int
	Duration  time.Duration
	Gap       time.Duration

	goos     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
	bell     io.Writer
}

func NewBeepAlerter() *BeepAlerter {
	return &BeepAlerter{
		Count:     5,
		Frequency: 2000,
		Duration:  300 * time.Millisecond,
		Gap:       200 * time.Millisecond,
		goos:      runtime.GOOS,
		lookPath:  exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
		bell: os.Stdout,
	}
}

func (b *BeepAlerter) Name() string { return "beep" }

func (b *BeepAlerter) Alert(ctx context.Context, ev Event) error {
	name, args := b.command()

	var lastErr error
	for i := 0; i < b.Count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Gap):
			}
		}

		if name == "" {
			if _, err := io.WriteString(b.bell, "\a"); err != nil {
				return fmt.Errorf("terminal bell: %w", err)
			}
			continue
		}
		if err := b.run(ctx, name, args...); err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
		}
	}
	return lastErr
}

// command returns the program used for one beep, or "" for the terminal bell.
func (b *BeepAlerter) command() (string, []string) {
	seconds := fmt.Sprintf("%.1f", b.Duration.Seconds())

	if b.goos == "windows" {
		if _, err := b.lookPath("powershell"); err == nil {
			return "powershell", []string{"-NoProfile", "-Command",
				fmt.Sprintf("[console]::beep(%d,%d)", b.Frequency, b.Duration.Milliseconds())}
		}
		return "", nil
	}

	if _, err := b.lookPath("play"); err == nil {
		return "play", []string{"-nq", "-t", "alsa", "synth", seconds, "sine", "440"}
	}
	return "", nil
}
