package alert

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/san-kum/helmet-detect/server/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	name    string
	err     error
	block   chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Alert(ctx context.Context, ev Event) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_FailingSinkDoesNotAffectOthers(t *testing.T) {
	m := metrics.New()
	bad := &recordingSink{name: "bad", err: errors.New("no sound device")}
	good := &recordingSink{name: "good"}
	d := NewDispatcher(zap.NewNop(), m, time.Second, bad, good)

	d.Fire(Event{Source: "upload", NoHelmetCount: 1})
	d.Wait()

	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsFailed.WithLabelValues("bad")))
}

func TestDispatcher_FireDoesNotBlock(t *testing.T) {
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	d := NewDispatcher(zap.NewNop(), metrics.New(), time.Second, slow)

	done := make(chan struct{})
	go func() {
		d.Fire(Event{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fire blocked on a slow sink")
	}

	close(slow.block)
	d.Wait()
}

func TestDispatcher_QueuesWhileSinkBusy(t *testing.T) {
	m := metrics.New()
	slow := &recordingSink{name: "slow", block: make(chan struct{})}
	d := NewDispatcher(zap.NewNop(), m, time.Second, slow)

	for i := 1; i <= 3; i++ {
		d.Fire(Event{NoHelmetCount: i})
	}
	close(slow.block)
	d.Wait()

	require.Equal(t, 3, slow.count())
	for i, ev := range slow.events {
		assert.Equal(t, i+1, ev.NoHelmetCount)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(m.AlertsDropped.WithLabelValues("slow")))
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	m := metrics.New()
	slow := &recordingSink{name: "slow", block: make(chan struct{}), entered: make(chan struct{}, 4)}
	d := newDispatcher(zap.NewNop(), m, time.Second, 1, slow)
	defer d.Close()

	d.Fire(Event{NoHelmetCount: 1})
	<-slow.entered

	d.Fire(Event{NoHelmetCount: 2})
	d.Fire(Event{NoHelmetCount: 3})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AlertsDropped.WithLabelValues("slow")))

	close(slow.block)
	d.Wait()

	assert.Equal(t, 2, slow.count())
	assert.Equal(t, 2, slow.events[1].NoHelmetCount)
}

func TestDispatcher_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	sink := &ctxSink{started: started}
	d := NewDispatcher(zap.NewNop(), metrics.New(), time.Minute, sink)

	d.Fire(Event{})
	<-started

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not cancel the running alert")
	}
}

type ctxSink struct {
	started chan struct{}
}

func (s *ctxSink) Name() string { return "ctx" }

func (s *ctxSink) Alert(ctx context.Context, ev Event) error {
	s.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_ClosedDropsEvents(t *testing.T) {
	sink := &recordingSink{name: "s"}
	d := NewDispatcher(zap.NewNop(), metrics.New(), time.Second, sink)
	d.Close()

	d.Fire(Event{})
	d.Wait()
	assert.Equal(t, 0, sink.count())
}

func TestBeepAlerter_UsesPlayWhenAvailable(t *testing.T) {
	var calls [][]string
	b := NewBeepAlerter()
	b.Gap = time.Millisecond
	b.goos = "linux"
	b.lookPath = func(string) (string, error) { return "/usr/bin/play", nil }
	b.run = func(ctx context.Context, name string, args ...string) error {
		calls = append(calls, append([]string{name}, args...))
		return nil
	}

	require.NoError(t, b.Alert(context.Background(), Event{}))
	require.Len(t, calls, 5)
	assert.Equal(t, []string{"play", "-nq", "-t", "alsa", "synth", "0.3", "sine", "440"}, calls[0])
}

func TestBeepAlerter_FallsBackToBell(t *testing.T) {
	var out bytes.Buffer
	b := NewBeepAlerter()
	b.Gap = time.Millisecond
	b.goos = "linux"
	b.bell = &out
	b.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	require.NoError(t, b.Alert(context.Background(), Event{}))
	assert.Equal(t, "\a\a\a\a\a", out.String())
}

func TestBeepAlerter_ReportsCommandFailure(t *testing.T) {
	b := NewBeepAlerter()
	b.Count = 2
	b.Gap = time.Millisecond
	b.goos = "linux"
	b.lookPath = func(string) (string, error) { return "/usr/bin/play", nil }
	b.run = func(ctx context.Context, name string, args ...string) error {
		return errors.New("no alsa device")
	}

	err := b.Alert(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no alsa device")
}

func TestBeepAlerter_WindowsUsesPowerShell(t *testing.T) {
	b := NewBeepAlerter()
	b.goos = "windows"
	b.lookPath = func(string) (string, error) { return `C:\powershell.exe`, nil }

	name, args := b.command()
	assert.Equal(t, "powershell", name)
	assert.Contains(t, args, "[console]::beep(2000,300)")
}

type fakeTelegram struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegramAlerter_SendsPhotoWithCaption(t *testing.T) {
	api := &fakeTelegram{}
	a := &TelegramAlerter{api: api, chatID: 42}

	err := a.Alert(context.Background(), Event{
		Source:        "monitor",
		NoHelmetCount: 2,
		HelmetCount:   1,
		FileName:      "violation_1700000000.jpg",
		Snapshot:      []byte{0xFF, 0xD8, 0xFF, 0xD9},
		Timestamp:     time.Unix(1_700_000_000, 0),
	})
	require.NoError(t, err)
	require.Len(t, api.sent, 1)

	photo, ok := api.sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), photo.ChatID)
	assert.Contains(t, photo.Caption, "2 without")
}

func TestTelegramAlerter_TextWithoutSnapshot(t *testing.T) {
	api := &fakeTelegram{}
	a := &TelegramAlerter{api: api, chatID: 7}

	require.NoError(t, a.Alert(context.Background(), Event{NoHelmetCount: 1}))
	_, ok := api.sent[0].(tgbotapi.MessageConfig)
	assert.True(t, ok)
}

func TestTelegramAlerter_WrapsSendError(t *testing.T) {
	a := &TelegramAlerter{api: &fakeTelegram{err: errors.New("forbidden")}, chatID: 7}

	err := a.Alert(context.Background(), Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram send")
}
