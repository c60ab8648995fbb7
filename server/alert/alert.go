package alert

import (
	"context"
	"sync"
	"time"

	"github.com/san-kum/helmet-detect/server/metrics"
	"go.uber.org/zap"
)

// Event describes one violation worth alerting on.
type Event struct {
	Timestamp     time.Time
	Source        string
	HelmetCount   int
	NoHelmetCount int
	FileName      string
	// Snapshot is the annotated JPEG, if any.
	Snapshot []byte
}

// Alerter is one alert sink (buzzer, chat message, ...).
type Alerter interface {
	Name() string
	Alert(ctx context.Context, ev Event) error
}

// DefaultSinkQueue is how many events may wait for a busy sink before new ones are dropped.
const DefaultSinkQueue = 16

// Dispatcher hands each event to every sink. A sink runs one alert at a time from its
// own bounded queue. Sink errors are logged and counted, never returned.
type Dispatcher struct {
	workers []*sinkWorker
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	running sync.WaitGroup
}

type sinkWorker struct {
	sink  Alerter
	queue chan Event
}

func NewDispatcher(logger *zap.Logger, m *metrics.Metrics, timeout time.Duration, sinks ...Alerter) *Dispatcher {
	return newDispatcher(logger, m, timeout, DefaultSinkQueue, sinks...)
}

func newDispatcher(logger *zap.Logger, m *metrics.Metrics, timeout time.Duration, queueSize int, sinks ...Alerter) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		timeout: timeout,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, sink := range sinks {
		w := &sinkWorker{sink: sink, queue: make(chan Event, queueSize)}
		d.workers = append(d.workers, w)
		d.running.Add(1)
		go d.work(w)
	}
	return d
}

// Fire queues ev for every sink without waiting. An event is dropped for a sink only
// when that sink's queue is full.
func (d *Dispatcher) Fire(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	for _, w := range d.workers {
		d.pending.Add(1)
		select {
		case w.queue <- ev:
		default:
			d.pending.Done()
			d.logger.Warn("Alert queue full, dropping alert",
				zap.String("sink", w.sink.Name()),
				zap.String("file", ev.FileName))
			if d.metrics != nil {
				d.metrics.AlertsDropped.WithLabelValues(w.sink.Name()).Inc()
			}
		}
	}
}

func (d *Dispatcher) work(w *sinkWorker) {
	defer d.running.Done()
	for ev := range w.queue {
		if d.ctx.Err() == nil {
			d.deliver(w.sink, ev)
		}
		d.pending.Done()
	}
}

func (d *Dispatcher) deliver(sink Alerter, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Alert sink panic", zap.String("sink", sink.Name()), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := sink.Alert(ctx, ev); err != nil {
		d.logger.Warn("Alert failed", zap.String("sink", sink.Name()), zap.Error(err))
		if d.metrics != nil {
			d.metrics.AlertsFailed.WithLabelValues(sink.Name()).Inc()
		}
	}
}

// Wait blocks until every queued alert has been delivered.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close cancels in-flight alerts, discards queued ones and stops the workers.
func (d *Dispatcher) Close() {
	d.cancel()

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, w := range d.workers {
			close(w.queue)
		}
	}
	d.mu.Unlock()

	d.running.Wait()
}

// LogAlerter writes a warning line per violation.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Name() string { return "log" }

func (a *LogAlerter) Alert(ctx context.Context, ev Event) error {
	a.logger.Warn("Helmet violation alert",
		zap.String("source", ev.Source),
		zap.Int("no_helmet", ev.NoHelmetCount),
		zap.String("file", ev.FileName),
		zap.Time("at", ev.Timestamp))
	return nil
}
