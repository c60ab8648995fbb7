package processor

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/san-kum/helmet-detect/server/alert"
	"github.com/san-kum/helmet-detect/server/metrics"
	"github.com/san-kum/helmet-detect/server/ml"
	"github.com/san-kum/helmet-detect/server/models"
	"go.uber.org/zap"
)

// ViolationStore persists annotated violation snapshots.
type ViolationStore interface {
	Save(jpeg []byte) (fileName string, at time.Time, err error)
}

// ViolationLog records violations for later listing. Optional.
type ViolationLog interface {
	Append(ctx context.Context, rec models.ViolationRecord) error
}

// AlertDispatcher fires alerts without waiting for them.
type AlertDispatcher interface {
	Fire(ev alert.Event)
}

type FrameProcessor struct {
	detector ml.Detector
	policy   Policy
	queue    *InferenceQueue
	store    ViolationStore
	events   ViolationLog
	alerts   AlertDispatcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	config   ProcessorConfig

	mutex sync.Mutex
	stats ProcessorStats
}

type ProcessorConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxWorkers        int           `json:"max_workers"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	JPEGQuality       int           `json:"jpeg_quality"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:      32,
		MaxWorkers:        1,
		ProcessingTimeout: 30 * time.Second,
		JPEGQuality:       90,
	}
}

type ProcessorStats struct {
	StartTime         time.Time  `json:"start_time"`
	TotalProcessed    int64      `json:"total_processed"`
	FailedProcessed   int64      `json:"failed_processed"`
	Violations        int64      `json:"violations"`
	AlertsFired       int64      `json:"alerts_fired"`
	AlertsSuppressed  int64      `json:"alerts_suppressed"`
	AverageLatency    float64    `json:"average_latency_ms"`
	Queue             QueueStats `json:"queue"`
	LastViolationFile string     `json:"last_violation_file,omitempty"`
}

// Options select the behaviour of one Process call.
type Options struct {
	Source models.ViolationSource
	// Cooldown gates alerts for continuous feeds. Nil means every violation alerts.
	Cooldown *alert.Cooldown
	// Counts draws the helmet / no-helmet panel on the annotated frame.
	Counts bool
	// EncodeAnnotated always fills Result.AnnotatedJPEG, not only on violations.
	EncodeAnnotated bool
}

type Result struct {
	Detections     []models.Detection
	Classification Classification
	Annotated      *image.RGBA
	AnnotatedJPEG  []byte
	AlertFired     bool
	Violation      *models.ViolationRecord
}

type Deps struct {
	Detector ml.Detector
	Policy   Policy
	Store    ViolationStore
	Events   ViolationLog
	Alerts   AlertDispatcher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewFrameProcessor(deps Deps, config ProcessorConfig) *FrameProcessor {
	if config.JPEGQuality <= 0 {
		config.JPEGQuality = 90
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	fp := &FrameProcessor{
		detector: deps.Detector,
		policy:   deps.Policy,
		store:    deps.Store,
		events:   deps.Events,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		config:   config,
		stats:    ProcessorStats{StartTime: time.Now()},
	}
	fp.queue = NewInferenceQueue(config.MaxQueueSize, config.MaxWorkers, fp.runInference)

	return fp
}

func (fp *FrameProcessor) Policy() Policy {
	return fp.policy
}

// Detect runs one inference through the queue.
func (fp *FrameProcessor) Detect(ctx context.Context, img image.Image) ([]models.Detection, error) {
	resultChan := make(chan *InferenceResult, 1)
	item := &QueueItem{
		Ctx:        ctx,
		Image:      img,
		ResultChan: resultChan,
		EnqueuedAt: time.Now(),
	}

	if err := fp.queue.Enqueue(item); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if fp.config.ProcessingTimeout > 0 {
		timer := time.NewTimer(fp.config.ProcessingTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case result := <-resultChan:
		return result.Detections, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrTimeout
	}
}

func (fp *FrameProcessor) runInference(item *QueueItem) {
	start := time.Now()
	detections, err := fp.detector.Detect(item.Ctx, item.Image)
	fp.metrics.ObserveInference(time.Since(start), err)
	if err != nil {
		fp.logger.Error("Detection failed", zap.Error(err))
		item.ResultChan <- &InferenceResult{Error: err}
		return
	}
	item.ResultChan <- &InferenceResult{Detections: detections}
}

// ProcessImage handles a single submitted image: every violation alerts.
func (fp *FrameProcessor) ProcessImage(ctx context.Context, img image.Image, source models.ViolationSource, annotated bool) (*Result, error) {
	return fp.Process(ctx, img, Options{Source: source, EncodeAnnotated: annotated})
}

// ProcessFrame handles one frame of a continuous feed with the session's cooldown.
func (fp *FrameProcessor) ProcessFrame(ctx context.Context, img image.Image, cooldown *alert.Cooldown) (*Result, error) {
	return fp.Process(ctx, img, Options{
		Source:          models.SourceMonitor,
		Cooldown:        cooldown,
		Counts:          true,
		EncodeAnnotated: true,
	})
}

func (fp *FrameProcessor) Process(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	start := time.Now()

	frame := ToRGBA(img)
	detections, err := fp.Detect(ctx, frame)
	if err != nil {
		fp.recordFailure()
		return nil, err
	}
	if detections == nil {
		detections = []models.Detection{}
	}

	classification := fp.policy.Classify(detections)
	fp.metrics.ObserveClassification(classification.HelmetCount, classification.NoHelmetCount)

	result := &Result{
		Detections:     detections,
		Classification: classification,
		Annotated:      Annotate(frame, classification, opts.Counts),
	}

	if classification.Violation || opts.EncodeAnnotated {
		encoded, err := EncodeJPEG(result.Annotated, fp.config.JPEGQuality)
		if err != nil {
			fp.recordFailure()
			return nil, err
		}
		result.AnnotatedJPEG = encoded
	}

	if classification.Violation {
		fp.handleViolation(ctx, result, opts)
	}

	fp.recordSuccess(time.Since(start), result)
	return result, nil
}

func (fp *FrameProcessor) handleViolation(ctx context.Context, result *Result, opts Options) {
	c := result.Classification
	fp.logger.Warn("No helmet detected",
		zap.String("source", string(opts.Source)),
		zap.Int("no_helmet", c.NoHelmetCount),
		zap.Int("helmet", c.HelmetCount))
	fp.metrics.Violations.WithLabelValues(string(opts.Source)).Inc()

	record := &models.ViolationRecord{
		Source:        opts.Source,
		HelmetCount:   c.HelmetCount,
		NoHelmetCount: c.NoHelmetCount,
		MaxConfidence: c.MaxNoHelmetConfidence(),
		CreatedAt:     time.Now(),
	}

	if fp.store != nil {
		name, at, err := fp.store.Save(result.AnnotatedJPEG)
		if err != nil {
			fp.logger.Error("Failed to save violation image", zap.Error(err))
		} else {
			record.FileName = name
			record.CreatedAt = at
			fp.logger.Info("Violation image saved", zap.String("file", name))
		}
	}

	if fp.events != nil && record.FileName != "" {
		if err := fp.events.Append(ctx, *record); err != nil {
			fp.logger.Warn("Failed to record violation", zap.Error(err))
		}
	}
	result.Violation = record

	if opts.Cooldown != nil && !opts.Cooldown.Allow() {
		fp.metrics.AlertsSuppressed.Inc()
		return
	}

	result.AlertFired = true
	fp.metrics.AlertsFired.Inc()
	if fp.alerts != nil {
		fp.alerts.Fire(alert.Event{
			Timestamp:     record.CreatedAt,
			Source:        string(opts.Source),
			HelmetCount:   c.HelmetCount,
			NoHelmetCount: c.NoHelmetCount,
			FileName:      record.FileName,
			Snapshot:      result.AnnotatedJPEG,
		})
	}
}

func (fp *FrameProcessor) recordFailure() {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()
	fp.stats.TotalProcessed++
	fp.stats.FailedProcessed++
}

func (fp *FrameProcessor) recordSuccess(latency time.Duration, result *Result) {
	fp.mutex.Lock()
	defer fp.mutex.Unlock()

	fp.stats.TotalProcessed++
	if result.Violation != nil {
		fp.stats.Violations++
		if result.Violation.FileName != "" {
			fp.stats.LastViolationFile = result.Violation.FileName
		}
		if result.AlertFired {
			fp.stats.AlertsFired++
		} else {
			fp.stats.AlertsSuppressed++
		}
	}

	current := float64(latency.Milliseconds())
	if fp.stats.AverageLatency == 0 {
		fp.stats.AverageLatency = current
	} else {
		alpha := 0.1
		fp.stats.AverageLatency = alpha*current + (1-alpha)*fp.stats.AverageLatency
	}
}

func (fp *FrameProcessor) GetStats() ProcessorStats {
	fp.mutex.Lock()
	stats := fp.stats
	fp.mutex.Unlock()

	stats.Queue = fp.queue.GetQueueStats()
	return stats
}

func (fp *FrameProcessor) Shutdown() error {
	fp.logger.Info("Shutting down frame processor...")

	if err := fp.queue.Shutdown(30 * time.Second); err != nil {
		fp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}

	fp.logger.Info("Frame processor shutdown complete")
	return nil
}
