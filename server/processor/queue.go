package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/san-kum/helmet-detect/server/models"
)

var (
	ErrQueueFull    = errors.New("inference queue full, try again later")
	ErrQueueStopped = errors.New("inference queue stopped")
	ErrTimeout      = errors.New("processing timeout")
)

// InferenceQueue feeds a fixed set of workers. With one worker every detector call
// is serialised, which is the only safe assumption for most model backends.
type InferenceQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

type QueueItem struct {
	Ctx        context.Context
	Image      image.Image
	ResultChan chan *InferenceResult
	EnqueuedAt time.Time
}

type InferenceResult struct {
	Detections []models.Detection
	Error      error
}

func NewInferenceQueue(queueSize, workers int, workerFunc func(*QueueItem)) *InferenceQueue {
	if workers < 1 {
		workers = 1
	}
	queue := &InferenceQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (q *InferenceQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case item := <-q.items:
			q.run(item)
		case <-q.shutdown:
			return
		}
	}
}

func (q *InferenceQueue) run(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			select {
			case item.ResultChan <- &InferenceResult{Error: fmt.Errorf("worker panic: %v", r)}:
			default:
			}
		}
	}()

	if err := item.Ctx.Err(); err != nil {
		item.ResultChan <- &InferenceResult{Error: err}
		return
	}
	q.workerFunc(item)
}

// Enqueue never blocks. ResultChan must be buffered so workers never block on it.
func (q *InferenceQueue) Enqueue(item *QueueItem) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	if !q.isRunning {
		return ErrQueueStopped
	}

	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InferenceQueue) Size() int {
	return len(q.items)
}

func (q *InferenceQueue) Capacity() int {
	return cap(q.items)
}

func (q *InferenceQueue) IsRunning() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.isRunning
}

func (q *InferenceQueue) Shutdown(timeout time.Duration) error {
	q.mutex.Lock()
	if !q.isRunning {
		q.mutex.Unlock()
		return nil
	}
	q.isRunning = false
	q.mutex.Unlock()

	close(q.shutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}

	q.drain()
	return nil
}

func (q *InferenceQueue) drain() int {
	drained := 0
	for {
		select {
		case item := <-q.items:
			item.ResultChan <- &InferenceResult{Error: ErrQueueStopped}
			drained++
		default:
			return drained
		}
	}
}

func (q *InferenceQueue) GetQueueStats() QueueStats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        q.Size(),
		MaxCapacity:        q.Capacity(),
		ActiveWorkers:      q.workers,
		IsRunning:          q.isRunning,
		UtilizationPercent: float64(q.Size()) / float64(max(q.Capacity(), 1)) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
