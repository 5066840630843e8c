package listeners

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("listener queue is full")
	ErrClosed    = errors.New("listener is closed")
)

const DefaultQueueSize = 100

// Async delivers payloads to the wrapped listener on its own goroutine, so a
// slow consumer does not hold up the hub's dispatch. Payloads arriving while
// the queue is full are dropped and counted.
//
//	async := listeners.NewAsync(render, 100, logger).Start()
//	defer async.Close()
//	unsubscribe, err := h.Subscribe("orders", async.Listen)
type Async struct {
	wrapped   hub.Listener
	logger    *zap.Logger
	queue     chan any
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    int32
	dropped   int64
}

// NewAsync creates an Async wrapper around wrapped. Start must be called
// before payloads are processed. A non-positive queueSize uses DefaultQueueSize.
func NewAsync(wrapped hub.Listener, queueSize int, logger *zap.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Async{
		wrapped: wrapped,
		logger:  logger,
		queue:   make(chan any, queueSize),
		done:    make(chan struct{}),
	}
}

// Start begins processing queued payloads.
func (a *Async) Start() *Async {
	a.wg.Add(1)
	go a.processQueue()
	return a
}

// Listen is the hub.Listener to register with the hub.
func (a *Async) Listen(payload any) {
	if err := a.Enqueue(payload); err != nil {
		atomic.AddInt64(&a.dropped, 1)
		a.logger.Warn("Dropping payload", zap.Error(err))
	}
}

// Enqueue queues payload without blocking.
func (a *Async) Enqueue(payload any) error {
	if a.IsClosed() {
		return ErrClosed
	}

	select {
	case a.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dropped returns how many payloads Listen discarded.
func (a *Async) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// QueueLength returns the number of payloads waiting.
func (a *Async) QueueLength() int {
	return len(a.queue)
}

// IsClosed reports whether Close has been called.
func (a *Async) IsClosed() bool {
	return atomic.LoadInt32(&a.closed) == 1
}

// Close stops accepting payloads, delivers the ones already queued and waits
// for the worker to exit.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		atomic.StoreInt32(&a.closed, 1)
		close(a.done)
		a.wg.Wait()
	})
	return nil
}

func (a *Async) processQueue() {
	defer a.wg.Done()

	for {
		select {
		case payload := <-a.queue:
			a.deliver(payload)
		case <-a.done:
			a.drainQueue()
			return
		}
	}
}

func (a *Async) drainQueue() {
	for {
		select {
		case payload := <-a.queue:
			a.deliver(payload)
		default:
			return
		}
	}
}

// deliver contains panics so one bad payload does not stop the worker.
func (a *Async) deliver(payload any) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Async listener panicked", zap.Any("panic", r))
		}
	}()
	a.wrapped(payload)
}
