package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Dispatcher decouples decision latency from sink latency. Events are
// queued and delivered by a single worker; when the queue is full the
// event is dropped and logged.
type Dispatcher struct {
	sink    Sink
	queue   chan DecisionEvent
	timeout time.Duration
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(sink Sink, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan DecisionEvent, queueSize),
		timeout: defaultPublishTimeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue never blocks.
func (d *Dispatcher) Enqueue(ev DecisionEvent) {
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("Decision event dropped, queue full", zap.String("name_key", ev.Key))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Publish(ctx, ev); err != nil {
			d.logger.Warn("Failed to publish decision event",
				zap.String("name_key", ev.Key),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close drains queued events, then closes the sink. Enqueue must not be
// called after Close.
func (d *Dispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
		err = d.sink.Close()
	})
	return err
}
