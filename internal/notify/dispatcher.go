package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink delivers notifications somewhere.
type Sink interface {
	Name() string
	Notify(ctx context.Context, evt Event) error
}

// Config controls delivery.
type Config struct {
	RatePerSec float64
	QueueSize  int
}

// Dispatcher queues events and delivers them to every sink on its own
// goroutine, rate limited. A full queue drops events.
type Dispatcher struct {
	sinks   []Sink
	limiter *rate.Limiter
	queue   chan Event
	log     zerolog.Logger

	mu      sync.Mutex
	dropped int64
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		queue:   make(chan Event, cfg.QueueSize),
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Enqueue schedules evt for delivery without blocking.
func (d *Dispatcher) Enqueue(evt Event) bool {
	select {
	case d.queue <- evt:
		return true
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.log.Warn().Str("command", evt.CommandName).Str("run_id", evt.RunID).Msg("notification queue full, dropping")
		return false
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return nil
			}
			d.deliver(ctx, evt)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt Event) {
	for _, s := range d.sinks {
		if err := s.Notify(ctx, evt); err != nil {
			d.log.Error().Err(err).Str("sink", s.Name()).Str("command", evt.CommandName).Msg("notification delivery failed")
		}
	}
}
