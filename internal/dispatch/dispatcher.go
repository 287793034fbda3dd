// Package dispatch delivers brightness commands to entity backends through a
// bounded, rate-limited worker pool.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Default configuration
const (
	DefaultWorkerCount  = 4
	DefaultQueueSize    = 100
	DefaultRateLimitRPS = 10.0
)

// Command is one brightness change.
type Command struct {
	EntityID string
	Value    int
	IssuedAt time.Time
}

// Target applies commands. *entity.Router satisfies it.
type Target interface {
	SetBrightness(ctx context.Context, id string, value int) error
}

// Hooks observe command outcomes. Called from worker goroutines.
type Hooks interface {
	Dispatched(cmd Command, latency time.Duration)
	Dropped(cmd Command)
	Failed(cmd Command, err error)
}

// NopHooks can be embedded to implement only some of Hooks.
type NopHooks struct{}

func (NopHooks) Dispatched(Command, time.Duration) {}
func (NopHooks) Dropped(Command)                   {}
func (NopHooks) Failed(Command, error)             {}

// Options configure a Dispatcher. Zero values take the defaults.
type Options struct {
	Workers      int
	QueueSize    int
	RateLimitRPS float64
	Hooks        []Hooks
}

// Dispatcher implements dimmer.CommandSink: SetBrightness never blocks.
type Dispatcher struct {
	target  Target
	limiter *rate.Limiter
	hooks   []Hooks
	now     func() time.Time

	// mu guards queue against sends after close
	mu     sync.RWMutex
	closed bool
	queue  chan Command
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a dispatcher and starts its workers.
func New(target Target, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerCount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = DefaultRateLimitRPS
	}

	burst := int(opts.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		target:  target,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst),
		hooks:   opts.Hooks,
		now:     time.Now,
		queue:   make(chan Command, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	log.Debug().
		Int("workers", opts.Workers).
		Int("queue_size", opts.QueueSize).
		Float64("rate_limit_rps", opts.RateLimitRPS).
		Msg("Command dispatcher started")
	return d
}

// SetBrightness enqueues a command. If the queue is full or the dispatcher
// is closed, the command is dropped; the next tick will try again.
func (d *Dispatcher) SetBrightness(id string, value int) {
	cmd := Command{EntityID: id, Value: value, IssuedAt: d.now()}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		log.Debug().Str("light", id).Msg("Dispatcher closed, dropping command")
		d.dropped(cmd)
		return
	}

	select {
	case d.queue <- cmd:
	default:
		log.Warn().Str("light", id).Int("brightness", value).Msg("Command queue full, dropping command")
		d.dropped(cmd)
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for cmd := range d.queue {
		d.deliver(id, cmd)
	}
}

func (d *Dispatcher) deliver(worker int, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("light", cmd.EntityID).
				Int("worker", worker).
				Msg("Command delivery panicked")
		}
	}()

	if err := d.limiter.Wait(d.ctx); err != nil {
		d.dropped(cmd)
		return
	}

	if err := d.target.SetBrightness(d.ctx, cmd.EntityID, cmd.Value); err != nil {
		log.Warn().Err(err).Str("light", cmd.EntityID).Int("brightness", cmd.Value).Msg("Failed to apply brightness")
		for _, h := range d.hooks {
			h.Failed(cmd, err)
		}
		return
	}

	latency := d.now().Sub(cmd.IssuedAt)
	for _, h := range d.hooks {
		h.Dispatched(cmd, latency)
	}
}

func (d *Dispatcher) dropped(cmd Command) {
	for _, h := range d.hooks {
		h.Dropped(cmd)
	}
}

// Close stops accepting commands and drains the queue. Commands still queued
// when ctx expires are abandoned.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Command dispatcher workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Command dispatcher shutdown timed out, some commands may be lost")
		d.cancel()
		<-done
	}
	d.cancel()
}
