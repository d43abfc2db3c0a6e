// Package publisher delivers audit events without letting the audit backend
// slow down or fail the caller.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	id "idverify/pkg/domain"
	audit "idverify/pkg/platform/audit"
	"idverify/pkg/platform/circuit"
)

var (
	ErrBufferFull = errors.New("audit buffer full")
	ErrClosed     = errors.New("audit publisher closed")
)

// Publisher writes events to a primary store, either inline (sync mode) or
// from a bounded buffer drained by one goroutine (async mode). In async mode
// Emit never blocks: a full buffer drops the event.
//
// With a breaker and fallback configured, the primary is always tried first
// and the fallback receives the event whenever the breaker reports open.
type Publisher struct {
	store          audit.Store
	fallback       audit.Store
	breaker        *circuit.Breaker
	sampler        *Sampler
	logger         *slog.Logger
	metrics        *Metrics
	clock          func() time.Time
	persistTimeout time.Duration

	bufferSize int
	buffer     chan audit.Event
	mu         sync.RWMutex
	closed     bool
	wg         sync.WaitGroup
	dropped    atomic.Int64
}

type Option func(*Publisher)

// WithAsyncBuffer switches to async mode with a buffer of n events.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithFallback routes events to fallback while breaker is open.
func WithFallback(fallback audit.Store, breaker *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.fallback = fallback
		p.breaker = breaker
	}
}

// WithSampler drops a share of operations events before they are buffered.
func WithSampler(s *Sampler) Option {
	return func(p *Publisher) {
		p.sampler = s
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPersistTimeout bounds each background write. Default 5s.
func WithPersistTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.persistTimeout = d
		}
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:          store,
		logger:         slog.Default(),
		clock:          time.Now,
		persistTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.bufferSize > 0 {
		p.buffer = make(chan audit.Event, p.bufferSize)
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records event. In async mode the only errors are ErrBufferFull,
// ErrClosed and a cancelled ctx; persistence failures are logged.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock()
	}
	if !p.sampler.Keep(event) {
		p.metrics.incSampledOut()
		return nil
	}
	if p.buffer == nil {
		return p.persist(ctx, event)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.buffer <- event:
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.incDropped()
		return ErrBufferFull
	}
}

// List reads back events for userID when the primary store supports it.
func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	reader, ok := p.store.(audit.Reader)
	if !ok {
		return nil, errors.New("audit store does not support listing")
	}
	return reader.ListByUser(ctx, userID)
}

// Dropped returns how many events were discarded on a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events and waits until the buffer is drained.
func (p *Publisher) Close() {
	if p.buffer == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.buffer)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), p.persistTimeout)
		if err := p.persist(ctx, event); err != nil {
			p.logger.Warn("audit event lost",
				"action", event.Action,
				"subject", event.Subject,
				"error", err,
			)
		}
		cancel()
	}
}

func (p *Publisher) persist(ctx context.Context, event audit.Event) error {
	err := p.store.Append(ctx, event)
	if err == nil {
		p.metrics.incPersisted()
		if p.breaker != nil {
			if _, change := p.breaker.RecordSuccess(); change.Closed {
				p.metrics.setCircuitOpen(false)
				p.logger.Info("audit store recovered", "breaker", p.breaker.Name())
			}
		}
		return nil
	}

	p.metrics.incPersistFailures()
	if p.breaker == nil {
		return err
	}
	useFallback, change := p.breaker.RecordFailure()
	if change.Opened {
		p.metrics.setCircuitOpen(true)
		p.logger.Warn("audit store circuit opened", "breaker", p.breaker.Name(), "error", err)
	}
	if !useFallback || p.fallback == nil {
		return err
	}
	if fbErr := p.fallback.Append(ctx, event); fbErr != nil {
		return errors.Join(err, fbErr)
	}
	p.metrics.incFallback()
	return nil
}
