// Package consumer runs N logical consumers over one queue channel. Each
// consumer is an event-driven loop: it dequeues, hands the message to the
// handler under a hard timeout, and on an empty queue suspends until the
// facade wakes it or a fallback timeout elapses. No polling.
package consumer

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotflow/internal/queue"
)

const (
	// idleWait bounds how long a consumer sleeps without a wake, so pool
	// resizes and shutdown are observed even if no message ever arrives.
	idleWait = 5 * time.Second

	// errBackoff is slept after an internal loop error before retrying.
	errBackoff = time.Second
)

// Handler processes one dequeued message. An error is logged and swallowed:
// one bad message never kills a consumer.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error { return f(ctx, msg) }

// State is one consumer's externally visible state.
type State struct {
	ID         string `json:"id"`
	Active     bool   `json:"active"`
	Processing bool   `json:"processing"`
}

type consumerState struct {
	id         string
	active     atomic.Bool
	processing atomic.Bool
}

// Pool owns the consumers for one channel.
type Pool struct {
	source  *queue.Facade
	channel string
	handler Handler
	timeout time.Duration // per-message processing cap

	mu        sync.Mutex
	consumers []*consumerState
	target    int

	wake chan struct{}
	wg   sync.WaitGroup
	log  zerolog.Logger
}

// NewPool wires the pool to the facade's arrival notifications. Consumers are
// not started until SetTargetConsumerCount is called.
func NewPool(source *queue.Facade, channel string, handler Handler, msgTimeout time.Duration, log zerolog.Logger) *Pool {
	p := &Pool{
		source:  source,
		channel: channel,
		handler: handler,
		timeout: msgTimeout,
		wake:    make(chan struct{}, 1),
		log:     log.With().Str("component", "consumer").Str("channel", channel).Logger(),
	}
	source.Notify(func(ch string) {
		if ch == channel {
			p.Wake()
		}
	})
	return p
}

// Wake nudges one suspended consumer. Non-blocking; a pending wake is enough
// since every consumer drains the queue before suspending again.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetTargetConsumerCount reconciles the pool toward n consumers. Excess
// consumers are marked inactive and exit cooperatively after their current
// unit of work; new consumers start immediately.
func (p *Pool) SetTargetConsumerCount(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = n
	for len(p.consumers) < n {
		c := &consumerState{id: "con_" + uuid.NewString()}
		c.active.Store(true)
		p.consumers = append(p.consumers, c)
		p.wg.Add(1)
		go p.run(c)
		p.log.Info().Str("consumer", c.id).Msg("consumer started")
	}
	for len(p.consumers) > n {
		last := p.consumers[len(p.consumers)-1]
		last.active.Store(false)
		p.consumers = p.consumers[:len(p.consumers)-1]
		p.log.Info().Str("consumer", last.id).Msg("consumer marked for teardown")
	}
	if n > 0 {
		p.Wake()
	}
}

// TargetConsumerCount returns the currently desired count.
func (p *Pool) TargetConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Status reports the state of every live consumer.
func (p *Pool) Status() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, State{ID: c.id, Active: c.active.Load(), Processing: c.processing.Load()})
	}
	return out
}

// Stop tears the pool down and waits for in-flight messages to finish.
func (p *Pool) Stop() {
	p.SetTargetConsumerCount(0)
	p.Wake()
	p.wg.Wait()
}

func (p *Pool) run(c *consumerState) {
	defer p.wg.Done()
	for c.active.Load() {
		msg, ok := p.dequeue()
		if !ok {
			select {
			case <-p.wake:
			case <-time.After(idleWait):
			}
			continue
		}
		c.processing.Store(true)
		p.handle(msg)
		c.processing.Store(false)
	}
	p.log.Info().Str("consumer", c.id).Msg("consumer drained")
}

// dequeue isolates store access so a panic there backs the loop off instead
// of killing the consumer.
func (p *Pool) dequeue() (msg queue.Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("dequeue panicked")
			time.Sleep(errBackoff)
			ok = false
		}
	}()
	return p.source.Dequeue(p.channel)
}

func (p *Pool) handle(msg queue.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("msg", msg.ID).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("handler panicked")
			time.Sleep(errBackoff)
		}
	}()
	ctx := context.Background()
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.handler.Handle(ctx, msg); err != nil {
		p.log.Error().Str("msg", msg.ID).Err(err).Msg("message processing failed")
	}
}
