// Package queue implements the named-channel FIFO message store at the heart
// of the pipeline. The in-memory state is authoritative; a debounced, batched
// snapshot write bounds what a crash can lose to PersistDelay or MaxBatch
// mutations, whichever comes first.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPersistDelay = time.Second
	defaultMaxBatch     = 100
)

// Message is the opaque envelope stored per channel.
type Message struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ChannelStats reports depth and lifetime counters for one channel.
type ChannelStats struct {
	Depth    int   `json:"depth"`
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
}

// Options tunes persistence; zero values take the defaults above.
type Options struct {
	PersistDelay time.Duration
	MaxBatch     int
}

// Durable is the channel → FIFO store. First write to an unseen channel
// creates it; Clear is the only way a channel's contents are destroyed.
type Durable struct {
	mu       sync.Mutex
	channels map[string][]Message
	stats    map[string]*ChannelStats
	dirty    bool
	pending  int // mutations since the last flush
	timer    *time.Timer

	flushMu sync.Mutex // serializes snapshot writes

	store Store
	opts  Options
	log   zerolog.Logger
}

// NewDurable seeds memory from the store's last snapshot.
func NewDurable(store Store, opts Options, log zerolog.Logger) (*Durable, error) {
	if opts.PersistDelay <= 0 {
		opts.PersistDelay = defaultPersistDelay
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	channels, err := store.Load(context.Background())
	if err != nil {
		return nil, err
	}
	q := &Durable{
		channels: channels,
		stats:    make(map[string]*ChannelStats),
		store:    store,
		opts:     opts,
		log:      log.With().Str("component", "queue").Logger(),
	}
	for name, msgs := range channels {
		q.stats[name] = &ChannelStats{Depth: len(msgs)}
	}
	return q, nil
}

func (q *Durable) statsFor(channel string) *ChannelStats {
	s := q.stats[channel]
	if s == nil {
		s = &ChannelStats{}
		q.stats[channel] = s
	}
	return s
}

// Enqueue appends msg to its channel's sequence.
func (q *Durable) Enqueue(msg Message) {
	q.mu.Lock()
	q.channels[msg.Channel] = append(q.channels[msg.Channel], msg)
	s := q.statsFor(msg.Channel)
	s.Enqueued++
	s.Depth = len(q.channels[msg.Channel])
	q.markDirtyLocked()
	q.mu.Unlock()
}

// Dequeue removes and returns the head of the channel, or false when empty.
// Empty is a normal outcome, not an error.
func (q *Durable) Dequeue(channel string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.channels[channel]
	if len(msgs) == 0 {
		return Message{}, false
	}
	head := msgs[0]
	q.channels[channel] = msgs[1:]
	s := q.statsFor(channel)
	s.Dequeued++
	s.Depth = len(q.channels[channel])
	q.markDirtyLocked()
	return head, true
}

// Size returns the current depth of a channel.
func (q *Durable) Size(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.channels[channel])
}

// Clear drops every message on a channel.
func (q *Durable) Clear(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.channels[channel]) == 0 {
		return
	}
	q.channels[channel] = nil
	q.statsFor(channel).Depth = 0
	q.markDirtyLocked()
}

// Stats returns a snapshot of per-channel counters.
func (q *Durable) Stats() map[string]ChannelStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]ChannelStats, len(q.stats))
	for name, s := range q.stats {
		out[name] = *s
	}
	return out
}

// markDirtyLocked schedules persistence: the debounce timer resets on each
// mutation, and an accumulated batch forces an immediate flush instead.
func (q *Durable) markDirtyLocked() {
	q.dirty = true
	q.pending++
	if q.pending >= q.opts.MaxBatch {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		go q.Flush()
		return
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.PersistDelay, q.Flush)
	} else {
		q.timer.Reset(q.opts.PersistDelay)
	}
}

// Flush writes a full snapshot if the store is dirty. The snapshot is
// captured while flushMu is held, so capture order and write order cannot
// diverge: the newest snapshot is always the last one persisted.
func (q *Durable) Flush() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return
	}
	snapshot := make(map[string][]Message, len(q.channels))
	for name, msgs := range q.channels {
		cp := make([]Message, len(msgs))
		copy(cp, msgs)
		snapshot[name] = cp
	}
	q.dirty = false
	q.pending = 0
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if err := q.store.Save(context.Background(), snapshot); err != nil {
		q.log.Error().Err(err).Msg("snapshot write failed")
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
	}
}

// Close forces a final synchronous flush and releases the store.
func (q *Durable) Close() error {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.Flush()
	return q.store.Close()
}
