package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
)

// Facade is the routing layer the rest of the system talks to: it wraps
// payloads into Message envelopes, delegates to the durable store, and wakes
// registered listeners synchronously on arrival so consumers never poll.
type Facade struct {
	q *Durable

	mu        sync.RWMutex
	listeners []func(channel string)
}

func NewFacade(q *Durable) *Facade {
	return &Facade{q: q}
}

// Notify registers a listener called after every successful enqueue.
func (f *Facade) Notify(fn func(channel string)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// Enqueue serializes payload, stores it on channel and wakes listeners.
// Returns the assigned message ID.
func (f *Facade) Enqueue(channel string, payload any) (string, error) {
	body, err := sonnet.Marshal(payload)
	if err != nil {
		return "", err
	}
	msg := Message{
		ID:         "msg_" + uuid.NewString(),
		Channel:    channel,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	f.q.Enqueue(msg)

	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, fn := range listeners {
		fn(channel)
	}
	return msg.ID, nil
}

func (f *Facade) Dequeue(channel string) (Message, bool) { return f.q.Dequeue(channel) }

func (f *Facade) Size(channel string) int { return f.q.Size(channel) }

func (f *Facade) Clear(channel string) { f.q.Clear(channel) }

func (f *Facade) Stats() map[string]ChannelStats { return f.q.Stats() }
