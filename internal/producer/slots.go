// Package producer feeds the pipeline: it subscribes to slot notifications
// over a WebSocket RPC endpoint and enqueues one analysis job per slot.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/queue"
	"slotflow/internal/retry"
)

// ErrAlreadyRunning is returned by Start on a running producer.
var ErrAlreadyRunning = errors.New("producer: already running")

const readTimeout = 90 * time.Second

// JobBuilder turns a slot number into the payload enqueued for consumers.
type JobBuilder func(slot uint64) any

// Slots is the slot-notification producer. Stream failures reconnect under
// the Persistent retry preset; Stop tears the connection down.
type Slots struct {
	wsURL   string
	channel string
	facade  *queue.Facade
	build   JobBuilder
	engine  *retry.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	log zerolog.Logger
}

func NewSlots(wsURL, channel string, facade *queue.Facade, build JobBuilder, engine *retry.Engine, log zerolog.Logger) *Slots {
	return &Slots{
		wsURL:   wsURL,
		channel: channel,
		facade:  facade,
		build:   build,
		engine:  engine,
		log:     log.With().Str("component", "producer").Logger(),
	}
}

func (s *Slots) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Slots) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	s.log.Info().Str("ws_url", s.wsURL).Msg("producer started")
	return nil
}

func (s *Slots) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("producer stopped")
	return nil
}

func (s *Slots) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		err := s.engine.Do(ctx, "producer.stream", retry.Persistent, func(ctx context.Context) error {
			return s.stream(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Msg("slot stream lost, reconnecting")
	}
}

type slotNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
}

// stream holds one subscription open, enqueuing every notified slot.
func (s *Slots) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	sub := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "slotSubscribe"}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Unblock ReadMessage when Stop cancels the context. The watcher exits
	// with the stream so reconnects don't stack goroutines.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-streamDone:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		var note slotNotification
		if err := sonnet.Unmarshal(raw, &note); err != nil || note.Method != "slotNotification" {
			continue // subscription confirmation or unrelated frame
		}
		slot := note.Params.Result.Slot
		if _, err := s.facade.Enqueue(s.channel, s.build(slot)); err != nil {
			s.log.Error().Uint64("slot", slot).Err(err).Msg("enqueue failed")
			continue
		}
		s.log.Debug().Uint64("slot", slot).Msg("slot enqueued")
	}
}
