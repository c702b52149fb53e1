package producer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/queue"
	"slotflow/internal/retry"
)

type nullStore struct{}

func (nullStore) Load(ctx context.Context) (map[string][]queue.Message, error) {
	return make(map[string][]queue.Message), nil
}
func (nullStore) Save(ctx context.Context, snapshot map[string][]queue.Message) error { return nil }
func (nullStore) Close() error                                                        { return nil }

func newFacade(t *testing.T) *queue.Facade {
	t.Helper()
	q, err := queue.NewDurable(nullStore{}, queue.Options{PersistDelay: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return queue.NewFacade(q)
}

var upgrader = websocket.Upgrader{}

// slotServer answers slotSubscribe with a confirmation, then streams the given
// slot numbers and holds the connection open.
func slotServer(t *testing.T, slots ...uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil { // the subscribe request
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":23}`)); err != nil {
			return
		}
		for _, slot := range slots {
			note := fmt.Sprintf(`{"jsonrpc":"2.0","method":"slotNotification","params":{"result":{"slot":%d},"subscription":23}}`, slot)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(note)); err != nil {
				return
			}
		}
		// Keep the stream open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type slotJob struct {
	Slot uint64 `json:"slot"`
}

func waitForDepth(t *testing.T, f *queue.Facade, channel string, depth int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.Size(channel) < depth {
		if time.Now().After(deadline) {
			t.Fatalf("depth = %d, want %d", f.Size(channel), depth)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamEnqueuesOneJobPerSlot(t *testing.T) {
	srv := slotServer(t, 100, 101, 102)
	defer srv.Close()

	f := newFacade(t)
	build := func(slot uint64) any { return slotJob{Slot: slot} }
	p := NewSlots(wsURL(srv), "slots", f, build, retry.NewEngine(zerolog.Nop()), zerolog.Nop())

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	if !p.Running() {
		t.Fatal("not running after Start")
	}
	if err := p.Start(); err != ErrAlreadyRunning {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}

	waitForDepth(t, f, "slots", 3)
	for want := uint64(100); want <= 102; want++ {
		msg, ok := f.Dequeue("slots")
		if !ok {
			t.Fatalf("missing job for slot %d", want)
		}
		var job slotJob
		if err := sonnet.Unmarshal(msg.Payload, &job); err != nil {
			t.Fatal(err)
		}
		if job.Slot != want {
			t.Fatalf("slot = %d, want %d", job.Slot, want)
		}
	}
}

func TestStopTearsDownStream(t *testing.T) {
	srv := slotServer(t)
	defer srv.Close()

	f := newFacade(t)
	p := NewSlots(wsURL(srv), "slots", f, func(slot uint64) any { return slotJob{Slot: slot} }, retry.NewEngine(zerolog.Nop()), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on an open stream")
	}
	if p.Running() {
		t.Fatal("running after Stop")
	}
	// Restart works once the previous stream is down.
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	_ = p.Stop()
}

func TestReconnectsDoNotStackWatcherGoroutines(t *testing.T) {
	// Each dropped stream must tear down its connection watcher; on a flaky
	// endpoint the old ones would otherwise pile up until Stop.
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n <= 10 {
			// Normal closure reconnects immediately, without retry backoff.
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := newFacade(t)
	p := NewSlots(wsURL(srv), "slots", f, func(slot uint64) any { return slotJob{Slot: slot} }, retry.NewEngine(zerolog.Nop()), zerolog.Nop())

	base := runtime.NumGoroutine()
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for conns.Load() < 11 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d connections made", conns.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // let dropped streams finish tearing down

	if g := runtime.NumGoroutine(); g > base+8 {
		t.Fatalf("goroutines grew from %d to %d across 10 reconnects", base, g)
	}
}

func TestReconnectAfterStreamDrop(t *testing.T) {
	var conns int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns++
		n := conns
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if n == 1 {
			return // drop the first connection right after subscribe
		}
		note := `{"jsonrpc":"2.0","method":"slotNotification","params":{"result":{"slot":7},"subscription":23}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(note)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	f := newFacade(t)
	p := NewSlots(wsURL(srv), "slots", f, func(slot uint64) any { return slotJob{Slot: slot} }, retry.NewEngine(zerolog.Nop()), zerolog.Nop())
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	// The slot arrives on the second connection.
	waitForDepth(t, f, "slots", 1)
}
