// Package api is the control surface exposed to the UI layer: start/stop the
// producer and consumer pool, resize the pools, clear channels, and query
// queue/worker/retry statistics. Queries return current best-known state and
// never fail for "not running"; actions surface their errors.
package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slotflow/internal/consumer"
	"slotflow/internal/queue"
	"slotflow/internal/retry"
	"slotflow/internal/supervisor"
)

// Producer is the slice of the producer the API needs.
type Producer interface {
	Start() error
	Stop() error
	Running() bool
}

type Server struct {
	r        *chi.Mux
	facade   *queue.Facade
	producer Producer
	pool     *consumer.Pool
	sup      *supervisor.Supervisor
	engine   *retry.Engine

	// Target used by consumer start; handlers run concurrently.
	consumerCount atomic.Int64
}

func NewServer(facade *queue.Facade, producer Producer, pool *consumer.Pool, sup *supervisor.Supervisor, engine *retry.Engine, consumerCount int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, facade: facade, producer: producer, pool: pool, sup: sup, engine: engine}
	s.consumerCount.Store(int64(consumerCount))

	r.Get("/health", s.health)

	r.Post("/api/producer/start", s.producerStart)
	r.Post("/api/producer/stop", s.producerStop)

	r.Post("/api/consumers/start", s.consumersStart)
	r.Post("/api/consumers/stop", s.consumersStop)
	r.Put("/api/consumers/count", s.consumersSetCount)
	r.Get("/api/consumers/status", s.consumersStatus)

	r.Put("/api/workers/max", s.workersSetMax)
	r.Get("/api/workers/status", s.workersStatus)

	r.Get("/api/queues/stats", s.queueStats)
	r.Delete("/api/queues/{channel}", s.queueClear)

	r.Get("/api/retry/stats", s.retryStats)
	r.Delete("/api/retry/stats", s.retryClear)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) producerStart(w http.ResponseWriter, r *http.Request) {
	if err := s.producer.Start(); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, 200, map[string]any{"running": true})
}

func (s *Server) producerStop(w http.ResponseWriter, r *http.Request) {
	if err := s.producer.Stop(); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"running": false})
}

func (s *Server) consumersStart(w http.ResponseWriter, r *http.Request) {
	n := int(s.consumerCount.Load())
	s.pool.SetTargetConsumerCount(n)
	writeJSON(w, 200, map[string]any{"target": n})
}

func (s *Server) consumersStop(w http.ResponseWriter, r *http.Request) {
	s.pool.SetTargetConsumerCount(0)
	writeJSON(w, 200, map[string]any{"target": 0})
}

type countReq struct {
	Count int `json:"count"`
}

func (s *Server) consumersSetCount(w http.ResponseWriter, r *http.Request) {
	var req countReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Count < 0 {
		http.Error(w, "count must be >= 0", 400)
		return
	}
	s.consumerCount.Store(int64(req.Count))
	s.pool.SetTargetConsumerCount(req.Count)
	writeJSON(w, 200, map[string]any{"target": req.Count})
}

func (s *Server) consumersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]any{
		"target":    s.pool.TargetConsumerCount(),
		"consumers": s.pool.Status(),
		"producer":  s.producer.Running(),
	})
}

type maxReq struct {
	Max int `json:"max"`
}

func (s *Server) workersSetMax(w http.ResponseWriter, r *http.Request) {
	var req maxReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	s.sup.SetMaxWorkers(req.Max)
	writeJSON(w, 200, s.sup.GetStatus())
}

func (s *Server) workersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.sup.GetStatus())
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.facade.Stats())
}

func (s *Server) queueClear(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	s.facade.Clear(channel)
	writeJSON(w, 200, map[string]any{"channel": channel, "depth": s.facade.Size(channel)})
}

func (s *Server) retryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.engine.StatsSnapshot())
}

func (s *Server) retryClear(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearStats()
	writeJSON(w, 200, map[string]any{"cleared": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
