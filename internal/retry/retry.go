// Package retry re-executes fallible operations under exponential backoff
// with jitter, classifying errors as transient or fatal. Every network and
// confirmation call in slotflow goes through an Engine.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stats accumulates per-context retry counters. Diagnostic only: lifetime is
// the engine's lifetime, lost on restart.
type Stats struct {
	TotalAttempts     int64         `json:"total_attempts"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FailedRetries     int64         `json:"failed_retries"`
	AverageAttempts   float64       `json:"average_attempts"`
	TotalDelay        time.Duration `json:"total_delay"`

	calls int64
}

// Engine runs operations under a Policy and records statistics keyed by a
// free-text context string. Construct one per process (or per test) and
// inject it; there is no package-level instance.
type Engine struct {
	mu    sync.Mutex
	stats map[string]*Stats
	log   zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		stats: make(map[string]*Stats),
		log:   log.With().Str("component", "retry").Logger(),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op under the policy. It performs at most MaxRetries+1 attempts and
// returns the last error when retries exhaust or as soon as an error is
// classified non-retryable. No delay is ever slept after the final attempt.
func (e *Engine) Do(ctx context.Context, name string, p Policy, op func(ctx context.Context) error) error {
	var attempt int
	for {
		err := op(ctx)
		e.record(name, attempt, err)
		if err == nil {
			if attempt > 0 {
				e.log.Debug().Str("context", name).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return nil
		}
		if attempt >= p.MaxRetries || !Retryable(err) {
			return err
		}
		delay := p.Delay(attempt)
		if p.Jitter {
			delay = jitter(delay)
		}
		e.log.Debug().Str("context", name).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("retrying")
		if serr := e.sleep(ctx, delay); serr != nil {
			return err
		}
		e.addDelay(name, delay)
		attempt++
	}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, e *Engine, name string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, name, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// jitter perturbs d by ±25%, floored at zero.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	j := time.Duration(float64(d) * f)
	if j < 0 {
		return 0
	}
	return j
}

func (e *Engine) record(name string, attempt int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats[name]
	if s == nil {
		s = &Stats{}
		e.stats[name] = s
	}
	s.TotalAttempts++
	if attempt == 0 {
		s.calls++
	}
	if err == nil && attempt > 0 {
		s.SuccessfulRetries++
	}
	if err != nil && attempt > 0 {
		s.FailedRetries++
	}
	if s.calls > 0 {
		s.AverageAttempts = float64(s.TotalAttempts) / float64(s.calls)
	}
}

func (e *Engine) addDelay(name string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.stats[name]; s != nil {
		s.TotalDelay += d
	}
}

// StatsSnapshot returns a copy of every context's counters.
func (e *Engine) StatsSnapshot() map[string]Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Stats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

// ClearStats drops all accumulated counters.
func (e *Engine) ClearStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats = make(map[string]*Stats)
}
