// Package trade executes follow-up buys when a watched wallet's buy is
// detected. From the consumer's perspective execution is fire-and-forget:
// failures are logged, never propagated back to the queue.
package trade

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/retry"
)

// Executor places one follow-up buy of solAmount SOL into mint.
type Executor interface {
	Execute(ctx context.Context, mint string, solAmount float64) error
}

// inFlightWindow suppresses duplicate buys of the same mint while the first
// order is still settling.
const inFlightWindow = 30 * time.Second

// HTTPExecutor posts swap orders to a DEX-aggregator endpoint.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	engine   *retry.Engine

	mu       sync.Mutex
	inFlight map[string]time.Time

	log zerolog.Logger
}

func NewHTTPExecutor(endpoint string, engine *retry.Engine, log zerolog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		engine:   engine,
		inFlight: make(map[string]time.Time),
		log:      log.With().Str("component", "trade").Logger(),
	}
}

type swapRequest struct {
	Mint      string  `json:"mint"`
	SolAmount float64 `json:"sol_amount"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, mint string, solAmount float64) error {
	if !e.claim(mint) {
		e.log.Debug().Str("mint", mint).Msg("buy already in flight, skipping")
		return nil
	}
	defer e.release(mint)

	body, err := sonnet.Marshal(swapRequest{Mint: mint, SolAmount: solAmount})
	if err != nil {
		return err
	}
	err = e.engine.Do(ctx, "trade.swap", retry.Fast, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(msg)}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("swap %s: %w", mint, err)
	}
	e.log.Info().Str("mint", mint).Float64("sol", solAmount).Msg("follow-up buy placed")
	return nil
}

func (e *HTTPExecutor) claim(mint string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.inFlight[mint]; ok && time.Since(t) < inFlightWindow {
		return false
	}
	e.inFlight[mint] = time.Now()
	return true
}

func (e *HTTPExecutor) release(mint string) {
	// The entry stays for the dedup window; only prune stale ones.
	e.mu.Lock()
	defer e.mu.Unlock()
	for m, t := range e.inFlight {
		if time.Since(t) > inFlightWindow {
			delete(e.inFlight, m)
		}
	}
}

// LogExecutor records intended buys without placing orders. Used when no
// swap endpoint is configured.
type LogExecutor struct {
	Log zerolog.Logger
}

func (e LogExecutor) Execute(_ context.Context, mint string, solAmount float64) error {
	e.Log.Info().Str("mint", mint).Float64("sol", solAmount).Msg("dry-run buy")
	return nil
}
