// Package follow is the consumer-side message handler: it hands a queued
// slot job to the worker pool and fires follow-up buys for every detected
// opportunity.
package follow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"slotflow/internal/analysis"
	"slotflow/internal/domain"
	"slotflow/internal/ipc"
	"slotflow/internal/queue"
	"slotflow/internal/supervisor"
	"slotflow/internal/trade"
)

// Handler implements consumer.Handler for the slots channel.
type Handler struct {
	sup      *supervisor.Supervisor
	executor trade.Executor
	log      zerolog.Logger
}

func NewHandler(sup *supervisor.Supervisor, executor trade.Executor, log zerolog.Logger) *Handler {
	return &Handler{sup: sup, executor: executor, log: log.With().Str("component", "follow").Logger()}
}

// Handle blocks on the worker result under the consumer's per-message
// timeout. Trade execution is fire-and-forget: an order failure never fails
// the message.
func (h *Handler) Handle(ctx context.Context, msg queue.Message) error {
	var task domain.AnalyzeTask
	if err := ipc.Unmarshal(msg.Payload, &task); err != nil {
		return fmt.Errorf("decode slot job: %w", err)
	}

	res, err := h.sup.SubmitTask(ctx, analysis.TaskAnalyzeBlock, task)
	if err != nil {
		return fmt.Errorf("slot %d: %w", task.Slot, err)
	}
	if !res.Success {
		return fmt.Errorf("slot %d analysis failed: %s", task.Slot, res.Error)
	}

	var out domain.AnalyzeResult
	if err := ipc.Unmarshal(res.Data, &out); err != nil {
		return fmt.Errorf("decode analysis result: %w", err)
	}
	h.log.Debug().
		Uint64("slot", out.Slot).
		Int("transactions", out.Perf.TransactionCount).
		Dur("network", out.Perf.NetworkTime).
		Dur("process", out.Perf.ProcessTime).
		Msg("slot analyzed")

	for _, opp := range out.Opportunities {
		opp := opp
		h.log.Info().
			Str("wallet", opp.Wallet).
			Str("mint", opp.Mint).
			Float64("amount", opp.Amount).
			Uint64("slot", opp.Slot).
			Msg("buy opportunity")
		go func() {
			if err := h.executor.Execute(context.Background(), opp.Mint, task.FollowAmount); err != nil {
				h.log.Error().Str("mint", opp.Mint).Err(err).Msg("follow-up trade failed")
			}
		}()
	}
	return nil
}
