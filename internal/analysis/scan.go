// Package analysis is the unit of work executed inside each worker process:
// fetch one block, scan its transactions for token buys by watched wallets,
// and report structured opportunities with a timing breakdown.
package analysis

import (
	"context"
	"fmt"
	"time"

	"slotflow/internal/domain"
	"slotflow/internal/retry"
	"slotflow/internal/rpc"
)

// Wrapped SOL; balance changes in it are funding legs, not buys.
const wrappedSOLMint = "So11111111111111111111111111111111111111112"

// Transactions are scanned in fixed-size batches with a cancellation check
// between batches so one large block can't starve IPC responsiveness.
const txBatchSize = 50

// Analyzer caches one probed RPC client per URL and scans blocks for
// watched-wallet buys.
type Analyzer struct {
	engine  *retry.Engine
	clients map[string]*rpc.Client
}

func NewAnalyzer(engine *retry.Engine) *Analyzer {
	return &Analyzer{engine: engine, clients: make(map[string]*rpc.Client)}
}

// client returns a cached connection for url, verifying new ones with a
// connectivity probe under retry.
func (a *Analyzer) client(ctx context.Context, url string) (*rpc.Client, error) {
	if c, ok := a.clients[url]; ok {
		return c, nil
	}
	c := rpc.NewClient(url)
	err := a.engine.Do(ctx, "worker.probe", retry.Default, func(ctx context.Context) error {
		_, err := c.GetVersion(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	a.clients[url] = c
	return c, nil
}

// AnalyzeBlock runs one task to completion. A skipped slot is a normal
// outcome: it returns success with a note and zero transactions.
func (a *Analyzer) AnalyzeBlock(ctx context.Context, task domain.AnalyzeTask) (domain.AnalyzeResult, error) {
	start := time.Now()
	result := domain.AnalyzeResult{Slot: task.Slot}

	client, err := a.client(ctx, task.RPCURL)
	if err != nil {
		return result, err
	}

	policy := retry.Network
	if task.RetryAttempts > 0 {
		policy.MaxRetries = task.RetryAttempts
	}
	netStart := time.Now()
	block, err := retry.DoValue(ctx, a.engine, "worker.getBlock", policy, func(ctx context.Context) (*rpc.Block, error) {
		return client.GetBlock(ctx, task.Slot)
	})
	result.Perf.NetworkTime = time.Since(netStart)
	if err != nil {
		if rpc.IsSkippedSlot(err) {
			result.Note = "slot skipped, no block produced"
			result.Perf.TotalTime = time.Since(start)
			return result, nil
		}
		return result, fmt.Errorf("fetch block %d: %w", task.Slot, err)
	}

	procStart := time.Now()
	watched := make(map[string]struct{}, len(task.Wallets))
	for _, w := range task.Wallets {
		watched[w] = struct{}{}
	}

	txs := block.Transactions
	result.Perf.TransactionCount = len(txs)
	for offset := 0; offset < len(txs); offset += txBatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := offset + txBatchSize
		if end > len(txs) {
			end = len(txs)
		}
		for i := offset; i < end; i++ {
			tx := &txs[i]
			if tx.Failed() {
				continue
			}
			signer := tx.Signer()
			if signer == "" {
				continue
			}
			if _, ok := watched[signer]; !ok {
				continue
			}
			result.Opportunities = append(result.Opportunities, tokenGains(tx.Meta, signer, task.Slot)...)
		}
	}
	result.Perf.ProcessTime = time.Since(procStart)
	result.Perf.TotalTime = time.Since(start)
	return result, nil
}

// tokenGains finds non-SOL token balances of the signer that increased: the
// buy signal. Pre-balances are matched by token account index; a missing
// pre-balance means the account was created in this transaction.
func tokenGains(meta *rpc.Meta, signer string, slot uint64) []domain.Opportunity {
	pre := make(map[int]float64, len(meta.PreTokenBalances))
	for _, b := range meta.PreTokenBalances {
		if b.Owner == signer {
			pre[b.AccountIndex] = b.UITokenAmount.Value()
		}
	}
	var out []domain.Opportunity
	for _, b := range meta.PostTokenBalances {
		if b.Owner != signer || b.Mint == wrappedSOLMint {
			continue
		}
		delta := b.UITokenAmount.Value() - pre[b.AccountIndex]
		if delta > 0 {
			out = append(out, domain.Opportunity{
				Wallet: signer,
				Mint:   b.Mint,
				Amount: delta,
				Slot:   slot,
			})
		}
	}
	return out
}
