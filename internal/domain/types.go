package domain

import "time"

// AnalyzeTask is the payload of one queued slot job. It carries everything a
// worker process needs so that workers stay stateless between tasks.
type AnalyzeTask struct {
	Slot          uint64   `json:"slot"`
	RPCURL        string   `json:"rpc_url"`
	Wallets       []string `json:"wallets"`
	FollowAmount  float64  `json:"follow_amount"`
	RetryAttempts int      `json:"retry_attempts"`
}

// Opportunity is a detected buy by a watched wallet: a non-SOL token balance
// that increased for the transaction's signer.
type Opportunity struct {
	Wallet string  `json:"wallet"`
	Mint   string  `json:"mint"`
	Amount float64 `json:"amount"`
	Slot   uint64  `json:"slot"`
}

// Perf is the timing breakdown a worker reports with every result.
type Perf struct {
	NetworkTime      time.Duration `json:"network_time"`
	ProcessTime      time.Duration `json:"process_time"`
	TotalTime        time.Duration `json:"total_time"`
	TransactionCount int           `json:"transaction_count"`
}

// AnalyzeResult is the successful outcome of one AnalyzeTask. A skipped slot
// still produces a result (Note set, zero transactions).
type AnalyzeResult struct {
	Slot          uint64        `json:"slot"`
	Opportunities []Opportunity `json:"opportunities,omitempty"`
	Note          string        `json:"note,omitempty"`
	Perf          Perf          `json:"perf"`
}
