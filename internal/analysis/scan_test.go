package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/domain"
	"slotflow/internal/ipc"
	"slotflow/internal/retry"
)

// rpcStub serves getVersion plus a canned getBlock response.
func rpcStub(t *testing.T, blockResult string, blockError string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		w.Header().Set("content-type", "application/json")
		switch req.Method {
		case "getVersion":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"solana-core":"1.18.0"}}`)
		case "getBlock":
			if blockError != "" {
				fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":%s}`, blockError)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, blockResult)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
		}
	}))
}

const watchedWallet = "Watched1111111111111111111111111111111111111"

// blockJSON builds a single-block response with the given transactions.
func blockJSON(txs ...string) string {
	joined := ""
	for i, tx := range txs {
		if i > 0 {
			joined += ","
		}
		joined += tx
	}
	return fmt.Sprintf(`{"blockhash":"hash","parentSlot":41,"blockTime":1700000000,"transactions":[%s]}`, joined)
}

func buyTx(signer, mint string, pre, post float64) string {
	return fmt.Sprintf(`{
		"meta":{
			"err":null,
			"preTokenBalances":[{"accountIndex":2,"mint":"%s","owner":"%s","uiTokenAmount":{"amount":"1","decimals":6,"uiAmount":%g}}],
			"postTokenBalances":[{"accountIndex":2,"mint":"%s","owner":"%s","uiTokenAmount":{"amount":"2","decimals":6,"uiAmount":%g}}]
		},
		"transaction":{"message":{"accountKeys":[{"pubkey":"%s","signer":true}]},"signatures":["sig"]}
	}`, mint, signer, pre, mint, signer, post, signer)
}

func analyze(t *testing.T, url string, slot uint64) (domain.AnalyzeResult, error) {
	t.Helper()
	a := NewAnalyzer(retry.NewEngine(zerolog.Nop()))
	return a.AnalyzeBlock(context.Background(), domain.AnalyzeTask{
		Slot:          slot,
		RPCURL:        url,
		Wallets:       []string{watchedWallet},
		FollowAmount:  0.1,
		RetryAttempts: 1,
	})
}

func TestDetectsBuyByWatchedWallet(t *testing.T) {
	srv := rpcStub(t, blockJSON(buyTx(watchedWallet, "Mint111", 0, 250.5)), "")
	defer srv.Close()

	res, err := analyze(t, srv.URL, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opportunities) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(res.Opportunities))
	}
	opp := res.Opportunities[0]
	if opp.Wallet != watchedWallet || opp.Mint != "Mint111" || opp.Slot != 42 {
		t.Fatalf("opportunity = %+v", opp)
	}
	if opp.Amount != 250.5 {
		t.Fatalf("amount = %v, want 250.5", opp.Amount)
	}
	if res.Perf.TransactionCount != 1 {
		t.Fatalf("tx count = %d", res.Perf.TransactionCount)
	}
}

func TestIgnoresUnwatchedAndFailedAndSOL(t *testing.T) {
	failed := `{
		"meta":{"err":{"InstructionError":[0,"Custom"]},
			"preTokenBalances":[],"postTokenBalances":[{"accountIndex":1,"mint":"Mint111","owner":"` + watchedWallet + `","uiTokenAmount":{"amount":"9","decimals":6,"uiAmount":9}}]},
		"transaction":{"message":{"accountKeys":[{"pubkey":"` + watchedWallet + `","signer":true}]},"signatures":["sig"]}
	}`
	srv := rpcStub(t, blockJSON(
		buyTx("SomeoneElse111", "Mint111", 0, 10), // not watched
		failed,                                    // watched but errored on-chain
		buyTx(watchedWallet, wrappedSOLMint, 0, 5), // SOL is a funding leg, not a buy
		buyTx(watchedWallet, "Mint222", 7, 3),      // decrease: a sell
	), "")
	defer srv.Close()

	res, err := analyze(t, srv.URL, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opportunities) != 0 {
		t.Fatalf("opportunities = %+v, want none", res.Opportunities)
	}
	if res.Perf.TransactionCount != 4 {
		t.Fatalf("tx count = %d, want 4", res.Perf.TransactionCount)
	}
}

func TestSkippedSlotIsInformationalSuccess(t *testing.T) {
	srv := rpcStub(t, "", `{"code":-32007,"message":"Slot 42 was skipped"}`)
	defer srv.Close()

	res, err := analyze(t, srv.URL, 42)
	if err != nil {
		t.Fatalf("skipped slot must not be an error, got %v", err)
	}
	if res.Note == "" {
		t.Fatal("expected an informational note")
	}
	if res.Perf.TransactionCount != 0 || len(res.Opportunities) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLegacyMessageEncoding(t *testing.T) {
	tx := fmt.Sprintf(`{
		"meta":{
			"err":null,
			"preTokenBalances":[],
			"postTokenBalances":[{"accountIndex":1,"mint":"Mint333","owner":"%s","uiTokenAmount":{"amount":"5","decimals":6,"uiAmount":5}}]
		},
		"transaction":{"message":{"accountKeys":["%s","Other111"]},"signatures":["sig"]}
	}`, watchedWallet, watchedWallet)
	srv := rpcStub(t, blockJSON(tx), "")
	defer srv.Close()

	res, err := analyze(t, srv.URL, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opportunities) != 1 || res.Opportunities[0].Mint != "Mint333" {
		t.Fatalf("opportunities = %+v", res.Opportunities)
	}
}

func TestNewTokenAccountCountsFullBalance(t *testing.T) {
	// No pre-balance entry: the account was created in this transaction.
	tx := fmt.Sprintf(`{
		"meta":{
			"err":null,
			"preTokenBalances":[],
			"postTokenBalances":[{"accountIndex":3,"mint":"Mint444","owner":"%s","uiTokenAmount":{"amount":"1000","decimals":6,"uiAmount":1000}}]
		},
		"transaction":{"message":{"accountKeys":[{"pubkey":"%s","signer":true}]},"signatures":["sig"]}
	}`, watchedWallet, watchedWallet)
	srv := rpcStub(t, blockJSON(tx), "")
	defer srv.Close()

	res, err := analyze(t, srv.URL, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Opportunities) != 1 || res.Opportunities[0].Amount != 1000 {
		t.Fatalf("opportunities = %+v", res.Opportunities)
	}
}

func TestExecuteConvertsFailureToResult(t *testing.T) {
	a := NewAnalyzer(retry.NewEngine(zerolog.Nop()))
	bad, err := sonnet.Marshal("not a task object")
	if err != nil {
		t.Fatal(err)
	}
	res := execute(context.Background(), a, ipc.Task{ID: "tsk_1", Type: TaskAnalyzeBlock, Data: bad}, zerolog.Nop())
	if res.Success {
		t.Fatal("malformed task data reported success")
	}
	if res.Error == "" || res.ID != "tsk_1" {
		t.Fatalf("result = %+v", res)
	}

	res = execute(context.Background(), a, ipc.Task{ID: "tsk_2", Type: "no_such_type"}, zerolog.Nop())
	if res.Success || res.Error == "" {
		t.Fatalf("unknown task type result = %+v", res)
	}
}
