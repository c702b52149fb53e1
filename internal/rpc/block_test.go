package rpc

import (
	"testing"

	"github.com/sugawarayuuta/sonnet"
)

func TestAccountKeyEncodings(t *testing.T) {
	t.Run("legacy string keys", func(t *testing.T) {
		raw := `{"accountKeys":["AAA","BBB"]}`
		var m TxMessage
		if err := sonnet.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatal(err)
		}
		tx := Transaction{Transaction: TxContent{Message: m}}
		// No signer flags: the first key is the fee payer.
		if got := tx.Signer(); got != "AAA" {
			t.Fatalf("signer = %q, want AAA", got)
		}
	})

	t.Run("parsed object keys", func(t *testing.T) {
		raw := `{"accountKeys":[{"pubkey":"AAA","signer":false},{"pubkey":"BBB","signer":true}]}`
		var m TxMessage
		if err := sonnet.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatal(err)
		}
		tx := Transaction{Transaction: TxContent{Message: m}}
		if got := tx.Signer(); got != "BBB" {
			t.Fatalf("signer = %q, want BBB", got)
		}
	})

	t.Run("no keys", func(t *testing.T) {
		tx := Transaction{}
		if got := tx.Signer(); got != "" {
			t.Fatalf("signer = %q, want empty", got)
		}
	})
}

func TestTransactionFailed(t *testing.T) {
	var ok Transaction
	if err := sonnet.Unmarshal([]byte(`{"meta":{"err":null}}`), &ok); err != nil {
		t.Fatal(err)
	}
	if ok.Failed() {
		t.Fatal("err:null counted as failure")
	}

	var failed Transaction
	if err := sonnet.Unmarshal([]byte(`{"meta":{"err":{"InstructionError":[0,"Custom"]}}}`), &failed); err != nil {
		t.Fatal(err)
	}
	if !failed.Failed() {
		t.Fatal("instruction error not counted as failure")
	}

	noMeta := Transaction{}
	if !noMeta.Failed() {
		t.Fatal("missing meta must count as failure")
	}
}

func TestIsSkippedSlot(t *testing.T) {
	if !IsSkippedSlot(&Error{Code: -32007, Message: "Slot 5 was skipped"}) {
		t.Fatal("-32007 not recognized")
	}
	if !IsSkippedSlot(&Error{Code: -32009, Message: "Slot 5 was skipped, or missing in long-term storage"}) {
		t.Fatal("-32009 not recognized")
	}
	if IsSkippedSlot(&Error{Code: -32004, Message: "Block not available for slot 5"}) {
		t.Fatal("-32004 must not count as skipped; it is transient")
	}
	if !(&Error{Code: -32004}).Transient() {
		t.Fatal("-32004 must be transient")
	}
	if (&Error{Code: -32602}).Transient() {
		t.Fatal("invalid params must not be transient")
	}
}
