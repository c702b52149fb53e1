package rpc

import (
	"encoding/json"

	"github.com/sugawarayuuta/sonnet"
)

// Block is the subset of a getBlock response the analysis worker reads.
type Block struct {
	Blockhash    string        `json:"blockhash"`
	ParentSlot   uint64        `json:"parentSlot"`
	BlockTime    *int64        `json:"blockTime"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction pairs execution metadata with the signed message.
type Transaction struct {
	Meta        *Meta     `json:"meta"`
	Transaction TxContent `json:"transaction"`
}

// Failed reports whether the transaction errored on-chain. Missing metadata
// counts as failed since balances can't be inspected without it.
func (t *Transaction) Failed() bool {
	if t.Meta == nil {
		return true
	}
	return len(t.Meta.Err) > 0 && string(t.Meta.Err) != "null"
}

// Signer resolves the fee-paying signer, tolerating both historical message
// encodings: legacy account keys are plain strings where the first entry
// signs; parsed encodings carry explicit signer flags.
func (t *Transaction) Signer() string {
	keys := t.Transaction.Message.AccountKeys
	for _, k := range keys {
		if k.Signer {
			return k.Pubkey
		}
	}
	if len(keys) > 0 {
		return keys[0].Pubkey
	}
	return ""
}

type TxContent struct {
	Message    TxMessage `json:"message"`
	Signatures []string  `json:"signatures"`
}

type TxMessage struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// AccountKey decodes either a bare pubkey string or the parsed object form.
type AccountKey struct {
	Pubkey string `json:"pubkey"`
	Signer bool   `json:"signer"`
}

func (k *AccountKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		k.Signer = false
		return sonnet.Unmarshal(data, &k.Pubkey)
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
		Signer bool   `json:"signer"`
	}
	if err := sonnet.Unmarshal(data, &obj); err != nil {
		return err
	}
	k.Pubkey = obj.Pubkey
	k.Signer = obj.Signer
	return nil
}

// Meta is per-transaction execution metadata.
type Meta struct {
	Err               json.RawMessage `json:"err"`
	PreTokenBalances  []TokenBalance  `json:"preTokenBalances"`
	PostTokenBalances []TokenBalance  `json:"postTokenBalances"`
}

// TokenBalance is one SPL token account balance around a transaction.
type TokenBalance struct {
	AccountIndex  int         `json:"accountIndex"`
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount TokenAmount `json:"uiTokenAmount"`
}

type TokenAmount struct {
	Amount   string   `json:"amount"`
	Decimals int      `json:"decimals"`
	UIAmount *float64 `json:"uiAmount"`
}

// Value returns the UI amount, zero when the node omits it.
func (a TokenAmount) Value() float64 {
	if a.UIAmount == nil {
		return 0
	}
	return *a.UIAmount
}
