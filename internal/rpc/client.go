// Package rpc is a minimal Solana JSON-RPC client covering the calls the
// analysis worker needs: a connectivity probe, slot lookup and block fetch.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/retry"
)

// Error is a JSON-RPC error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc %d: %s", e.Code, e.Message) }

// Transient marks conditions worth retrying: the block exists but the node
// hasn't caught up yet, or the node reports itself unhealthy.
func (e *Error) Transient() bool {
	switch e.Code {
	case codeBlockNotAvailable, codeNodeUnhealthy:
		return true
	}
	return false
}

const (
	codeBlockNotAvailable = -32004
	codeNodeUnhealthy     = -32005
	codeSlotSkipped       = -32007
	codeLongTermSkipped   = -32009
)

// IsSkippedSlot reports whether err means the slot produced no block. Skipped
// slots are a normal chain condition, not a failure.
func IsSkippedSlot(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == codeSlotSkipped || re.Code == codeLongTermSkipped
}

// Client issues JSON-RPC calls against one endpoint.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{url: url, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) URL() string { return c.url }

type request struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := sonnet.Marshal(request{Jsonrpc: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Body: trim(raw)}
	}
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := sonnet.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out != nil {
		if err := sonnet.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func trim(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// GetVersion is the connectivity probe.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var out struct {
		SolanaCore string `json:"solana-core"`
	}
	if err := c.call(ctx, "getVersion", nil, &out); err != nil {
		return "", err
	}
	return out.SolanaCore, nil
}

// GetSlot returns the node's current processed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetBlock fetches a confirmed block with full transaction detail.
func (c *Client) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	params := []any{slot, map[string]any{
		"encoding":                       "jsonParsed",
		"transactionDetails":             "full",
		"maxSupportedTransactionVersion": 0,
		"rewards":                        false,
	}}
	var block Block
	if err := c.call(ctx, "getBlock", params, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
