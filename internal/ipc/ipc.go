// Package ipc defines the wire contract between the supervisor and its worker
// processes: newline-delimited JSON envelopes over the worker's stdin/stdout,
// discriminated by an explicit type tag and validated at the process boundary.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"slotflow/internal/domain"
)

// Envelope types.
const (
	TypeReady  = "ready"
	TypeTask   = "task"
	TypeResult = "result"
	TypeLog    = "log"
)

// Envelope is the tagged variant carried on the pipe. Exactly one of the
// optional fields is set, matching Type.
type Envelope struct {
	Type   string     `json:"type"`
	Task   *Task      `json:"task,omitempty"`
	Result *Result    `json:"result,omitempty"`
	Log    *LogRecord `json:"log,omitempty"`
}

// Task is one unit of work sent to a worker.
type Task struct {
	ID   string          `json:"id"`
	Type string          `json:"task_type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Result answers exactly one Task, matched by ID.
type Result struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Perf    domain.Perf     `json:"perf"`
}

// LogRecord forwards a worker-side log line to the parent's logger.
type LogRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Validate rejects malformed envelopes before any field is used.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeReady:
		return nil
	case TypeTask:
		if e.Task == nil || e.Task.ID == "" || e.Task.Type == "" {
			return fmt.Errorf("ipc: task envelope missing id or task_type")
		}
	case TypeResult:
		if e.Result == nil || e.Result.ID == "" {
			return fmt.Errorf("ipc: result envelope missing id")
		}
	case TypeLog:
		if e.Log == nil {
			return fmt.Errorf("ipc: log envelope missing record")
		}
	default:
		return fmt.Errorf("ipc: unknown envelope type %q", e.Type)
	}
	return nil
}

// Conn frames envelopes as one JSON line each. The explicit newline framing
// means a receiver needs exactly one line per envelope and never reads ahead,
// so envelopes are delivered while the pipe stays open. Sends are serialized;
// Recv is called from a single goroutine per side.
type Conn struct {
	wmu sync.Mutex
	w   io.Writer
	r   *bufio.Reader
}

func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{w: w, r: bufio.NewReader(r)}
}

func (c *Conn) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	line, err := sonnet.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(line)
	return err
}

// Recv blocks until one full line arrives. A clean pipe close surfaces as
// io.EOF; a close that truncates nothing but the final newline still yields
// the buffered envelope.
func (c *Conn) Recv() (Envelope, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(bytes.TrimSpace(line)) == 0 {
		return Envelope{}, err
	}
	var env Envelope
	if err := sonnet.Unmarshal(line, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Marshal and Unmarshal are the codec used for task/result payloads, shared
// so both ends agree on encoding.
func Marshal(v any) (json.RawMessage, error) { return sonnet.Marshal(v) }

func Unmarshal(data json.RawMessage, v any) error { return sonnet.Unmarshal(data, v) }
