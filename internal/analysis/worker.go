package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"

	"slotflow/internal/domain"
	"slotflow/internal/ipc"
	"slotflow/internal/retry"
)

// TaskAnalyzeBlock is the only task type workers currently understand.
const TaskAnalyzeBlock = "analyze_block"

// RunWorker is the worker-process main loop: announce readiness, then handle
// one task at a time from stdin until EOF or ctx cancellation. Concurrency
// comes from the supervisor running multiple workers, never from interleaving
// tasks inside one.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	conn := ipc.NewConn(in, out)
	logger := zerolog.New(ipcLogWriter{conn}).With().Timestamp().Logger()
	engine := retry.NewEngine(logger)
	analyzer := NewAnalyzer(engine)

	if err := conn.Send(ipc.Envelope{Type: ipc.TypeReady}); err != nil {
		return fmt.Errorf("ready handshake: %w", err)
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read task: %w", err)
		}
		if env.Type != ipc.TypeTask {
			logger.Warn().Str("type", env.Type).Msg("ignoring unexpected envelope")
			continue
		}
		res := execute(ctx, analyzer, *env.Task, logger)
		if err := conn.Send(ipc.Envelope{Type: ipc.TypeResult, Result: &res}); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
}

// execute converts any failure, panic included, into a failed result so the
// worker survives bad tasks.
func execute(ctx context.Context, analyzer *Analyzer, task ipc.Task, logger zerolog.Logger) (res ipc.Result) {
	res = ipc.Result{ID: task.ID}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	switch task.Type {
	case TaskAnalyzeBlock:
		var at domain.AnalyzeTask
		if err := ipc.Unmarshal(task.Data, &at); err != nil {
			res.Error = fmt.Sprintf("decode task data: %v", err)
			return res
		}
		out, err := analyzer.AnalyzeBlock(ctx, at)
		res.Perf = out.Perf
		if err != nil {
			res.Error = err.Error()
			return res
		}
		data, err := ipc.Marshal(out)
		if err != nil {
			res.Error = fmt.Sprintf("encode result: %v", err)
			return res
		}
		res.Success = true
		res.Data = data
		if len(out.Opportunities) > 0 {
			logger.Info().Uint64("slot", at.Slot).Int("opportunities", len(out.Opportunities)).Msg("buys detected")
		}
	default:
		res.Error = fmt.Sprintf("unknown task type %q", task.Type)
	}
	return res
}

// ipcLogWriter forwards the worker's log lines to the parent over the same
// pipe as results, wrapped in log envelopes.
type ipcLogWriter struct {
	conn *ipc.Conn
}

func (w ipcLogWriter) Write(p []byte) (int, error) {
	rec := ipc.LogRecord{Level: "info", Message: string(p)}
	if err := w.conn.Send(ipc.Envelope{Type: ipc.TypeLog, Log: &rec}); err != nil {
		return 0, err
	}
	return len(p), nil
}
