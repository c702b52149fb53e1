// Package supervisor owns the pool of OS worker processes that perform block
// analysis. It load-balances submitted tasks to idle workers, enforces
// per-task timeouts, restarts failed or stuck workers, and resizes the pool
// elastically toward a configured target.
//
// Backpressure point: submission is unbounded, concurrent execution is
// bounded by MaxWorkers. Excess tasks wait in an internal FIFO; nothing is
// ever dropped for being too much, only delayed.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotflow/internal/ipc"
)

const (
	minWorkers      = 1
	maxWorkersLimit = 50

	defaultProcessTimeout = 90 * time.Second
	spawnTimeout          = 10 * time.Second
	shutdownGrace         = 5 * time.Second
	idleRestartAfter      = 5 * time.Minute
	idleSlack             = 5
)

var (
	// ErrShuttingDown rejects submissions and pending tasks during shutdown.
	ErrShuttingDown = errors.New("supervisor: shutting down")

	// ErrTaskTimeout rejects a task whose worker did not answer in time. The
	// worker is presumed stuck and restarted.
	ErrTaskTimeout = errors.New("supervisor: task timed out")

	errWorkerExited = errors.New("supervisor: worker exited before completing task")
)

// Config tunes the pool. Command builds an unstarted worker process; the
// default re-executes the current binary in worker mode.
type Config struct {
	MaxWorkers     int
	ProcessTimeout time.Duration
	Command        func() *exec.Cmd
}

// SelfCommand builds commands that re-execute the running binary with the
// worker subcommand.
func SelfCommand() func() *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return func() *exec.Cmd {
		cmd := exec.Command(exe, "worker")
		cmd.Stderr = os.Stderr
		return cmd
	}
}

// WorkerInfo is one worker's externally visible state.
type WorkerInfo struct {
	ID             string    `json:"id"`
	PID            int       `json:"pid"`
	Busy           bool      `json:"busy"`
	TasksProcessed int       `json:"tasks_processed"`
	Errors         int       `json:"errors"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Status is the pool snapshot served to the control surface.
type Status struct {
	MaxWorkers   int          `json:"max_workers"`
	Workers      []WorkerInfo `json:"workers"`
	QueuedTasks  int          `json:"queued_tasks"`
	PendingTasks int          `json:"pending_tasks"`
	ShuttingDown bool         `json:"shutting_down"`
}

type workerProc struct {
	id    string
	cmd   *exec.Cmd
	conn  *ipc.Conn
	stdin io.Closer     // closing it EOFs an idle worker's task loop
	done  chan struct{} // closed once the process has exited

	busy           bool
	currentTask    string
	tasksProcessed int
	errors         int
	createdAt      time.Time
	lastActivity   time.Time

	registered    bool // joined s.workers; exits before that are spawn errors
	exited        bool
	stopping      bool // intentional termination, suppress crash handling
	replaceOnExit bool // replenish the pool once this worker is gone
}

type outcome struct {
	res ipc.Result
	err error
}

type pendingTask struct {
	task     ipc.Task
	out      chan outcome // buffered; delivery never blocks
	timer    *time.Timer
	workerID string
}

// Supervisor is the process pool manager.
type Supervisor struct {
	cfg            Config
	processTimeout time.Duration

	mu           sync.Mutex
	maxWorkers   int
	workers      map[string]*workerProc
	queue        []*pendingTask          // submitted, not yet assigned
	pending      map[string]*pendingTask // assigned, awaiting result
	spawning     int
	shuttingDown bool

	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = minWorkers
	}
	if cfg.MaxWorkers > maxWorkersLimit {
		cfg.MaxWorkers = maxWorkersLimit
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.Command == nil {
		cfg.Command = SelfCommand()
	}
	return &Supervisor{
		cfg:            cfg,
		processTimeout: cfg.ProcessTimeout,
		maxWorkers:     cfg.MaxWorkers,
		workers:        make(map[string]*workerProc),
		pending:        make(map[string]*pendingTask),
		log:            log.With().Str("component", "supervisor").Logger(),
	}
}

// Start eagerly spawns min(2, MaxWorkers) workers so the first tasks don't
// pay the spawn cost.
func (s *Supervisor) Start() error {
	eager := 2
	if s.maxWorkers < eager {
		eager = s.maxWorkers
	}
	s.mu.Lock()
	s.spawning += eager
	s.mu.Unlock()

	var lastErr error
	started := 0
	for i := 0; i < eager; i++ {
		_, err := s.spawnWorker()
		s.mu.Lock()
		s.spawning--
		s.mu.Unlock()
		if err != nil {
			lastErr = err
			s.log.Error().Err(err).Msg("eager worker spawn failed")
			continue
		}
		started++
	}
	if started == 0 && lastErr != nil {
		return fmt.Errorf("no worker could be started: %w", lastErr)
	}
	return nil
}

// SubmitTask enqueues a task and waits for its result, the per-task timeout,
// shutdown rejection, or ctx cancellation.
func (s *Supervisor) SubmitTask(ctx context.Context, taskType string, data any) (ipc.Result, error) {
	raw, err := ipc.Marshal(data)
	if err != nil {
		return ipc.Result{}, fmt.Errorf("encode task data: %w", err)
	}
	pt := &pendingTask{
		task: ipc.Task{ID: "tsk_" + uuid.NewString(), Type: taskType, Data: raw},
		out:  make(chan outcome, 1),
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ipc.Result{}, ErrShuttingDown
	}
	s.queue = append(s.queue, pt)
	s.mu.Unlock()
	s.dispatch()

	select {
	case o := <-pt.out:
		return o.res, o.err
	case <-ctx.Done():
		s.abandon(pt)
		return ipc.Result{}, ctx.Err()
	}
}

// abandon removes a task the caller stopped waiting for. If already assigned
// the work keeps running; its late result is dropped.
func (s *Supervisor) abandon(pt *pendingTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == pt {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
	if cur, ok := s.pending[pt.task.ID]; ok && cur == pt {
		delete(s.pending, pt.task.ID)
		if pt.timer != nil {
			pt.timer.Stop()
		}
	}
}

// dispatch assigns queued tasks to idle workers, spawning a new worker when
// none is idle and the pool is below its maximum.
func (s *Supervisor) dispatch() {
	var sends []func()
	s.mu.Lock()
	for len(s.queue) > 0 {
		w := s.idleWorkerLocked()
		if w == nil {
			break
		}
		pt := s.queue[0]
		s.queue = s.queue[1:]
		sends = append(sends, s.assignLocked(w, pt))
	}
	needSpawn := len(s.queue) > 0 && !s.shuttingDown && len(s.workers)+s.spawning < s.maxWorkers
	if needSpawn {
		s.spawning++
	}
	s.mu.Unlock()

	for _, send := range sends {
		go send()
	}
	if needSpawn {
		go func() {
			_, err := s.spawnWorker()
			s.mu.Lock()
			s.spawning--
			s.mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Msg("on-demand worker spawn failed")
				return
			}
			s.dispatch()
		}()
	}
}

func (s *Supervisor) idleWorkerLocked() *workerProc {
	for _, w := range s.workers {
		if !w.busy && !w.stopping {
			return w
		}
	}
	return nil
}

// assignLocked records the task→worker binding, arms the timeout, and
// returns the IPC send to run outside the lock.
func (s *Supervisor) assignLocked(w *workerProc, pt *pendingTask) func() {
	w.busy = true
	w.currentTask = pt.task.ID
	w.lastActivity = time.Now()
	pt.workerID = w.id
	s.pending[pt.task.ID] = pt
	id := pt.task.ID
	pt.timer = time.AfterFunc(s.processTimeout, func() { s.onTaskTimeout(id) })
	return func() {
		if err := w.conn.Send(ipc.Envelope{Type: ipc.TypeTask, Task: &pt.task}); err != nil {
			s.log.Error().Str("worker", w.id).Str("task", id).Err(err).Msg("task send failed")
			s.rejectPending(id, fmt.Errorf("send task to worker: %w", err))
		}
	}
}

// rejectPending delivers err for an assigned task, if still tracked.
func (s *Supervisor) rejectPending(id string, err error) {
	s.mu.Lock()
	pt := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if pt == nil {
		return
	}
	if pt.timer != nil {
		pt.timer.Stop()
	}
	pt.out <- outcome{err: err}
}

// onResult matches a worker's result to its pending task. A result arriving
// after the task timed out is dropped; the worker still becomes idle.
func (s *Supervisor) onResult(w *workerProc, res ipc.Result) {
	s.mu.Lock()
	pt := s.pending[res.ID]
	delete(s.pending, res.ID)
	w.busy = false
	w.currentTask = ""
	w.lastActivity = time.Now()
	w.tasksProcessed++
	if !res.Success {
		w.errors++
	}
	s.mu.Unlock()

	if pt == nil {
		s.log.Debug().Str("worker", w.id).Str("task", res.ID).Msg("dropping late result")
	} else {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		pt.out <- outcome{res: res}
	}
	s.dispatch()
}

// onTaskTimeout rejects the pending task and proactively restarts the worker
// it was assigned to, which is presumed hung.
func (s *Supervisor) onTaskTimeout(id string) {
	s.mu.Lock()
	pt := s.pending[id]
	if pt == nil {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	w := s.workers[pt.workerID]
	if w != nil {
		w.stopping = true
		w.replaceOnExit = true
	}
	s.mu.Unlock()

	pt.out <- outcome{err: ErrTaskTimeout}
	if w != nil {
		s.log.Warn().Str("worker", w.id).Str("task", id).Dur("timeout", s.processTimeout).Msg("task timed out, restarting worker")
		s.terminate(w)
	}
}

// spawnWorker starts one worker process and races its ready handshake
// against the spawn timeout.
func (s *Supervisor) spawnWorker() (*workerProc, error) {
	cmd := s.cfg.Command()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	now := time.Now()
	w := &workerProc{
		id:           "wkr_" + uuid.NewString(),
		cmd:          cmd,
		conn:         ipc.NewConn(stdout, stdin),
		stdin:        stdin,
		done:         make(chan struct{}),
		createdAt:    now,
		lastActivity: now,
	}

	ready := make(chan error, 1)
	go s.readLoop(w, ready)
	go func() {
		err := cmd.Wait()
		close(w.done)
		s.onWorkerExit(w, err)
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("worker handshake: %w", err)
		}
	case <-time.After(spawnTimeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("worker %s did not become ready within %s", w.id, spawnTimeout)
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		return nil, ErrShuttingDown
	}
	if w.exited {
		s.mu.Unlock()
		return nil, fmt.Errorf("worker %s exited during startup", w.id)
	}
	s.workers[w.id] = w
	w.registered = true
	s.mu.Unlock()
	s.log.Info().Str("worker", w.id).Int("pid", cmd.Process.Pid).Msg("worker ready")
	return w, nil
}

// readLoop decodes envelopes from one worker until its pipe closes. The
// first envelope must be the ready handshake.
func (s *Supervisor) readLoop(w *workerProc, ready chan<- error) {
	first := true
	for {
		env, err := w.conn.Recv()
		if err != nil {
			if first {
				ready <- fmt.Errorf("worker closed pipe: %w", err)
			}
			return
		}
		if first {
			first = false
			if env.Type != ipc.TypeReady {
				ready <- fmt.Errorf("unexpected first envelope %q", env.Type)
				return
			}
			ready <- nil
			continue
		}
		switch env.Type {
		case ipc.TypeResult:
			s.onResult(w, *env.Result)
		case ipc.TypeLog:
			s.log.Info().Str("worker", w.id).Msg(env.Log.Message)
		default:
			s.log.Warn().Str("worker", w.id).Str("type", env.Type).Msg("ignoring unexpected envelope")
		}
	}
}

// onWorkerExit removes the worker, rejects its in-flight task, and decides
// whether to replenish the pool.
func (s *Supervisor) onWorkerExit(w *workerProc, werr error) {
	s.mu.Lock()
	w.exited = true
	if !w.registered {
		// Never joined the pool: a failed handshake or a shutdown race. The
		// spawn path reports that error; no crash handling, no replacement.
		s.mu.Unlock()
		return
	}
	delete(s.workers, w.id)
	var pt *pendingTask
	if w.currentTask != "" {
		pt = s.pending[w.currentTask]
		delete(s.pending, w.currentTask)
	}
	crashed := !w.stopping
	replace := false
	if !s.shuttingDown {
		if w.replaceOnExit && len(s.workers)+s.spawning < s.maxWorkers {
			replace = true
		}
		// Unexpected exits keep a floor of one live worker, or replace
		// eagerly when tasks are waiting.
		if crashed && (len(s.workers)+s.spawning < minWorkers ||
			(len(s.queue) > 0 && len(s.workers)+s.spawning < s.maxWorkers)) {
			replace = true
		}
		if replace {
			s.spawning++
		}
	}
	s.mu.Unlock()

	if pt != nil {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		pt.out <- outcome{err: errWorkerExited}
	}
	if crashed {
		s.log.Warn().Str("worker", w.id).AnErr("exit", werr).Msg("worker exited unexpectedly")
	} else {
		s.log.Debug().Str("worker", w.id).Msg("worker stopped")
	}
	if replace {
		go func() {
			_, err := s.spawnWorker()
			s.mu.Lock()
			s.spawning--
			s.mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Msg("replacement worker spawn failed")
				return
			}
			s.dispatch()
		}()
	}
	s.dispatch()
}

// terminate stops one worker. Closing stdin EOFs the task loop so an idle
// worker exits on its own; a stuck one gets SIGTERM, a grace period, SIGKILL.
func (s *Supervisor) terminate(w *workerProc) {
	go func() {
		_ = w.stdin.Close()
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-w.done:
		case <-time.After(shutdownGrace):
			_ = w.cmd.Process.Kill()
			<-w.done
		}
	}()
}

// SetMaxWorkers resizes the pool, clamped to [1,50]. Shrinking kills excess
// workers idle-first; growing spawns the delta.
func (s *Supervisor) SetMaxWorkers(n int) {
	if n < minWorkers {
		n = minWorkers
	}
	if n > maxWorkersLimit {
		n = maxWorkersLimit
	}

	var victims []*workerProc
	var rejected []*pendingTask
	grow := 0

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.maxWorkers = n
	excess := len(s.workers) + s.spawning - n
	if excess > 0 {
		// Idle victims first, busy only if unavoidable.
		for _, w := range s.workers {
			if excess <= 0 {
				break
			}
			if !w.busy && !w.stopping {
				w.stopping = true
				victims = append(victims, w)
				excess--
			}
		}
		for _, w := range s.workers {
			if excess <= 0 {
				break
			}
			if w.busy && !w.stopping {
				w.stopping = true
				if pt := s.pending[w.currentTask]; pt != nil {
					delete(s.pending, w.currentTask)
					rejected = append(rejected, pt)
				}
				victims = append(victims, w)
				excess--
			}
		}
	} else {
		grow = n - len(s.workers) - s.spawning
		s.spawning += grow
	}
	s.mu.Unlock()

	for _, pt := range rejected {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		pt.out <- outcome{err: errWorkerExited}
	}
	for _, w := range victims {
		s.terminate(w)
	}
	for i := 0; i < grow; i++ {
		go func() {
			_, err := s.spawnWorker()
			s.mu.Lock()
			s.spawning--
			s.mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Msg("grow spawn failed")
				return
			}
			s.dispatch()
		}()
	}
	s.log.Info().Int("max_workers", n).Msg("worker pool resized")
}

// HealthSweep restarts idle workers that have been unresponsive too long and
// trims idle workers beyond the slack threshold. Run periodically.
func (s *Supervisor) HealthSweep() {
	now := time.Now()
	var restart, trim []*workerProc

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	idle := 0
	for _, w := range s.workers {
		if w.busy || w.stopping {
			continue
		}
		if now.Sub(w.lastActivity) > idleRestartAfter {
			w.stopping = true
			w.replaceOnExit = true
			restart = append(restart, w)
			continue
		}
		idle++
	}
	for _, w := range s.workers {
		if idle <= idleSlack {
			break
		}
		if !w.busy && !w.stopping {
			w.stopping = true
			trim = append(trim, w)
			idle--
		}
	}
	s.mu.Unlock()

	for _, w := range restart {
		s.log.Warn().Str("worker", w.id).Msg("restarting unresponsive idle worker")
		s.terminate(w)
	}
	for _, w := range trim {
		s.log.Info().Str("worker", w.id).Msg("trimming excess idle worker")
		s.terminate(w)
	}
}

// GetStatus returns the current best-known pool state; it never fails.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		MaxWorkers:   s.maxWorkers,
		QueuedTasks:  len(s.queue),
		PendingTasks: len(s.pending),
		ShuttingDown: s.shuttingDown,
	}
	for _, w := range s.workers {
		st.Workers = append(st.Workers, WorkerInfo{
			ID:             w.id,
			PID:            w.cmd.Process.Pid,
			Busy:           w.busy,
			TasksProcessed: w.tasksProcessed,
			Errors:         w.errors,
			CreatedAt:      w.createdAt,
			LastActivity:   w.lastActivity,
		})
	}
	return st
}

// Shutdown stops accepting tasks, rejects everything pending, and stops all
// workers gracefully (SIGTERM, 5s grace, SIGKILL). Returns once every worker
// has exited or ctx expires, in which case survivors are killed outright.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	queued := s.queue
	s.queue = nil
	assigned := make([]*pendingTask, 0, len(s.pending))
	for id, pt := range s.pending {
		assigned = append(assigned, pt)
		delete(s.pending, id)
	}
	workers := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		w.stopping = true
		w.replaceOnExit = false
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, pt := range queued {
		pt.out <- outcome{err: ErrShuttingDown}
	}
	for _, pt := range assigned {
		if pt.timer != nil {
			pt.timer.Stop()
		}
		pt.out <- outcome{err: ErrShuttingDown}
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerProc) {
			defer wg.Done()
			_ = w.stdin.Close()
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-w.done:
			case <-time.After(shutdownGrace):
				_ = w.cmd.Process.Kill()
				<-w.done
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.KillAll()
		return ctx.Err()
	}
}

// KillAll is the last-resort process-exit sweep: best-effort SIGKILL on
// every remaining worker, no waiting.
func (s *Supervisor) KillAll() {
	s.mu.Lock()
	workers := make([]*workerProc, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		_ = w.cmd.Process.Kill()
	}
}
