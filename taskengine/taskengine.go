// Package taskengine implements a single FIFO task queue and worker:
// one goroutine drains submitted command envelopes so no two tasks ever
// contend for the same robot, the way original_source/task_queue.py's
// TaskQueue owns one worker thread per process.
package taskengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"labcell/apperr"
	"labcell/commands"
	"labcell/scan"
)

// Status is a task record's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Record is a task's externally visible state. The engine is the only
// mutator; every other caller sees a snapshot copy.
type Record struct {
	TaskID            string      `json:"task_id"`
	CmdID             string      `json:"cmd_id"`
	CmdType           string      `json:"cmd_type"`
	Status            Status      `json:"status"`
	SubmitTime        time.Time   `json:"submit_time"`
	StartTime         *time.Time  `json:"start_time,omitempty"`
	EndTime           *time.Time  `json:"end_time,omitempty"`
	CurrentStep       string      `json:"current_step,omitempty"`
	CurrentBottleInfo interface{} `json:"current_bottle_info,omitempty"`
	Result            interface{} `json:"result,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`

	cancelRequested bool
}

func (r *Record) snapshot() *Record {
	cp := *r
	return &cp
}

// Dispatcher executes one command envelope and returns its result
// document or error; commands.Handler satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, env commands.Envelope) (interface{}, error)
}

type queuedTask struct {
	record *Record
	env    commands.Envelope
}

// QueueStatus is the GET /queue/status projection.
type QueueStatus struct {
	QueueSize      int    `json:"queue_size"`
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	FailedTasks    int    `json:"failed_tasks"`
	RunningTask    string `json:"running_task,omitempty"`
}

// Engine is the task registry plus single worker. All record mutation
// happens under mu; readers get a deep-enough-copy snapshot.
//
// Emitter receives a notification whenever a task reaches a terminal
// status (COMPLETED, FAILED or CANCELLED, including a PENDING task
// cancelled before dispatch). The PENDING → RUNNING transition is not
// reported. The engine composition root implements this to fan these
// events out onto its event bus; nil by default.
type Emitter interface {
	EmitTaskStatusChanged(taskID, cmdID, cmdType, status string)
}

type Engine struct {
	mu         sync.Mutex
	records    map[string]*Record
	queue      chan queuedTask
	queued     int
	running    *Record
	dispatcher Dispatcher
	scans      *scan.Registry
	stopCh     chan struct{}
	wg         sync.WaitGroup
	emitter    Emitter
}

// SetEmitter registers the transition notification sink.
func (e *Engine) SetEmitter(em Emitter) {
	e.mu.Lock()
	e.emitter = em
	e.mu.Unlock()
}

func (e *Engine) emit(taskID, cmdID, cmdType string, status Status) {
	e.mu.Lock()
	em := e.emitter
	e.mu.Unlock()
	if em != nil {
		em.EmitTaskStatusChanged(taskID, cmdID, cmdType, string(status))
	}
}

// New creates a task engine. dispatcher executes each submitted
// envelope; scans is consulted for live SCAN_QRCODE sub-status while a
// scan task is RUNNING, and for routing EnterID/RequestCancel.
func New(dispatcher Dispatcher, scans *scan.Registry) *Engine {
	return &Engine{
		records:    make(map[string]*Record),
		queue:      make(chan queuedTask, 256),
		dispatcher: dispatcher,
		scans:      scans,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the single worker goroutine.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop signals the worker to exit once its current dispatch returns and
// waits for it.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Submit creates a PENDING record for env, enqueues it, and returns
// immediately with the new task's id.
func (e *Engine) Submit(env commands.Envelope) *Record {
	rec := &Record{
		TaskID:     uuid.NewString(),
		CmdID:      env.CmdID,
		CmdType:    env.CmdType,
		Status:     StatusPending,
		SubmitTime: time.Now(),
	}

	e.mu.Lock()
	e.records[rec.TaskID] = rec
	e.queued++
	snap := rec.snapshot()
	e.mu.Unlock()

	e.queue <- queuedTask{record: rec, env: env}
	return snap
}

// Status returns a snapshot of the task record, overlaying the scan
// registry's live sub-status and current detection when the task is a
// RUNNING SCAN_QRCODE session — the worker is blocked inside scan.Run at
// that point and cannot update the record itself.
func (e *Engine) Status(taskID string) (*Record, error) {
	e.mu.Lock()
	rec, ok := e.records[taskID]
	var snap *Record
	if ok {
		snap = rec.snapshot()
	}
	e.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.CodeTaskNotFound, fmt.Sprintf("task %q not found", taskID))
	}

	if snap.CmdType == commands.CmdScanQRCode && snap.Status == StatusRunning {
		if st, ok := e.scans.CurrentStatus(); ok {
			snap.CurrentStep = string(st)
			if st == scan.StatusWaitingIDInput {
				snap.Status = StatusWaiting
			}
			if info, ok := e.scans.CurrentBottleInfo(); ok && info != nil {
				snap.CurrentBottleInfo = info
			}
		}
	}
	return snap, nil
}

// EnterID delivers an ENTER_ID command to the currently waiting scan
// session.
func (e *Engine) EnterID(bottleID, typ string) error {
	return e.scans.DeliverID(bottleID, typ)
}

// Cancel sets a task's cancellation flag. A still-PENDING task is
// retired as CANCELLED immediately, before the worker ever dispatches
// it. A RUNNING SCAN_QRCODE task forwards the request to its live scan
// session, observed at the next detection-loop boundary. Other RUNNING
// command types have no finer step boundary than the whole dispatch
// call, so cancelling them only takes effect once that call returns —
// the rule that one primitive may still run to completion after cancel,
// loosely generalized to one whole command for non-state-machine
// handlers.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	rec, ok := e.records[taskID]
	if !ok {
		e.mu.Unlock()
		return apperr.New(apperr.CodeTaskNotFound, fmt.Sprintf("task %q not found", taskID))
	}
	if rec.Status.terminal() {
		e.mu.Unlock()
		return apperr.New(apperr.CodeTaskAlreadyTerminal, fmt.Sprintf("task %q is already %s", taskID, rec.Status))
	}

	rec.cancelRequested = true
	pending := rec.Status == StatusPending
	if pending {
		now := time.Now()
		rec.Status = StatusCancelled
		rec.EndTime = &now
		e.queued--
	}
	cmdType := rec.CmdType
	cmdID := rec.CmdID
	e.mu.Unlock()

	if pending {
		e.emit(taskID, cmdID, cmdType, StatusCancelled)
	}
	if !pending && cmdType == commands.CmdScanQRCode {
		e.scans.RequestCancel()
	}
	return nil
}

// QueueStatus reports the current queue depth and task counts.
func (e *Engine) QueueStatus() QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	qs := QueueStatus{QueueSize: e.queued, TotalTasks: len(e.records)}
	if e.running != nil {
		qs.RunningTask = e.running.TaskID
	}
	for _, r := range e.records {
		switch r.Status {
		case StatusCompleted:
			qs.CompletedTasks++
		case StatusFailed:
			qs.FailedTasks++
		}
	}
	return qs
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case qt := <-e.queue:
			e.execute(qt)
		}
	}
}

// execute dispatches one task, transitioning PENDING → RUNNING →
// terminal. A dispatch panic or error becomes FAILED with
// error_message set from its text; the worker itself never exits.
func (e *Engine) execute(qt queuedTask) {
	rec := qt.record

	e.mu.Lock()
	if rec.Status != StatusPending {
		// Already cancelled while still queued; Cancel already took it
		// out of the queued count.
		e.mu.Unlock()
		return
	}
	e.queued--
	now := time.Now()
	rec.Status = StatusRunning
	rec.StartTime = &now
	e.running = rec
	e.mu.Unlock()

	result, err := e.safeDispatch(qt.env)

	e.mu.Lock()
	e.running = nil
	end := time.Now()
	rec.EndTime = &end
	rec.Result = result
	switch {
	case err != nil:
		rec.ErrorMessage = err.Error()
		if rec.cancelRequested {
			rec.Status = StatusCancelled
		} else {
			rec.Status = StatusFailed
		}
	case rec.cancelRequested:
		rec.Status = StatusCancelled
	default:
		rec.Status = StatusCompleted
	}
	taskID, cmdID, cmdType, status := rec.TaskID, rec.CmdID, rec.CmdType, rec.Status
	e.mu.Unlock()

	e.emit(taskID, cmdID, cmdType, status)
}

func (e *Engine) safeDispatch(env commands.Envelope) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.CodeInternal, fmt.Sprintf("handler panic: %v", p))
		}
	}()
	return e.dispatcher.Dispatch(context.Background(), env)
}
