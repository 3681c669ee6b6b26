package taskengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labcell/apperr"
	"labcell/commands"
	"labcell/internal/mockrobot"
	"labcell/inventory"
	"labcell/rpcrobot"
	"labcell/scan"
)

// fakeDispatcher lets each test script per-cmd_type behavior without a
// real robot link, the way dispatcher_test.go's mockBackend stands in
// for a fleet vendor.
type fakeDispatcher struct {
	fn func(ctx context.Context, env commands.Envelope) (interface{}, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, env commands.Envelope) (interface{}, error) {
	return f.fn(ctx, env)
}

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSubmitRunsToCompletion(t *testing.T) {
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return commands.Result{Success: true, Message: "ok", SuccessCount: 1, Total: 1}, nil
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	rec := e.Submit(commands.Envelope{CmdID: "c1", CmdType: commands.CmdPickUp})
	if rec.Status != StatusPending {
		t.Fatalf("expected PENDING immediately after submit, got %s", rec.Status)
	}

	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, time.Second)

	snap, err := e.Status(rec.TaskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	res, ok := snap.Result.(commands.Result)
	if !ok || !res.Success {
		t.Fatalf("unexpected result: %+v", snap.Result)
	}
	if snap.StartTime == nil || snap.EndTime == nil {
		t.Fatal("expected start_time and end_time to be set")
	}
}

func TestDispatchErrorMarksFailed(t *testing.T) {
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return nil, apperr.New(apperr.CodeUnknownCmdType, "boom")
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	rec := e.Submit(commands.Envelope{CmdID: "c2", CmdType: "BOGUS"})
	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusFailed
	}, time.Second)

	snap, _ := e.Status(rec.TaskID)
	if snap.ErrorMessage == "" {
		t.Fatal("expected error_message to be set")
	}
}

func TestDispatchPanicMarksFailedWithoutKillingWorker(t *testing.T) {
	calls := 0
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		calls++
		if calls == 1 {
			panic("handler exploded")
		}
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	first := e.Submit(commands.Envelope{CmdID: "c3", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(first.TaskID)
		return err == nil && snap.Status == StatusFailed
	}, time.Second)

	second := e.Submit(commands.Envelope{CmdID: "c4", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(second.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, time.Second)
}

func TestStatusUnknownTask(t *testing.T) {
	e := New(&fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return nil, nil
	}}, scan.NewRegistry())

	_, err := e.Status("does-not-exist")
	if apperr.CodeOf(err) != apperr.CodeTaskNotFound {
		t.Fatalf("expected CodeTaskNotFound, got %v", err)
	}
}

func TestCancelPendingTaskNeverDispatches(t *testing.T) {
	block := make(chan struct{})
	dispatched := make(chan string, 8)
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		dispatched <- env.CmdID
		<-block
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	// The first submission occupies the single worker so the second is
	// still PENDING in the queue when we cancel it.
	first := e.Submit(commands.Envelope{CmdID: "hold", CmdType: commands.CmdPickUp})
	<-dispatched
	second := e.Submit(commands.Envelope{CmdID: "cancel-me", CmdType: commands.CmdPickUp})

	if err := e.Cancel(second.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap, err := e.Status(second.TaskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", snap.Status)
	}

	close(block)
	waitFor(t, func() bool {
		snap, err := e.Status(first.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, time.Second)

	select {
	case cmdID := <-dispatched:
		t.Fatalf("cancelled task should never dispatch, got %q", cmdID)
	default:
	}
}

func TestCancelAlreadyTerminalTaskRejected(t *testing.T) {
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	rec := e.Submit(commands.Envelope{CmdID: "c5", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, time.Second)

	err := e.Cancel(rec.TaskID)
	if apperr.CodeOf(err) != apperr.CodeTaskAlreadyTerminal {
		t.Fatalf("expected CodeTaskAlreadyTerminal, got %v", err)
	}
}

func TestQueueStatusCounts(t *testing.T) {
	release := make(chan struct{})
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		if env.CmdID == "fail-me" {
			return nil, errors.New("nope")
		}
		<-release
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	e.Start()
	defer e.Stop()

	failing := e.Submit(commands.Envelope{CmdID: "fail-me", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(failing.TaskID)
		return err == nil && snap.Status == StatusFailed
	}, time.Second)

	holding := e.Submit(commands.Envelope{CmdID: "hold-me", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		qs := e.QueueStatus()
		return qs.RunningTask == holding.TaskID
	}, time.Second)

	e.Submit(commands.Envelope{CmdID: "queued-1", CmdType: commands.CmdPickUp})
	e.Submit(commands.Envelope{CmdID: "queued-2", CmdType: commands.CmdPickUp})

	qs := e.QueueStatus()
	if qs.FailedTasks != 1 {
		t.Fatalf("expected 1 failed task, got %d", qs.FailedTasks)
	}
	if qs.QueueSize != 2 {
		t.Fatalf("expected 2 still queued, got %d", qs.QueueSize)
	}
	if qs.TotalTasks != 4 {
		t.Fatalf("expected 4 total tasks, got %d", qs.TotalTasks)
	}
	close(release)
}

func newScanTestStore() *inventory.Store {
	s := inventory.New()
	s.RegisterSlot(inventory.Slot{PoseName: "scan_table_1", Category: inventory.CategoryScanTable, NavigationPose: "nav_scan", Capacity: 1})
	s.RegisterSlot(inventory.Slot{PoseName: "detect_temp_1000", Category: inventory.CategoryDetectTemp, NavigationPose: "nav_scan", AcceptedType: inventory.Glass1000, Capacity: 1})
	s.RegisterSlot(inventory.Slot{PoseName: "back_platform_1000", Category: inventory.CategoryBackPlatform, NavigationPose: "nav_scan", AcceptedType: inventory.Glass1000, Capacity: 2})
	s.RegisterSlot(inventory.Slot{PoseName: "split_station_1", Category: inventory.CategorySplitStation, NavigationPose: "nav_split", Capacity: 8})
	return s
}

func dialMockRobot(t *testing.T, mock *mockrobot.Server) *rpcrobot.Client {
	t.Helper()
	c := rpcrobot.New(rpcrobot.Config{
		Name:          "test-robot",
		URL:           mock.URL(),
		RetryInterval: 10 * time.Millisecond,
		DialTimeout:   time.Second,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestScanQRCodeStatusOverlayWaiting drives a real scan.Run session and
// confirms Engine.Status overlays WAITING plus the in-progress detection
// while the worker is blocked inside the scan state machine.
func TestScanQRCodeStatusOverlayWaiting(t *testing.T) {
	mock := mockrobot.New()
	defer mock.Close()
	detects := 0
	mock.SetResponder(func(call mockrobot.Call) (bool, map[string]interface{}, string) {
		if call.Action == "cv_detect" {
			detects++
			if detects == 1 {
				return true, map[string]interface{}{"target_pose": "shelf_x", "bottle_type": string(inventory.Glass1000)}, ""
			}
			return true, map[string]interface{}{}, ""
		}
		return true, map[string]interface{}{"finish": true}, ""
	})

	robot := dialMockRobot(t, mock)
	store := newScanTestStore()
	reg := scan.NewRegistry()

	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return scan.Run(ctx, store, robot, reg, time.Second)
	}}
	e := New(disp, reg)
	e.Start()
	defer e.Stop()

	rec := e.Submit(commands.Envelope{CmdID: "s1", CmdType: commands.CmdScanQRCode})

	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusWaiting
	}, 2*time.Second)

	snap, err := e.Status(rec.TaskID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.CurrentStep != string(scan.StatusWaitingIDInput) {
		t.Fatalf("expected current_step %s, got %s", scan.StatusWaitingIDInput, snap.CurrentStep)
	}
	if snap.CurrentBottleInfo == nil {
		t.Fatal("expected current_bottle_info to be populated while WAITING")
	}

	if err := e.EnterID("B-1", string(inventory.Glass1000)); err != nil {
		t.Fatalf("EnterID: %v", err)
	}

	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, 2*time.Second)

	snap, _ = e.Status(rec.TaskID)
	res, ok := snap.Result.(*scan.Result)
	if !ok || res.Status != scan.StatusCompleted || len(res.ScannedBottles) != 1 {
		t.Fatalf("unexpected scan result: %+v", snap.Result)
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) EmitTaskStatusChanged(taskID, cmdID, cmdType, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}

func (r *recordingEmitter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestEmitterSeesCompletedTransition(t *testing.T) {
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	em := &recordingEmitter{}
	e.SetEmitter(em)
	e.Start()
	defer e.Stop()

	rec := e.Submit(commands.Envelope{CmdID: "c9", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(rec.TaskID)
		return err == nil && snap.Status == StatusCompleted
	}, time.Second)

	waitFor(t, func() bool { return len(em.snapshot()) == 1 }, time.Second)
	events := em.snapshot()
	if events[0] != string(StatusCompleted) {
		t.Fatalf("expected emitted status COMPLETED, got %v", events)
	}
}

func TestEmitterSeesImmediateCancellation(t *testing.T) {
	block := make(chan struct{})
	disp := &fakeDispatcher{fn: func(ctx context.Context, env commands.Envelope) (interface{}, error) {
		<-block
		return commands.Result{Success: true}, nil
	}}
	e := New(disp, scan.NewRegistry())
	em := &recordingEmitter{}
	e.SetEmitter(em)
	e.Start()
	defer func() { close(block); e.Stop() }()

	blocker := e.Submit(commands.Envelope{CmdID: "c10", CmdType: commands.CmdPickUp})
	waitFor(t, func() bool {
		snap, err := e.Status(blocker.TaskID)
		return err == nil && snap.Status == StatusRunning
	}, time.Second)

	rec := e.Submit(commands.Envelope{CmdID: "c11", CmdType: commands.CmdPickUp})
	if err := e.Cancel(rec.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	waitFor(t, func() bool { return len(em.snapshot()) == 1 }, time.Second)
	if got := em.snapshot()[0]; got != string(StatusCancelled) {
		t.Fatalf("expected CANCELLED emitted, got %v", got)
	}
}
