// Package scan implements the long-running SCAN_QRCODE workflow as a
// linear state machine (its order is listed in the stateOrder table,
// which Run does not read; Run sets each status itself) instead of a
// free-form goroutine, generalized here to the scan/detect/wait-for-id/
// put vocabulary of the original task_state_machine.py and
// cmd_handler.py's scan loop.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labcell/apperr"
	"labcell/inventory"
	"labcell/primitives"
	"labcell/rpcrobot"
)

// Status is one state of the scan state machine.
type Status string

const (
	StatusNavigatingToScan  Status = "NAVIGATING_TO_SCAN"
	StatusGrabScanGun       Status = "GRAB_SCAN_GUN"
	StatusCVDetecting       Status = "CV_DETECTING"
	StatusGrabbingBottle    Status = "GRABBING_BOTTLE"
	StatusScanning          Status = "SCANNING"
	StatusWaitingIDInput    Status = "WAITING_ID_INPUT"
	StatusPuttingToBack     Status = "PUTTING_TO_BACK"
	StatusTurningBackFront  Status = "TURNING_BACK_FRONT"
	StatusNavigatingToSplit Status = "NAVIGATING_TO_SPLIT"
	StatusPuttingDown       Status = "PUTTING_DOWN"
	StatusCompleted         Status = "COMPLETED"
	StatusError             Status = "ERROR"
	StatusCancelled         Status = "CANCELLED"
)

// stateOrder documents the fixed progression a successful scan session
// walks through. The main loop below revisits
// CV_DETECTING/GRABBING_BOTTLE/SCANNING/WAITING_ID_INPUT/
// PUTTING_TO_BACK/TURNING_BACK_FRONT once per bottle.
var stateOrder = []Status{
	StatusNavigatingToScan,
	StatusGrabScanGun,
	StatusCVDetecting,
	StatusGrabbingBottle,
	StatusScanning,
	StatusWaitingIDInput,
	StatusPuttingToBack,
	StatusTurningBackFront,
	StatusNavigatingToSplit,
	StatusPuttingDown,
}

// BottleInfo describes the bottle cv_detect most recently reported.
type BottleInfo struct {
	TargetPose string `json:"target_pose"`
	Type       string `json:"type"`
}

// ScannedBottle is a committed entry of a session's scanned_bottles list.
type ScannedBottle struct {
	BottleID    string `json:"bottle_id"`
	Type        string `json:"type"`
	ReleasePose string `json:"release_pose"`
}

// FailedDetection records a detection this session could not carry to
// completion (e.g. reserving a scan-table temp slot failed).
type FailedDetection struct {
	Step string      `json:"step"`
	Code apperr.Code `json:"code"`
}

// Result is the outcome of a completed, errored or cancelled scan run.
type Result struct {
	Status         Status            `json:"status"`
	ScannedBottles []ScannedBottle   `json:"scanned_bottles"`
	FailedBottles  []FailedDetection `json:"failed_bottles"`
	Message        string            `json:"message"`
}

type enterIDPayload struct {
	BottleID string
	Type     string
}

// Session is one in-flight scan run's externally visible state: the
// worker mutates it under mu as it moves through the states; ENTER_ID and status
// pollers read it under the same lock.
type Session struct {
	mu                sync.Mutex
	status            Status
	currentBottleInfo *BottleInfo
	scannedBottles    []ScannedBottle
	pendingIDInput    chan enterIDPayload
	cancelRequested   bool
}

func newSession() *Session {
	return &Session{status: StatusNavigatingToScan}
}

// Status returns the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentBottleInfo returns the detection currently being processed, if
// the session is at or past CV_DETECTING for the active bottle.
func (s *Session) CurrentBottleInfo() *BottleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentBottleInfo
}

// ScannedBottles returns a snapshot of bottles committed so far.
func (s *Session) ScannedBottles() []ScannedBottle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScannedBottle, len(s.scannedBottles))
	copy(out, s.scannedBottles)
	return out
}

// RequestCancel sets the cooperative cancellation flag; it is observed
// only at step boundaries, never in the middle of a primitive call.
func (s *Session) RequestCancel() {
	s.mu.Lock()
	s.cancelRequested = true
	s.mu.Unlock()
}

func (s *Session) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) setCurrentBottleInfo(info *BottleInfo) {
	s.mu.Lock()
	s.currentBottleInfo = info
	s.mu.Unlock()
}

func (s *Session) commitScanned(sb ScannedBottle) {
	s.mu.Lock()
	s.scannedBottles = append(s.scannedBottles, sb)
	s.mu.Unlock()
}

// deliver hands an ENTER_ID payload to a session waiting at
// WAITING_ID_INPUT. Concurrent deliveries race on the buffered channel
// send, not the status check, so exactly one succeeds.
func (s *Session) deliver(bottleID, typ string) error {
	s.mu.Lock()
	if s.status != StatusWaitingIDInput || s.pendingIDInput == nil {
		s.mu.Unlock()
		return apperr.New(apperr.CodeNoTaskWaiting, "no scan task waiting for enter_id")
	}
	info := s.currentBottleInfo
	ch := s.pendingIDInput
	s.mu.Unlock()

	if info == nil || info.Type != typ {
		return apperr.New(apperr.CodeEnterIDTypeMismatch, fmt.Sprintf("enter_id type %q does not match detected type %q", typ, info.Type))
	}

	select {
	case ch <- enterIDPayload{BottleID: bottleID, Type: typ}:
		return nil
	default:
		return apperr.New(apperr.CodeNoTaskWaiting, "scan task already received id input")
	}
}

// Registry tracks the single scan session currently waiting for external
// input, if any. Only one task runs at a time (the task engine has a
// single worker), so there is never more than one candidate.
type Registry struct {
	mu      sync.Mutex
	current *Session
}

// NewRegistry creates an empty scan session registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) setCurrent(s *Session) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *Registry) clearCurrent(s *Session) {
	r.mu.Lock()
	if r.current == s {
		r.current = nil
	}
	r.mu.Unlock()
}

// DeliverID routes an ENTER_ID command to the currently waiting session.
func (r *Registry) DeliverID(bottleID, typ string) error {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return apperr.New(apperr.CodeNoTaskWaiting, "no scan task waiting for enter_id")
	}
	return s.deliver(bottleID, typ)
}

// CurrentStatus reports the running scan session's status, if any, for
// SCAN_QRCODE_RESULT-style status polling from the task engine.
func (r *Registry) CurrentStatus() (Status, bool) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return "", false
	}
	return s.Status(), true
}

// CurrentBottleInfo reports the running scan session's in-progress
// detection, if any, for task-status overlay.
func (r *Registry) CurrentBottleInfo() (*BottleInfo, bool) {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return nil, false
	}
	return s.CurrentBottleInfo(), true
}

// RequestCancel forwards a cancellation request to the running scan
// session, if any. A no-op when no session is registered.
func (r *Registry) RequestCancel() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s != nil {
		s.RequestCancel()
	}
}

const (
	scanGunObjectType = "scan_gun"
	scanGunHand       = "right"
	waistBack         = 180.0
	waistFront        = 0.0
)

// Run drives one scan session from NAVIGATING_TO_SCAN through to a
// terminal status, registering itself with reg so a concurrent ENTER_ID
// can find it while it is WAITING_ID_INPUT. It is meant to be called
// from inside the task engine's single worker goroutine — there is no
// internal concurrency — primitive operations execute in strict program
// order within a session.
func Run(ctx context.Context, store *inventory.Store, robot *rpcrobot.Client, reg *Registry, timeout time.Duration) (*Result, error) {
	session := newSession()
	session.pendingIDInput = make(chan enterIDPayload, 1)
	reg.setCurrent(session)
	defer reg.clearCurrent(session)

	result := &Result{}

	scanTable, err := store.SlotByCategory(inventory.CategoryScanTable, "")
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}
	splitStation, err := store.SlotByCategory(inventory.CategorySplitStation, "")
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}

	session.setStatus(StatusNavigatingToScan)
	if err := arriveAt(ctx, robot, scanTable.NavigationPose, timeout); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}

	session.setStatus(StatusGrabScanGun)
	if err := primitives.GrabObject(ctx, robot, scanGunObjectType, scanTable.PoseName, scanGunHand, timeout); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		return result, err
	}

	// tempOccupancy simulates the scan-table temp area's per-type capacity:
	// each bottle this session carries all the way to commitScanned
	// consumes one unit for the rest of the run (it is never released,
	// since the physical buffer keeps backing it until hand-off), the way
	// planner.PlanTransfer simulates back-platform capacity locally rather
	// than holding a Store reservation across an entire multi-step batch.
	tempOccupancy := map[inventory.ObjectType]int{}
	misses := 0

	for {
		if session.cancelled() {
			session.setStatus(StatusCancelled)
			result.Status = StatusCancelled
			result.ScannedBottles = session.ScannedBottles()
			result.Message = "cancelled at step boundary"
			return result, nil
		}

		session.setStatus(StatusCVDetecting)
		detection, err := primitives.CVDetect(ctx, robot, timeout)
		if err != nil {
			misses++
			if misses >= 2 {
				break
			}
			continue
		}
		if !detection.Detected {
			misses++
			if misses >= 2 {
				break
			}
			continue
		}
		misses = 0
		session.setCurrentBottleInfo(&BottleInfo{TargetPose: detection.TargetPose, Type: detection.BottleType})
		objType := inventory.ObjectType(detection.BottleType)

		backSlot, err := store.SlotByCategory(inventory.CategoryBackPlatform, objType)
		if err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "back_platform_slot", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}

		tempSlot, err := store.SlotByCategory(inventory.CategoryDetectTemp, objType)
		if err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "detect_temp_slot", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}

		session.setStatus(StatusGrabbingBottle)
		if err := primitives.GrabObject(ctx, robot, detection.BottleType, detection.TargetPose, scanGunHand, timeout); err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "grab_object", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}

		if tempOccupancy[objType] >= tempSlot.Capacity {
			// Return-and-cancel: the scan-table temp area for this type is
			// full. This detection's grab is reversed by setting the bottle
			// back down where it was found; everything committed earlier
			// this session is left untouched, and the session ends here.
			_ = primitives.PutObject(ctx, robot, detection.BottleType, detection.TargetPose, scanGunHand, primitives.SafePoseRetract, timeout)
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "detect_temp_full", Code: apperr.CodeSlotFull})
			session.setCurrentBottleInfo(nil)
			break
		}

		session.setStatus(StatusScanning)
		if err := primitives.Scan(ctx, robot, timeout); err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "scan", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}

		session.setStatus(StatusWaitingIDInput)
		var payload enterIDPayload
		select {
		case payload = <-session.pendingIDInput:
		case <-ctx.Done():
			session.setStatus(StatusCancelled)
			result.Status = StatusCancelled
			result.ScannedBottles = session.ScannedBottles()
			return result, ctx.Err()
		}

		if payload.Type != detection.BottleType {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "enter_id_type_mismatch", Code: apperr.CodeEnterIDTypeMismatch})
			session.setCurrentBottleInfo(nil)
			continue
		}

		store.RegisterBottle(inventory.Bottle{BottleID: payload.BottleID, ObjectType: objType})

		backRes, err := store.Reserve(backSlot.PoseName, payload.BottleID)
		if err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "reserve_back_platform", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}

		session.setStatus(StatusPuttingToBack)
		if err := primitives.PutObject(ctx, robot, detection.BottleType, backSlot.PoseName, scanGunHand, primitives.SafePosePreset, timeout); err != nil {
			store.CancelReservation(backRes)
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "put_object_back", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}
		if err := store.CommitPlace(backRes); err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "commit_place", Code: apperr.CodeOf(err)})
			session.setCurrentBottleInfo(nil)
			continue
		}
		tempOccupancy[objType]++

		session.setStatus(StatusTurningBackFront)
		_ = primitives.TurnWaist(ctx, robot, waistFront, true, timeout)

		session.commitScanned(ScannedBottle{BottleID: payload.BottleID, Type: detection.BottleType, ReleasePose: splitStation.PoseName})
		session.setCurrentBottleInfo(nil)
	}

	session.setStatus(StatusNavigatingToSplit)
	if err := arriveAt(ctx, robot, splitStation.NavigationPose, timeout); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.ScannedBottles = session.ScannedBottles()
		return result, err
	}

	session.setStatus(StatusPuttingDown)
	for _, sb := range session.ScannedBottles() {
		b, err := store.LookupBottle(sb.BottleID)
		if err != nil || b.Location == "" {
			continue
		}
		splitRes, err := store.Reserve(splitStation.PoseName, sb.BottleID)
		if err != nil {
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "reserve_split_station", Code: apperr.CodeOf(err)})
			continue
		}
		if err := primitives.GrabObject(ctx, robot, sb.Type, b.Location, scanGunHand, timeout); err != nil {
			store.CancelReservation(splitRes)
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "grab_object", Code: apperr.CodeOf(err)})
			continue
		}
		_ = primitives.TurnWaist(ctx, robot, waistBack, true, timeout)
		if err := primitives.PutObject(ctx, robot, sb.Type, splitStation.PoseName, scanGunHand, primitives.SafePosePreset, timeout); err != nil {
			store.CancelReservation(splitRes)
			result.FailedBottles = append(result.FailedBottles, FailedDetection{Step: "put_object", Code: apperr.CodeOf(err)})
			_ = primitives.TurnWaist(ctx, robot, waistFront, true, timeout)
			continue
		}
		_ = store.CommitPlace(splitRes)
		_ = primitives.TurnWaist(ctx, robot, waistFront, true, timeout)
	}

	session.setStatus(StatusCompleted)
	result.Status = StatusCompleted
	result.ScannedBottles = session.ScannedBottles()
	result.Message = "scan complete"
	return result, nil
}

func arriveAt(ctx context.Context, robot *rpcrobot.Client, nav string, timeout time.Duration) error {
	if err := primitives.WaitingNavigationStatus(ctx, robot, timeout); err != nil {
		return err
	}
	return primitives.NavigationToPose(ctx, robot, nav, timeout)
}
