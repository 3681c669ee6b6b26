package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"labcell/apperr"
	"labcell/inventory"
	"labcell/planner"
	"labcell/primitives"
	"labcell/rpcrobot"
	"labcell/scan"
)

// Handler executes command bodies against one robot link and the shared
// inventory store. It holds no task-engine state of its own — the
// taskengine package owns task records and calls into Handler per step.
type Handler struct {
	Store *inventory.Store
	Robot *rpcrobot.Client
	Scans *scan.Registry
}

// New creates a command handler bound to a single robot connection.
func New(store *inventory.Store, robot *rpcrobot.Client, scans *scan.Registry) *Handler {
	return &Handler{Store: store, Robot: robot, Scans: scans}
}

// Dispatch routes an envelope to its handler by cmd_type. Long-running
// cmd_types return their result once the caller (taskengine) has
// finished walking them; BOTTLE_GET and ENTER_ID are synchronous and
// return immediately. CANCEL and SCAN_QRCODE_RESULT act on task engine
// state directly and never reach here.
func (h *Handler) Dispatch(ctx context.Context, env Envelope) (interface{}, error) {
	switch env.CmdType {
	case CmdPickUp:
		return h.handlePickUp(ctx, env)
	case CmdPutTo:
		return h.handlePutTo(ctx, env)
	case CmdTransfer:
		return h.handleTransfer(ctx, env)
	case CmdScanQRCode:
		return h.handleScanQRCode(ctx, env)
	case CmdBottleGet:
		return h.handleBottleGet(env)
	case CmdEnterID:
		return h.handleEnterID(env)
	default:
		return nil, apperr.New(apperr.CodeUnknownCmdType, fmt.Sprintf("unknown cmd_type %q", env.CmdType))
	}
}

func (h *Handler) handlePickUp(ctx context.Context, env Envelope) (Result, error) {
	var params PickUpParams
	if err := decodeParams(env.Params, &params); err != nil {
		return Result{}, err
	}
	timeout := timeoutOrDefault(params.Timeout)

	var bottleIDs []string
	for _, tp := range params.TargetParams {
		bottleIDs = append(bottleIDs, tp.BottleID)
	}

	plan := planner.PlanPickup(h.Store, bottleIDs)
	result := Result{Success: true, Message: "PICK_UP complete", Total: len(bottleIDs)}
	for _, r := range plan.Rejected {
		result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: r.BottleID, Step: "reserve_back_platform", Code: r.Code})
	}

	for _, leg := range plan.Legs {
		if err := h.arriveAt(ctx, leg.NavigationPose, timeout); err != nil {
			for _, id := range leg.BottleIDs {
				h.Store.CancelReservation(plan.Reservations[id])
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: id, Step: "navigation_to_pose", Code: apperr.CodeOf(err)})
			}
			continue
		}

		for _, bottleID := range leg.BottleIDs {
			b, err := h.Store.LookupBottle(bottleID)
			if err != nil {
				h.Store.CancelReservation(plan.Reservations[bottleID])
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "lookup_bottle", Code: apperr.CodeOf(err)})
				continue
			}
			res := plan.Reservations[bottleID]
			destSlot, _ := h.Store.LookupSlot(res.PoseName)

			if err := primitives.GrabObject(ctx, h.Robot, string(b.ObjectType), b.Location, string(b.Hand), timeout); err != nil {
				h.Store.CancelReservation(res)
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "grab_object", Code: apperr.CodeOf(err)})
				continue
			}
			_ = primitives.TurnWaist(ctx, h.Robot, 180, true, timeout)
			if err := primitives.PutObject(ctx, h.Robot, string(b.ObjectType), destSlot.PoseName, string(b.Hand), primitives.SafePosePreset, timeout); err != nil {
				h.Store.CancelReservation(res)
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "put_object", Code: apperr.CodeOf(err)})
				_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
				continue
			}
			if err := h.Store.CommitPlace(res); err != nil {
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "commit_place", Code: apperr.CodeOf(err)})
				_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
				continue
			}
			_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
			result.SuccessCount++
		}
	}

	return result, nil
}

func (h *Handler) handlePutTo(ctx context.Context, env Envelope) (Result, error) {
	var params PutToParams
	if err := decodeParams(env.Params, &params); err != nil {
		return Result{}, err
	}
	timeout := timeoutOrDefault(params.Timeout)

	var releases []planner.ReleaseParam
	for _, rp := range params.ReleaseParams {
		releases = append(releases, planner.ReleaseParam{BottleID: rp.BottleID, ReleasePose: rp.ReleasePose})
	}

	plan := planner.PlanPut(h.Store, releases)
	result := Result{Success: true, Message: "PUT_TO complete", Total: len(releases)}
	for _, r := range plan.Rejected {
		result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: r.BottleID, Step: "reserve_release_pose", Code: r.Code})
	}

	for _, leg := range plan.Legs {
		if err := h.arriveAt(ctx, leg.NavigationPose, timeout); err != nil {
			for _, item := range leg.Items {
				h.Store.CancelReservation(plan.Reservations[item.BottleID])
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "navigation_to_pose", Code: apperr.CodeOf(err)})
			}
			continue
		}

		for _, item := range leg.Items {
			b, err := h.Store.LookupBottle(item.BottleID)
			if err != nil {
				h.Store.CancelReservation(plan.Reservations[item.BottleID])
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "lookup_bottle", Code: apperr.CodeOf(err)})
				continue
			}
			res := plan.Reservations[item.BottleID]

			_ = primitives.TurnWaist(ctx, h.Robot, 180, true, timeout)
			if err := primitives.GrabObject(ctx, h.Robot, string(b.ObjectType), b.Location, string(b.Hand), timeout); err != nil {
				h.Store.CancelReservation(res)
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "grab_object", Code: apperr.CodeOf(err)})
				_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
				continue
			}
			_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
			if err := primitives.PutObject(ctx, h.Robot, string(b.ObjectType), item.ReleasePose, string(b.Hand), primitives.SafePosePreset, timeout); err != nil {
				h.Store.CancelReservation(res)
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "put_object", Code: apperr.CodeOf(err)})
				continue
			}
			if err := h.Store.CommitPlace(res); err != nil {
				result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "commit_place", Code: apperr.CodeOf(err)})
				continue
			}
			result.SuccessCount++
		}
	}

	return result, nil
}

func (h *Handler) handleTransfer(ctx context.Context, env Envelope) (Result, error) {
	var params TransferParams
	if err := decodeParams(env.Params, &params); err != nil {
		return Result{}, err
	}
	timeout := timeoutOrDefault(params.Timeout)

	targetSet := make(map[string]bool, len(params.TargetParams))
	var targetIDs []string
	for _, tp := range params.TargetParams {
		targetSet[tp.BottleID] = true
		targetIDs = append(targetIDs, tp.BottleID)
	}
	releaseSet := make(map[string]bool, len(params.ReleaseParams))
	var releases []planner.ReleaseParam
	for _, rp := range params.ReleaseParams {
		releaseSet[rp.BottleID] = true
		releases = append(releases, planner.ReleaseParam{BottleID: rp.BottleID, ReleasePose: rp.ReleasePose})
	}

	result := Result{Success: true, Message: "TRANSFER complete", Total: len(targetIDs)}

	// A bottle_id present in only one of the two lists is rejected up
	// front, before the planner runs.
	var usableTargets []string
	for _, id := range targetIDs {
		if !releaseSet[id] {
			result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: id, Step: "validate", Code: apperr.CodeBadRequest})
			continue
		}
		usableTargets = append(usableTargets, id)
	}
	var usableReleases []planner.ReleaseParam
	for _, rp := range releases {
		if !targetSet[rp.BottleID] {
			result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: rp.BottleID, Step: "validate", Code: apperr.CodeBadRequest})
			continue
		}
		usableReleases = append(usableReleases, rp)
	}

	plan := planner.PlanTransfer(h.Store, usableTargets, usableReleases)
	for _, r := range plan.Rejected {
		result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: r.BottleID, Step: "plan_transfer", Code: r.Code})
	}

	for _, batch := range plan.Batches {
		for _, leg := range batch.Pickup.Legs {
			if err := h.arriveAt(ctx, leg.NavigationPose, timeout); err != nil {
				for _, id := range leg.BottleIDs {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: id, Step: "navigation_to_pose", Code: apperr.CodeOf(err)})
				}
				continue
			}
			for _, bottleID := range leg.BottleIDs {
				b, err := h.Store.LookupBottle(bottleID)
				if err != nil {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "lookup_bottle", Code: apperr.CodeOf(err)})
					continue
				}
				backSlot, err := h.Store.BackPlatformSlot(b.ObjectType)
				if err != nil {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "back_platform_slot", Code: apperr.CodeOf(err)})
					continue
				}
				if err := primitives.GrabObject(ctx, h.Robot, string(b.ObjectType), b.Location, string(b.Hand), timeout); err != nil {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "grab_object", Code: apperr.CodeOf(err)})
					continue
				}
				_ = primitives.TurnWaist(ctx, h.Robot, 180, true, timeout)
				if err := primitives.PutObject(ctx, h.Robot, string(b.ObjectType), backSlot.PoseName, string(b.Hand), primitives.SafePosePreset, timeout); err != nil {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: bottleID, Step: "put_object", Code: apperr.CodeOf(err)})
					_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
					continue
				}
				if err := h.Store.CommitRemove(b.Location, bottleID); err == nil {
					h.Store.RegisterBottle(inventory.Bottle{BottleID: bottleID, ObjectType: b.ObjectType, Hand: b.Hand, Location: backSlot.PoseName, ScannedAt: b.ScannedAt})
				}
				_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
			}
		}

		for _, leg := range batch.Put.Legs {
			if err := h.arriveAt(ctx, leg.NavigationPose, timeout); err != nil {
				for _, item := range leg.Items {
					h.Store.CancelReservation(batch.Put.Reservations[item.BottleID])
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "navigation_to_pose", Code: apperr.CodeOf(err)})
				}
				continue
			}
			for _, item := range leg.Items {
				b, err := h.Store.LookupBottle(item.BottleID)
				if err != nil {
					h.Store.CancelReservation(batch.Put.Reservations[item.BottleID])
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "lookup_bottle", Code: apperr.CodeOf(err)})
					continue
				}
				res := batch.Put.Reservations[item.BottleID]

				_ = primitives.TurnWaist(ctx, h.Robot, 180, true, timeout)
				if err := primitives.GrabObject(ctx, h.Robot, string(b.ObjectType), b.Location, string(b.Hand), timeout); err != nil {
					h.Store.CancelReservation(res)
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "grab_object", Code: apperr.CodeOf(err)})
					_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
					continue
				}
				_ = primitives.TurnWaist(ctx, h.Robot, 0, true, timeout)
				if err := primitives.PutObject(ctx, h.Robot, string(b.ObjectType), item.ReleasePose, string(b.Hand), primitives.SafePosePreset, timeout); err != nil {
					h.Store.CancelReservation(res)
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "put_object", Code: apperr.CodeOf(err)})
					continue
				}
				if err := h.Store.CommitPlace(res); err != nil {
					result.FailedBottles = append(result.FailedBottles, FailedBottle{BottleID: item.BottleID, Step: "commit_place", Code: apperr.CodeOf(err)})
					continue
				}
				result.SuccessCount++
			}
		}
	}

	return result, nil
}

func (h *Handler) handleBottleGet(env Envelope) ([]inventory.BottleSummary, error) {
	var params BottleGetParams
	if err := decodeParams(env.Params, &params); err != nil {
		return nil, err
	}
	filter := inventory.SummaryFilter{BottleID: params.BottleID, PoseName: params.PoseName, Detail: params.DetailParams}
	return h.Store.Summary(filter), nil
}

// handleScanQRCode runs the scan state machine to completion; it is
// invoked from inside the task engine's single worker, which already
// created the PENDING→RUNNING task record before dispatching here.
func (h *Handler) handleScanQRCode(ctx context.Context, env Envelope) (*scan.Result, error) {
	if len(env.Params) != 0 {
		var m map[string]interface{}
		if err := json.Unmarshal(env.Params, &m); err == nil && len(m) > 0 {
			return nil, apperr.New(apperr.CodeBadRequest, "SCAN_QRCODE takes no params")
		}
	}
	return scan.Run(ctx, h.Store, h.Robot, h.Scans, timeoutOrDefault(0))
}

func (h *Handler) handleEnterID(env Envelope) (map[string]string, error) {
	var params EnterIDParams
	if err := decodeParams(env.Params, &params); err != nil {
		return nil, err
	}
	if err := h.Scans.DeliverID(params.BottleID, params.Type); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ack"}, nil
}

// arriveAt performs the waiting_navigation_status → navigation_to_pose
// pair every leg begins with.
func (h *Handler) arriveAt(ctx context.Context, nav string, timeout time.Duration) error {
	if err := primitives.WaitingNavigationStatus(ctx, h.Robot, timeout); err != nil {
		return err
	}
	return primitives.NavigationToPose(ctx, h.Robot, nav, timeout)
}
