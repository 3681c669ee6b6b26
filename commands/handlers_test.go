package commands

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"labcell/apperr"
	"labcell/internal/mockrobot"
	"labcell/inventory"
	"labcell/rpcrobot"
	"labcell/scan"
)

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func dialMock(t *testing.T, mock *mockrobot.Server) *rpcrobot.Client {
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

// newPickPutStore registers two shelf bottles, a back-platform slot with
// room for both, and a worktable release pose — enough surface for
// PICK_UP/PUT_TO/TRANSFER exercises.
func newPickPutStore() *inventory.Store {
	s := inventory.New()
	s.RegisterSlot(inventory.Slot{PoseName: "shelf_a", Category: inventory.CategoryShelf, NavigationPose: "nav_shelf_a", AcceptedType: inventory.Glass1000, Capacity: 2})
	s.RegisterSlot(inventory.Slot{PoseName: "back_platform_1000", Category: inventory.CategoryBackPlatform, NavigationPose: "nav_back", AcceptedType: inventory.Glass1000, Capacity: 2})
	s.RegisterSlot(inventory.Slot{PoseName: "worktable_1", Category: inventory.CategoryWorktable, NavigationPose: "nav_worktable", AcceptedType: inventory.Glass1000, Capacity: 2})

	s.RegisterBottle(inventory.Bottle{BottleID: "B-1", ObjectType: inventory.Glass1000, Hand: inventory.HandRight, Location: "shelf_a"})
	s.RegisterBottle(inventory.Bottle{BottleID: "B-2", ObjectType: inventory.Glass1000, Hand: inventory.HandRight, Location: "shelf_a"})
	s.RegisterSlot(inventory.Slot{PoseName: "shelf_a", Category: inventory.CategoryShelf, NavigationPose: "nav_shelf_a", AcceptedType: inventory.Glass1000, Capacity: 2, Occupants: []string{"B-1", "B-2"}})
	return s
}

func newHandler(t *testing.T, store *inventory.Store) *Handler {
	t.Helper()
	mock := mockrobot.New()
	t.Cleanup(mock.Close)
	robot := dialMock(t, mock)
	return New(store, robot, scan.NewRegistry())
}

func TestHandlePickUpMovesBottlesToBackPlatform(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c1", CmdType: CmdPickUp, Params: mustJSON(t, PickUpParams{
		TargetParams: []TargetParam{{BottleID: "B-1"}, {BottleID: "B-2"}},
	})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result := out.(Result)
	if !result.Success || result.SuccessCount != 2 || result.Total != 2 || len(result.FailedBottles) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	for _, id := range []string{"B-1", "B-2"} {
		b, err := store.LookupBottle(id)
		if err != nil {
			t.Fatalf("LookupBottle(%s): %v", id, err)
		}
		if b.Location != "back_platform_1000" {
			t.Fatalf("expected %s on back_platform_1000, got %q", id, b.Location)
		}
	}
}

func TestHandlePickUpRejectsUnknownBottle(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c2", CmdType: CmdPickUp, Params: mustJSON(t, PickUpParams{
		TargetParams: []TargetParam{{BottleID: "GHOST"}},
	})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result := out.(Result)
	if result.SuccessCount != 0 || len(result.FailedBottles) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.FailedBottles[0].Code != apperr.CodeBottleUnknown {
		t.Fatalf("expected CodeBottleUnknown, got %v", result.FailedBottles[0].Code)
	}
}

func TestHandlePutToReleasesBottleFromBackPlatform(t *testing.T) {
	store := newPickPutStore()
	store.RegisterBottle(inventory.Bottle{BottleID: "B-3", ObjectType: inventory.Glass1000, Hand: inventory.HandRight, Location: "back_platform_1000"})
	store.RegisterSlot(inventory.Slot{PoseName: "back_platform_1000", Category: inventory.CategoryBackPlatform, NavigationPose: "nav_back", AcceptedType: inventory.Glass1000, Capacity: 2, Occupants: []string{"B-3"}})

	h := newHandler(t, store)
	env := Envelope{CmdID: "c3", CmdType: CmdPutTo, Params: mustJSON(t, PutToParams{
		ReleaseParams: []ReleaseParam{{BottleID: "B-3", ReleasePose: "worktable_1"}},
	})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result := out.(Result)
	if !result.Success || result.SuccessCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	b, err := store.LookupBottle("B-3")
	if err != nil {
		t.Fatalf("LookupBottle: %v", err)
	}
	if b.Location != "worktable_1" {
		t.Fatalf("expected B-3 at worktable_1, got %q", b.Location)
	}
}

func TestHandleTransferMovesShelfBottleToWorktable(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c4", CmdType: CmdTransfer, Params: mustJSON(t, TransferParams{
		TargetParams:  []TargetParam{{BottleID: "B-1"}},
		ReleaseParams: []ReleaseParam{{BottleID: "B-1", ReleasePose: "worktable_1"}},
	})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result := out.(Result)
	if !result.Success || result.SuccessCount != 1 || len(result.FailedBottles) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	b, err := store.LookupBottle("B-1")
	if err != nil {
		t.Fatalf("LookupBottle: %v", err)
	}
	if b.Location != "worktable_1" {
		t.Fatalf("expected B-1 at worktable_1, got %q", b.Location)
	}
}

// TestHandleTransferRejectsMismatchedBottleLists exercises Open Question
// 3: a bottle_id present in only one of TRANSFER's two param lists is
// rejected up front, before the planner runs.
func TestHandleTransferRejectsMismatchedBottleLists(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c5", CmdType: CmdTransfer, Params: mustJSON(t, TransferParams{
		TargetParams:  []TargetParam{{BottleID: "B-1"}},
		ReleaseParams: []ReleaseParam{{BottleID: "B-2", ReleasePose: "worktable_1"}},
	})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result := out.(Result)
	if len(result.FailedBottles) != 2 {
		t.Fatalf("expected both mismatched bottle_ids rejected, got %+v", result.FailedBottles)
	}
	for _, fb := range result.FailedBottles {
		if fb.Step != "validate" || fb.Code != apperr.CodeBadRequest {
			t.Fatalf("unexpected rejection: %+v", fb)
		}
	}
}

// TestHandleScanQRCodeRejectsNonEmptyParams exercises Open Question 2:
// SCAN_QRCODE's command body must be empty params.
func TestHandleScanQRCodeRejectsNonEmptyParams(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c6", CmdType: CmdScanQRCode, Params: mustJSON(t, map[string]string{"unexpected": "field"})}

	_, err := h.Dispatch(context.Background(), env)
	if apperr.CodeOf(err) != apperr.CodeBadRequest {
		t.Fatalf("expected CodeBadRequest, got %v", err)
	}
}

func TestHandleBottleGetFiltersByPose(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c7", CmdType: CmdBottleGet, Params: mustJSON(t, BottleGetParams{PoseName: "shelf_a", DetailParams: true})}

	out, err := h.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	summaries := out.([]inventory.BottleSummary)
	if len(summaries) != 2 {
		t.Fatalf("expected 2 bottles at shelf_a, got %+v", summaries)
	}
}

func TestHandleEnterIDWithNoWaitingScanRejected(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	env := Envelope{CmdID: "c8", CmdType: CmdEnterID, Params: mustJSON(t, EnterIDParams{BottleID: "B-1", Type: string(inventory.Glass1000)})}

	_, err := h.Dispatch(context.Background(), env)
	if apperr.CodeOf(err) != apperr.CodeNoTaskWaiting {
		t.Fatalf("expected CodeNoTaskWaiting, got %v", err)
	}
}

func TestDispatchUnknownCmdType(t *testing.T) {
	store := newPickPutStore()
	h := newHandler(t, store)

	_, err := h.Dispatch(context.Background(), Envelope{CmdID: "c9", CmdType: "NOT_A_REAL_CMD"})
	if apperr.CodeOf(err) != apperr.CodeUnknownCmdType {
		t.Fatalf("expected CodeUnknownCmdType, got %v", err)
	}
}
