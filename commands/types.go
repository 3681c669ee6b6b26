// Package commands decomposes each cmd_type into calls against the
// planner and primitives packages, routing each to its own handler
// function instead of a monolithic branch tree.
package commands

import (
	"bytes"
	"encoding/json"
	"time"

	"labcell/apperr"
)

// Envelope is the HTTP command ingress body: a cmd_type names the
// operation and params carries its type-specific body.
type Envelope struct {
	Header  json.RawMessage `json:"header,omitempty"`
	CmdID   string          `json:"cmd_id"`
	CmdType string          `json:"cmd_type"`
	Params  json.RawMessage `json:"params"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

const (
	CmdPickUp             = "PICK_UP"
	CmdPutTo              = "PUT_TO"
	CmdTransfer           = "TAKE_BOTTOL_FROM_SP_TO_SP"
	CmdScanQRCode         = "SCAN_QRCODE"
	CmdScanQRCodeResult   = "SCAN_QRCODE_RESULT"
	CmdEnterID            = "ENTER_ID"
	CmdBottleGet          = "BOTTLE_GET"
	CmdCancel             = "CANCEL"
)

const defaultPrimitiveTimeout = 10 * time.Second

// TargetParam is one entry of PICK_UP/TRANSFER's target_params list.
type TargetParam struct {
	BottleID string `json:"bottle_id"`
}

// ReleaseParam is one entry of PUT_TO/TRANSFER's release_params list.
type ReleaseParam struct {
	BottleID    string `json:"bottle_id"`
	ReleasePose string `json:"release_pose"`
}

// PickUpParams is PICK_UP's params body.
type PickUpParams struct {
	TargetParams []TargetParam `json:"target_params"`
	Timeout      float64       `json:"timeout,omitempty"`
}

// PutToParams is PUT_TO's params body.
type PutToParams struct {
	ReleaseParams []ReleaseParam `json:"release_params"`
	Timeout       float64        `json:"timeout,omitempty"`
}

// TransferParams is TAKE_BOTTOL_FROM_SP_TO_SP's params body.
type TransferParams struct {
	TargetParams  []TargetParam  `json:"target_params"`
	ReleaseParams []ReleaseParam `json:"release_params"`
	Timeout       float64        `json:"timeout,omitempty"`
}

// ScanQRCodeResultParams is SCAN_QRCODE_RESULT's params body.
type ScanQRCodeResultParams struct {
	TaskID string `json:"task_id"`
}

// EnterIDParams is ENTER_ID's params body.
type EnterIDParams struct {
	BottleID string `json:"bottle_id"`
	Type     string `json:"type"`
}

// BottleGetParams is BOTTLE_GET's params body.
type BottleGetParams struct {
	BottleID     string `json:"bottle_id,omitempty"`
	PoseName     string `json:"pose_name,omitempty"`
	DetailParams bool   `json:"detail_params,omitempty"`
}

// CancelParams is CANCEL's params body.
type CancelParams struct {
	TaskID string `json:"task_id"`
}

// FailedBottle records one bottle's failing step within a result document.
type FailedBottle struct {
	BottleID string      `json:"bottle_id"`
	Step     string      `json:"step"`
	Code     apperr.Code `json:"code"`
}

// Result is the shared shape of PICK_UP/PUT_TO/TRANSFER outcomes.
type Result struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	SuccessCount int            `json:"success_count"`
	FailedBottles []FailedBottle `json:"failed_bottles"`
	Total        int            `json:"total"`
}

func timeoutOrDefault(seconds float64) time.Duration {
	if seconds <= 0 {
		return defaultPrimitiveTimeout
	}
	return time.Duration(seconds * float64(time.Second))
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.CodeBadRequest, err)
	}
	return nil
}
