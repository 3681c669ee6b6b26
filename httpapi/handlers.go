package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"labcell/apperr"
	"labcell/commands"
	"labcell/taskengine"
)

// envelopeResponse is the shared reply shape: success plus either a
// task_id (long-running commands) or a result body (synchronous ones).
// Errors fill code/message instead, using the shared apperr code table.
type envelopeResponse struct {
	Success   bool        `json:"success"`
	TaskID    string      `json:"task_id,omitempty"`
	Message   string      `json:"message,omitempty"`
	QueueSize int         `json:"queue_size,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Code      apperr.Code `json:"code,omitempty"`
}

func (h *Handlers) jsonOK(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) jsonError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(code))
	json.NewEncoder(w).Encode(envelopeResponse{Success: false, Code: code, Message: err.Error()})
}

func statusForCode(code apperr.Code) int {
	switch {
	case code == apperr.CodeOK:
		return http.StatusOK
	case code == apperr.CodeBadRequest || code == apperr.CodeUnknownCmdType:
		return http.StatusBadRequest
	case code == apperr.CodeTaskNotFound || code == apperr.CodeBottleUnknown || code == apperr.CodeSlotUnknown:
		return http.StatusNotFound
	case code == apperr.CodeTaskAlreadyTerminal || code == apperr.CodeSlotFull || code == apperr.CodeTypeMismatch ||
		code == apperr.CodeBackPlatformOverflow || code == apperr.CodeNoTaskWaiting || code == apperr.CodeEnterIDTypeMismatch:
		return http.StatusConflict
	case code == apperr.CodeRobotDisconnected || code == apperr.CodeRobotTimeout || code == apperr.CodeRobotRemoteError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth is GET /'s health JSON.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, map[string]interface{}{
		"status":     "ok",
		"robot_link": h.eng.Robot().State().String(),
	})
}

// handleQueueStatus is GET /queue/status.
func (h *Handlers) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w, h.eng.Tasks().QueueStatus())
}

// handleTaskStatus is GET /task/<task_id>. Once a record is first
// observed terminal it is appended to task_history — the task engine
// itself holds no DB handle, so the status poll is where that append
// happens, same as a poll-driven outbox drain.
func (h *Handlers) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	rec, err := h.eng.Tasks().Status(taskID)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	if isTerminal(rec.Status) {
		if err := h.eng.RecordTerminal(rec); err != nil {
			// Audit append failure does not fail the status read; the
			// caller still needs the task's outcome.
		}
	}
	h.jsonOK(w, rec)
}

func isTerminal(s taskengine.Status) bool {
	switch s {
	case taskengine.StatusCompleted, taskengine.StatusFailed, taskengine.StatusCancelled:
		return true
	default:
		return false
	}
}

// handleCommand is POST /'s single ingress point. Long-running
// cmd_types enqueue onto the task engine and reply immediately;
// BOTTLE_GET and ENTER_ID dispatch synchronously through the command
// handler; CANCEL and SCAN_QRCODE_RESULT act directly on task engine
// state, since neither is in commands.Handler's dispatch table.
func (h *Handlers) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env commands.Envelope
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&env); err != nil {
		h.jsonError(w, apperr.Wrap(apperr.CodeBadRequest, err))
		return
	}

	switch env.CmdType {
	case commands.CmdPickUp, commands.CmdPutTo, commands.CmdTransfer, commands.CmdScanQRCode:
		h.handleEnqueue(w, env)
	case commands.CmdBottleGet, commands.CmdEnterID:
		h.handleSynchronous(w, r, env)
	case commands.CmdCancel:
		h.handleCancel(w, env)
	case commands.CmdScanQRCodeResult:
		h.handleScanResult(w, env)
	default:
		h.jsonError(w, apperr.New(apperr.CodeUnknownCmdType, "unknown cmd_type: "+env.CmdType))
	}
}

func (h *Handlers) handleEnqueue(w http.ResponseWriter, env commands.Envelope) {
	rec := h.eng.Tasks().Submit(env)
	h.jsonOK(w, envelopeResponse{
		Success:   true,
		TaskID:    rec.TaskID,
		Message:   "任务已加入队列",
		QueueSize: h.eng.Tasks().QueueStatus().QueueSize,
	})
}

func (h *Handlers) handleSynchronous(w http.ResponseWriter, r *http.Request, env commands.Envelope) {
	result, err := h.eng.Handler().Dispatch(r.Context(), env)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonOK(w, envelopeResponse{Success: true, Result: result})
}

func (h *Handlers) handleCancel(w http.ResponseWriter, env commands.Envelope) {
	var params commands.CancelParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		h.jsonError(w, apperr.Wrap(apperr.CodeBadRequest, err))
		return
	}
	if err := h.eng.Tasks().Cancel(params.TaskID); err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonOK(w, envelopeResponse{Success: true, Message: "ack"})
}

func (h *Handlers) handleScanResult(w http.ResponseWriter, env commands.Envelope) {
	var params commands.ScanQRCodeResultParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		h.jsonError(w, apperr.Wrap(apperr.CodeBadRequest, err))
		return
	}
	rec, err := h.eng.Tasks().Status(params.TaskID)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.jsonOK(w, envelopeResponse{Success: true, Result: rec})
}
