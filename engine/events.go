package engine

// TaskStatusChangedEvent fires whenever a task reaches a terminal status:
// it completes, fails, or gets cancelled (whether still PENDING or
// RUNNING). The start of a task (PENDING → RUNNING) does not fire it.
type TaskStatusChangedEvent struct {
	TaskID  string
	CmdID   string
	CmdType string
	Status  string
}

// InventoryCommittedEvent fires on every successful Store.CommitPlace /
// Store.CommitRemove, whoever the caller is.
type InventoryCommittedEvent struct {
	BottleID string
	PoseName string
	Action   string // "place" | "remove"
}
