// Package engine is the composition root: it wires the inventory store,
// the robot RPC client, the command handler and scan registry, the task
// engine, and the audit side-channel behind one EventBus.
package engine

import (
	"context"
	"fmt"
	"log"

	"labcell/audit"
	"labcell/commands"
	"labcell/config"
	"labcell/inventory"
	"labcell/rpcrobot"
	"labcell/scan"
	"labcell/taskengine"
)

type LogFunc func(format string, args ...any)

// Engine is the running orchestrator: every package above is reachable
// through it, and it owns their lifetimes.
type Engine struct {
	cfg      *config.Config
	store    *inventory.Store
	robot    *rpcrobot.Client
	scans    *scan.Registry
	handler  *commands.Handler
	tasks    *taskengine.Engine
	auditDB  *audit.Store
	exporter *audit.Exporter
	Events   *EventBus
	logFn    LogFunc
}

// New wires every package together but does not yet dial the robot or
// start the worker — call Start for that.
func New(cfg *config.Config, logFn LogFunc) (*Engine, error) {
	if logFn == nil {
		logFn = log.Printf
	}

	store, err := inventory.LoadLayout(cfg.Inventory.SlotsFile)
	if err != nil {
		return nil, fmt.Errorf("engine: load inventory layout: %w", err)
	}

	robot := rpcrobot.New(rpcrobot.Config{
		Name:             cfg.Robot.Name,
		URL:              cfg.Robot.URL,
		MaxRetryAttempts: cfg.Robot.MaxRetryAttempts,
		RetryInterval:    cfg.Robot.RetryInterval,
		DialTimeout:      cfg.Robot.DialTimeout,
	})

	scans := scan.NewRegistry()
	handler := commands.New(store, robot, scans)
	tasks := taskengine.New(handler, scans)

	auditDB, err := audit.Open(cfg.Audit.Store)
	if err != nil {
		return nil, fmt.Errorf("engine: open audit store: %w", err)
	}
	exporter := audit.NewExporter(cfg.Audit.Exporter)

	e := &Engine{
		cfg:      cfg,
		store:    store,
		robot:    robot,
		scans:    scans,
		handler:  handler,
		tasks:    tasks,
		auditDB:  auditDB,
		exporter: exporter,
		Events:   NewEventBus(),
		logFn:    logFn,
	}

	store.SetCommitHook((&inventoryEmitter{bus: e.Events}).onCommit)
	tasks.SetEmitter(&taskEmitter{bus: e.Events})
	e.wireEventHandlers()

	return e, nil
}

// Start dials the robot, connects the exporter, and launches the task
// worker. ctx bounds the robot dial's retry budget: Connect retries
// internally until connected, MaxRetryAttempts is exhausted, or ctx is
// cancelled, surfacing that failure here rather than swallowing it, so
// the caller can treat it as a fatal RPC initialization failure.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.exporter.Connect(); err != nil {
		e.logFn("engine: audit exporter connect: %v", err)
	}
	if err := e.robot.Connect(ctx); err != nil {
		return fmt.Errorf("engine: robot connect: %w", err)
	}
	e.tasks.Start()
	e.logFn("engine: started")
	return nil
}

// Stop drains the worker and closes every owned connection.
func (e *Engine) Stop() {
	e.tasks.Stop()
	e.robot.Close()
	e.exporter.Close()
	e.auditDB.Close()
	e.logFn("engine: stopped")
}

// wireEventHandlers subscribes every domain event to the audit
// exporter, so a task transition or inventory commit becomes an export
// attempt without either producer knowing the exporter exists.
func (e *Engine) wireEventHandlers() {
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(TaskStatusChangedEvent)
		if err := e.exporter.Publish(audit.Event{Kind: "task_status", Timestamp: evt.Timestamp, Payload: ev}); err != nil {
			e.logFn("engine: export task status: %v", err)
		}
	}, EventTaskStatusChanged)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(InventoryCommittedEvent)
		if err := e.exporter.Publish(audit.Event{Kind: "inventory_commit", Timestamp: evt.Timestamp, Payload: ev}); err != nil {
			e.logFn("engine: export inventory commit: %v", err)
		}
	}, EventInventoryCommitted)
}

// RecordTerminal appends a finished task's record into task_history.
// Called by the HTTP layer's status-poll handler once it observes a
// terminal status, since the task engine itself holds no DB handle.
func (e *Engine) RecordTerminal(rec *taskengine.Record) error {
	entry := audit.TaskHistoryEntry{
		TaskID:       rec.TaskID,
		CmdID:        rec.CmdID,
		CmdType:      rec.CmdType,
		Status:       string(rec.Status),
		SubmitTime:   rec.SubmitTime,
		Result:       audit.MarshalResult(rec.Result),
		ErrorMessage: rec.ErrorMessage,
	}
	if rec.StartTime != nil {
		entry.StartTime = *rec.StartTime
	}
	if rec.EndTime != nil {
		entry.EndTime = *rec.EndTime
	}
	return e.auditDB.Record(entry)
}

func (e *Engine) Tasks() *taskengine.Engine   { return e.tasks }
func (e *Engine) Store() *inventory.Store     { return e.store }
func (e *Engine) Robot() *rpcrobot.Client     { return e.robot }
func (e *Engine) Scans() *scan.Registry       { return e.scans }
func (e *Engine) AuditStore() *audit.Store    { return e.auditDB }
func (e *Engine) Handler() *commands.Handler  { return e.handler }
