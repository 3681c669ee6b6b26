package audit

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS task_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id       TEXT NOT NULL UNIQUE,
    cmd_id        TEXT NOT NULL DEFAULT '',
    cmd_type      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT '',
    submit_time   TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    start_time    TEXT,
    end_time      TEXT,
    result        TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_history_cmd_type ON task_history(cmd_type);
`
