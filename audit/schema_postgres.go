package audit

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS task_history (
    id            BIGSERIAL PRIMARY KEY,
    task_id       TEXT NOT NULL UNIQUE,
    cmd_id        TEXT NOT NULL DEFAULT '',
    cmd_type      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT '',
    submit_time   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    start_time    TIMESTAMPTZ,
    end_time      TIMESTAMPTZ,
    result        TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_history_cmd_type ON task_history(cmd_type);
`
