package audit

import (
	"fmt"
	"strings"
	"time"
)

type dialect interface {
	AutoIncrementPK() string
	TimestampType() string
}

type sqliteDialect struct{}

func (sqliteDialect) AutoIncrementPK() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string   { return "TEXT" }

type postgresDialect struct{}

func (postgresDialect) AutoIncrementPK() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string   { return "TIMESTAMPTZ" }

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	n := 0
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// parseTime converts a scanned timestamp value to time.Time, handling
// both SQLite's string form and Postgres's native time.Time.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if t == "" {
			return time.Time{}
		}
		for _, layout := range []string{
			"2006-01-02 15:04:05",
			time.RFC3339,
			time.RFC3339Nano,
		} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}
