package sqlite

import (
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hackmanhattan/hmbot/internal/history"
)

// New opens a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string) (*history.SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	return history.OpenSQL("sqlite", history.DialectSQLite, dsn)
}
