package recorder

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lydian-project/lydian/internal/domain"
)

// OpenTrafficDB opens (creating if absent) the traffic.db at path and
// ensures its schema. The returned handle is meant to be shared between
// SQLiteSink (writer) and internal/results (reader), matching the
// original's single TrafficRecordDB file.
func OpenTrafficDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open traffic db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS traffic (
		timestamp   TEXT NOT NULL,
		reqid       TEXT NOT NULL,
		ruleid      TEXT NOT NULL,
		source      TEXT NOT NULL,
		destination TEXT NOT NULL,
		protocol    TEXT NOT NULL,
		port        INTEGER NOT NULL,
		expected    INTEGER NOT NULL,
		result      INTEGER NOT NULL,
		latency     REAL NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure traffic schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_traffic_reqid ON traffic(reqid)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure traffic index: %w", err)
	}
	return db, nil
}

// SQLiteSink appends TrafficRecords to the shared traffic.db handle,
// mirroring the original's TrafficRecordDB. It does not persist
// ResourceRecords: the original only ever wired resource samples to
// the remote metric sinks, never to local SQLite.
type SQLiteSink struct {
	db      *sql.DB
	enabled func() bool
}

// NewSQLiteSink wraps db (from OpenTrafficDB) as a Sink. enabled is
// consulted on every write, e.g. backed by internal/params'
// SQLITE_TRAFFIC_RECORDING.
func NewSQLiteSink(db *sql.DB, enabled func() bool) *SQLiteSink {
	return &SQLiteSink{db: db, enabled: enabled}
}

func (s *SQLiteSink) Name() string  { return "sqlite" }
func (s *SQLiteSink) Enabled() bool { return s.enabled == nil || s.enabled() }

// Close is a no-op: the db handle is shared with internal/results and
// owned by whoever called OpenTrafficDB.
func (s *SQLiteSink) Close() error { return nil }

func (s *SQLiteSink) WriteTraffic(rec domain.TrafficRecord) error {
	_, err := s.db.Exec(`INSERT INTO traffic
		(timestamp, reqid, ruleid, source, destination, protocol, port, expected, result, latency, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Format("2006-01-02T15:04:05.000000"), rec.ReqID, rec.RuleID, rec.Source, rec.Destination,
		string(rec.Protocol), rec.Port, boolToInt(rec.Expected), boolToInt(rec.Result), rec.LatencyMs, rec.Error)
	if err != nil {
		return fmt.Errorf("write traffic record: %w", err)
	}
	return nil
}

func (s *SQLiteSink) WriteResource(rec domain.ResourceRecord) error {
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
