// Package results implements the read-only query/aggregation surface
// (§4.9) over the local traffic table: filtered reads by reqid plus any
// TrafficRecord field, latency aggregates, and record deletion.
package results

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
)

// StatsQueryLatencyBackdate is §4.9's default clock-skew absorber: a
// caller-specified range start is pushed this far into the past.
const StatsQueryLatencyBackdate = 15 * time.Second

// Filter narrows a Traffic query beyond reqid. Zero-value fields are
// not applied. TimeRange, if non-nil, bounds timestamp.
type Filter struct {
	Source      string
	Destination string
	Protocol    domain.Protocol
	Port        int
	Expected    *bool
	Result      *bool
	TimeRange   *TimeRange
}

// TimeRange bounds a query's timestamp column, inclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Store queries a shared traffic.db handle (see
// internal/recorder.OpenTrafficDB).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func buildWhere(reqid string, f Filter) (string, []interface{}) {
	clauses := []string{"reqid = ?"}
	args := []interface{}{reqid}

	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.Destination != "" {
		clauses = append(clauses, "destination = ?")
		args = append(args, f.Destination)
	}
	if f.Protocol != "" {
		clauses = append(clauses, "protocol = ?")
		args = append(args, string(f.Protocol))
	}
	if f.Port != 0 {
		clauses = append(clauses, "port = ?")
		args = append(args, f.Port)
	}
	if f.Expected != nil {
		clauses = append(clauses, "expected = ?")
		args = append(args, boolToInt(*f.Expected))
	}
	if f.Result != nil {
		clauses = append(clauses, "result = ?")
		args = append(args, boolToInt(*f.Result))
	}
	if f.TimeRange != nil {
		start := f.TimeRange.Start.Add(-StatsQueryLatencyBackdate)
		clauses = append(clauses, "timestamp >= ?", "timestamp <= ?")
		args = append(args, formatTime(start), formatTime(f.TimeRange.End))
	}

	return strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}

// Traffic returns every TrafficRecord matching reqid and filter.
func (s *Store) Traffic(reqid string, f Filter) ([]domain.TrafficRecord, error) {
	where, args := buildWhere(reqid, f)
	rows, err := s.db.Query(`SELECT timestamp, reqid, ruleid, source, destination, protocol, port,
		expected, result, latency, error FROM traffic WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query traffic: %w", err)
	}
	defer rows.Close()

	var out []domain.TrafficRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.TrafficRecord, error) {
	var rec domain.TrafficRecord
	var ts string
	var expected, result int

	err := row.Scan(&ts, &rec.ReqID, &rec.RuleID, &rec.Source, &rec.Destination, &rec.Protocol,
		&rec.Port, &expected, &result, &rec.LatencyMs, &rec.Error)
	if err != nil {
		return rec, fmt.Errorf("scan traffic record: %w", err)
	}
	rec.Expected = expected != 0
	rec.Result = result != 0
	if t, err := time.Parse("2006-01-02T15:04:05.000000", ts); err == nil {
		rec.Timestamp = t
	}
	return rec, nil
}

// TrafficRecordsCount returns the total number of rows in the traffic
// table, optionally narrowed by filter (reqid empty matches all rows).
func (s *Store) TrafficRecordsCount(reqid string, f Filter) (int, error) {
	var where string
	var args []interface{}
	if reqid == "" {
		where = "1=1"
	} else {
		where, args = buildWhere(reqid, f)
	}

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM traffic WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count traffic records: %w", err)
	}
	return count, nil
}

// LatencyMethod selects the aggregate GetLatencyStat computes.
type LatencyMethod string

const (
	LatencyAvg LatencyMethod = "avg"
	LatencyMin LatencyMethod = "min"
	LatencyMax LatencyMethod = "max"
)

// GetLatencyStat aggregates the latency column for reqid/filter by
// method. Returns (0, false, nil) if no rows matched (NULL aggregate).
func (s *Store) GetLatencyStat(reqid string, method LatencyMethod, f Filter) (float64, bool, error) {
	var fn string
	switch method {
	case LatencyAvg:
		fn = "AVG"
	case LatencyMin:
		fn = "MIN"
	case LatencyMax:
		fn = "MAX"
	default:
		return 0, false, fmt.Errorf("invalid latency method %q", method)
	}

	where, args := buildWhere(reqid, f)
	var val sql.NullFloat64
	err := s.db.QueryRow(fmt.Sprintf("SELECT %s(latency) FROM traffic WHERE %s", fn, where), args...).Scan(&val)
	if err != nil {
		return 0, false, fmt.Errorf("latency stat: %w", err)
	}
	return val.Float64, val.Valid, nil
}

// DeleteRecord deletes every row matching reqid and filter.
func (s *Store) DeleteRecord(reqid string, f Filter) error {
	where, args := buildWhere(reqid, f)
	if _, err := s.db.Exec(`DELETE FROM traffic WHERE `+where, args...); err != nil {
		return fmt.Errorf("delete traffic records: %w", err)
	}
	return nil
}
