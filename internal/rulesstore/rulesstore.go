// Package rulesstore persists traffic rules (§4.6): a keyed set with
// ACTIVE/INACTIVE state, crash-safe across restarts, backed by a local
// rules.db SQLite file. A local cache mirrors the table and is the
// authority for reads once LoadFromDB has run.
package rulesstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/lydian-project/lydian/internal/domain"
)

// Store is the rules.db-backed rule registry. Every mutating method
// commits its SQL statement before returning, so a crash immediately
// after Add/AddAll/Enable/Disable/Delete cannot lose the change: the row
// is durable the instant the call returns, matching §8's recovery
// invariant.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]domain.TrafficRule // keyed by ruleid
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the rules table exists. It does not populate the cache; call
// LoadFromDB for that.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open rules db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time, matches SQLite's own lock model

	s := &Store{db: db, cache: make(map[string]domain.TrafficRule)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS rules (
		ruleid     TEXT PRIMARY KEY,
		reqid      TEXT NOT NULL DEFAULT '',
		src        TEXT NOT NULL,
		dst        TEXT NOT NULL,
		protocol   TEXT NOT NULL,
		port       INTEGER NOT NULL,
		connected  INTEGER NOT NULL DEFAULT 1,
		payload    TEXT NOT NULL DEFAULT '',
		tries      INTEGER NOT NULL DEFAULT 0,
		attempts   INTEGER NOT NULL DEFAULT 1,
		frequency  INTEGER NOT NULL DEFAULT 0,
		interval   REAL NOT NULL DEFAULT 0,
		username   TEXT NOT NULL DEFAULT '',
		state      TEXT NOT NULL DEFAULT 'ACTIVE',
		src_host   TEXT NOT NULL DEFAULT '',
		dst_host   TEXT NOT NULL DEFAULT '',
		src_target TEXT NOT NULL DEFAULT '',
		dst_target TEXT NOT NULL DEFAULT '',
		tool       TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("ensure rules schema: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_rules_reqid ON rules(reqid)`)
	if err != nil {
		return fmt.Errorf("ensure rules index: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadFromDB populates the in-memory cache from the table, replacing
// whatever was cached before. Called once at boot.
func (s *Store) LoadFromDB() error {
	rows, err := s.db.Query(`SELECT ruleid, reqid, src, dst, protocol, port, connected,
		payload, tries, attempts, frequency, interval, username, state,
		src_host, dst_host, src_target, dst_target, tool FROM rules`)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]domain.TrafficRule)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return err
		}
		cache[rule.RuleID] = rule
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (domain.TrafficRule, error) {
	var r domain.TrafficRule
	var connected int
	var srcTargetJSON, dstTargetJSON string

	err := row.Scan(&r.RuleID, &r.ReqID, &r.Src, &r.Dst, &r.Protocol, &r.Port, &connected,
		&r.Payload, &r.Tries, &r.Attempts, &r.Frequency, &r.Interval, &r.Username, &r.State,
		&r.SrcHost, &r.DstHost, &srcTargetJSON, &dstTargetJSON, &r.Tool)
	if err != nil {
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.Connected = connected != 0

	if srcTargetJSON != "" {
		var t domain.Target
		if err := json.Unmarshal([]byte(srcTargetJSON), &t); err != nil {
			return r, fmt.Errorf("scan rule %s: decode src_target: %w", r.RuleID, err)
		}
		r.SrcTarget = &t
	}
	if dstTargetJSON != "" {
		var t domain.Target
		if err := json.Unmarshal([]byte(dstTargetJSON), &t); err != nil {
			return r, fmt.Errorf("scan rule %s: decode dst_target: %w", r.RuleID, err)
		}
		r.DstTarget = &t
	}
	return r, nil
}

// Add inserts or replaces a single rule, updating the cache only after
// the write commits.
func (s *Store) Add(rule domain.TrafficRule) error {
	rule.Fill()
	if err := s.write(rule); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[rule.RuleID] = rule
	s.mu.Unlock()
	return nil
}

// AddAll inserts or replaces many rules inside a single transaction:
// either all survive a crash or none do, and callers get one round trip
// instead of len(rules).
func (s *Store) AddAll(rules []domain.TrafficRule) error {
	if len(rules) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("add rules: %w", err)
	}

	for i := range rules {
		rules[i].Fill()
		if err := writeTx(tx, rules[i]); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add rules: commit: %w", err)
	}

	s.mu.Lock()
	for _, r := range rules {
		s.cache[r.RuleID] = r
	}
	s.mu.Unlock()
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) write(rule domain.TrafficRule) error {
	return writeTx(s.db, rule)
}

func writeTx(e execer, rule domain.TrafficRule) error {
	srcTargetJSON, err := marshalTarget(rule.SrcTarget)
	if err != nil {
		return fmt.Errorf("add rule %s: %w", rule.RuleID, err)
	}
	dstTargetJSON, err := marshalTarget(rule.DstTarget)
	if err != nil {
		return fmt.Errorf("add rule %s: %w", rule.RuleID, err)
	}

	_, err = e.Exec(`INSERT INTO rules (ruleid, reqid, src, dst, protocol, port, connected,
			payload, tries, attempts, frequency, interval, username, state,
			src_host, dst_host, src_target, dst_target, tool)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ruleid) DO UPDATE SET
			reqid=excluded.reqid, src=excluded.src, dst=excluded.dst,
			protocol=excluded.protocol, port=excluded.port, connected=excluded.connected,
			payload=excluded.payload, tries=excluded.tries, attempts=excluded.attempts,
			frequency=excluded.frequency, interval=excluded.interval, username=excluded.username,
			state=excluded.state, src_host=excluded.src_host, dst_host=excluded.dst_host,
			src_target=excluded.src_target, dst_target=excluded.dst_target, tool=excluded.tool`,
		rule.RuleID, rule.ReqID, rule.Src, rule.Dst, string(rule.Protocol), rule.Port, boolToInt(rule.Connected),
		rule.Payload, rule.Tries, rule.Attempts, rule.Frequency, rule.Interval, rule.Username, string(rule.State),
		rule.SrcHost, rule.DstHost, srcTargetJSON, dstTargetJSON, rule.Tool)
	if err != nil {
		return fmt.Errorf("add rule %s: %w", rule.RuleID, err)
	}
	return nil
}

func marshalTarget(t *domain.Target) (string, error) {
	if t == nil {
		return "", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get returns the cached rule for ruleid.
func (s *Store) Get(ruleid string) (domain.TrafficRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[ruleid]
	return r, ok
}

// All returns every cached rule, newest-struct-copy semantics (safe to
// mutate the returned slice).
func (s *Store) All() []domain.TrafficRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TrafficRule, 0, len(s.cache))
	for _, r := range s.cache {
		out = append(out, r)
	}
	return out
}

// ByReqID returns every cached rule sharing reqid.
func (s *Store) ByReqID(reqid string) []domain.TrafficRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TrafficRule
	for _, r := range s.cache {
		if r.ReqID == reqid {
			out = append(out, r)
		}
	}
	return out
}

// Enable sets ruleid's state to ACTIVE, persisting before updating the
// cache.
func (s *Store) Enable(ruleid string) error {
	return s.setState(ruleid, domain.StateActive)
}

// Disable sets ruleid's state to INACTIVE, persisting before updating
// the cache.
func (s *Store) Disable(ruleid string) error {
	return s.setState(ruleid, domain.StateInactive)
}

func (s *Store) setState(ruleid string, state domain.RuleState) error {
	s.mu.RLock()
	rule, ok := s.cache[ruleid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rule %s: not found", ruleid)
	}

	if _, err := s.db.Exec(`UPDATE rules SET state = ? WHERE ruleid = ?`, string(state), ruleid); err != nil {
		return fmt.Errorf("set state for rule %s: %w", ruleid, err)
	}

	s.mu.Lock()
	rule.State = state
	s.cache[ruleid] = rule
	s.mu.Unlock()
	return nil
}

// IsEnabled reports whether ruleid is cached and ACTIVE.
func (s *Store) IsEnabled(ruleid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.cache[ruleid]
	return ok && r.Enabled()
}

// Delete removes a single rule by ruleid.
func (s *Store) Delete(ruleid string) error {
	if _, err := s.db.Exec(`DELETE FROM rules WHERE ruleid = ?`, ruleid); err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleid, err)
	}
	s.mu.Lock()
	delete(s.cache, ruleid)
	s.mu.Unlock()
	return nil
}

// DeleteByReqID removes every rule sharing reqid, returning their
// ruleids so callers (the controller) can stop/unregister the
// corresponding tasks.
func (s *Store) DeleteByReqID(reqid string) ([]string, error) {
	ruleids := s.ByReqID(reqid)
	if len(ruleids) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("delete rules for reqid %s: %w", reqid, err)
	}
	if _, err := tx.Exec(`DELETE FROM rules WHERE reqid = ?`, reqid); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("delete rules for reqid %s: %w", reqid, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete rules for reqid %s: commit: %w", reqid, err)
	}

	ids := make([]string, 0, len(ruleids))
	s.mu.Lock()
	for _, r := range ruleids {
		delete(s.cache, r.RuleID)
		ids = append(ids, r.RuleID)
	}
	s.mu.Unlock()
	return ids, nil
}

// NumRules returns the number of cached rules.
func (s *Store) NumRules() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
