// Package params implements Lydian's own dynamic config store (§4.7):
// typed (param, value, typename) triples, defaulted from a compiled-in
// table, overlaid with a key=value config file, then overlaid again
// with whatever was last persisted to params.db, with synchronous
// subscriber notification whenever SetParam changes a value.
package params

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Defaults is the compiled-in constant table (§6's key config
// parameters), seeded before the config file and DB are consulted.
var Defaults = map[string]interface{}{
	"LYDIAN_PORT":                        5649,
	"NAMESPACE_INTERFACE_NAME_PREFIXES":  []interface{}{"veth", "eth", "vmk"},
	"TRAFFIC_START_SERVERS_FIRST":        true,
	"TRAFFIC_STATS_QUERY_LATENCY":        15,
	"RESOURCE_RECORD_REPORT_FREQ":        4,
	"TRAFFIC_RECORD_REPORT_FREQ":         4,
	"SQLITE_TRAFFIC_RECORDING":           true,
	"WAVEFRONT_TRAFFIC_RECORDING":        true,
	"ELASTICSEARCH_TRAFFIC_RECORDING":    true,
	"THREADS_JOIN_TIMEOUT":               5,
	"NODE_PREP_MAX_THREAD":               32,
	"SQLITE3_CONNECTION_TIMEOUT":         20,
	"ENDPOINT_USERNAME":                  "root",
	"ENDPOINT_PASSWORD":                  "",
	"LYDIAN_SERVICE_WAIT_TIME":           60,
}

// subscriber is one (callback) registration against a param name.
type subscriber struct {
	id       int
	callback func(param string, val interface{})
}

// Store is the params.db-backed typed config registry.
type Store struct {
	db *sql.DB

	mu          sync.RWMutex
	cache       map[string]interface{}
	nextSubID   int
	subscribers map[string][]subscriber
}

// Open builds a Store seeded from Defaults, then overlaid by
// configFile (if non-empty and present) and finally by whatever rows
// already exist in the params.db at dbPath, matching the original's
// defaults → file → DB precedence. The merged set is then written back
// to the DB so that a fresh params.db always reflects the active
// configuration.
func Open(dbPath, configFile string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open params db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, cache: make(map[string]interface{}), subscribers: make(map[string][]subscriber)}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	for k, v := range Defaults {
		s.cache[k] = v
	}
	if configFile != "" {
		if err := s.readConfigFile(configFile); err != nil && !os.IsNotExist(err) {
			db.Close()
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	if err := s.LoadFromDB(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.saveAllToDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS config (
		param    TEXT PRIMARY KEY,
		value    TEXT NOT NULL,
		typename TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensure config schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// readConfigFile parses key=value lines, '#' comments, quoted strings,
// TRUE/FALSE (any case) as bool, and numeric-looking values as int or
// float, matching §6's config file format exactly.
func (s *Store) readConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		param := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)

		s.cache[param] = parseConfigValue(val)
	}
	return scanner.Err()
}

func parseConfigValue(val string) interface{} {
	switch strings.ToUpper(val) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		if i := int64(f); float64(i) == f {
			return int(i)
		}
		return f
	}
	return val
}

// LoadFromDB overlays the cache with whatever rows are already
// persisted, taking precedence over defaults and the config file.
func (s *Store) LoadFromDB() error {
	rows, err := s.db.Query(`SELECT param, value, typename FROM config`)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var param, value, typeName string
		if err := rows.Scan(&param, &value, &typeName); err != nil {
			return fmt.Errorf("scan param: %w", err)
		}
		val, err := decodeTyped(value, typeName)
		if err != nil {
			return fmt.Errorf("decode param %s: %w", param, err)
		}
		s.cache[param] = val
	}
	return rows.Err()
}

func decodeTyped(value, typeName string) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	switch typeName {
	case "int":
		if f, ok := raw.(float64); ok {
			return int(f), nil
		}
	case "float":
		if f, ok := raw.(float64); ok {
			return f, nil
		}
	case "bool":
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case "NoneType":
		return nil, nil
	}
	return raw, nil
}

func typeNameOf(val interface{}) string {
	switch val.(type) {
	case int, int64:
		return "int"
	case float64, float32:
		return "float"
	case bool:
		return "bool"
	case nil:
		return "NoneType"
	case []interface{}, []string:
		return "tuple"
	default:
		return "string"
	}
}

// GetParam returns param's current value, or def if unset.
func (s *Store) GetParam(param string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.cache[param]; ok {
		return v
	}
	return def
}

// SetParam sets param's value, persists it (unless persist is false),
// and, when the value differs from the previous one, synchronously
// notifies every subscriber registered against it.
func (s *Store) SetParam(param string, val interface{}, persist bool) error {
	s.mu.Lock()
	old, existed := s.cache[param]
	s.cache[param] = val
	subs := append([]subscriber(nil), s.subscribers[param]...)
	s.mu.Unlock()

	if persist {
		if err := s.persistParam(param, val); err != nil {
			return err
		}
	}

	if existed && reflect.DeepEqual(old, val) {
		return nil
	}
	for _, sub := range subs {
		sub.callback(param, val)
	}
	return nil
}

func (s *Store) persistParam(param string, val interface{}) error {
	encoded, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("persist param %s: %w", param, err)
	}
	_, err = s.db.Exec(`INSERT INTO config (param, value, typename) VALUES (?, ?, ?)
		ON CONFLICT(param) DO UPDATE SET value=excluded.value, typename=excluded.typename`,
		param, string(encoded), typeNameOf(val))
	if err != nil {
		return fmt.Errorf("persist param %s: %w", param, err)
	}
	return nil
}

func (s *Store) saveAllToDB() error {
	s.mu.RLock()
	snapshot := make(map[string]interface{}, len(s.cache))
	for k, v := range s.cache {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save params: %w", err)
	}
	for param, val := range snapshot {
		encoded, err := json.Marshal(val)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("save param %s: %w", param, err)
		}
		if _, err := tx.Exec(`INSERT INTO config (param, value, typename) VALUES (?, ?, ?)
			ON CONFLICT(param) DO UPDATE SET value=excluded.value, typename=excluded.typename`,
			param, string(encoded), typeNameOf(val)); err != nil {
			tx.Rollback()
			return fmt.Errorf("save param %s: %w", param, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save params: commit: %w", err)
	}
	return nil
}

// Subscription identifies a registered (param, callback) pair, for
// Unsubscribe.
type Subscription struct {
	param string
	id    int
}

// Subscribe registers callback to be invoked synchronously every time
// any of params changes via SetParam. A param not currently present in
// the cache is skipped with a warning-worthy no-op (callers needing
// strictness should check GetParam first).
func (s *Store) Subscribe(params []string, callback func(param string, val interface{})) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]Subscription, 0, len(params))
	for _, param := range params {
		if _, ok := s.cache[param]; !ok {
			continue
		}
		s.nextSubID++
		sub := subscriber{id: s.nextSubID, callback: callback}
		s.subscribers[param] = append(s.subscribers[param], sub)
		subs = append(subs, Subscription{param: param, id: sub.id})
	}
	return subs
}

// Unsubscribe removes a previously-registered subscription.
func (s *Store) Unsubscribe(subs []Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		list := s.subscribers[sub.param]
		for i, cand := range list {
			if cand.id == sub.id {
				s.subscribers[sub.param] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}
