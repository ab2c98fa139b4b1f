package podium

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
)

// ClusterStore durably mirrors Podium's endpoint map and the rules it
// registers into Postgres, so that a second Podium replica can rehydrate
// ep_hosts after a restart without re-querying every agent. Only the
// endpoint map is read back; mirrored rules are not reloaded, and rule
// deletions and state changes are not mirrored. It is purely additive: a nil *ClusterStore (DSN unset) leaves Podium
// correct with an in-memory-only view.
type ClusterStore struct {
	pool *pgxpool.Pool
}

// NewClusterStore connects to dsn and ensures the mirror tables exist.
func NewClusterStore(ctx context.Context, dsn string) (*ClusterStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &ClusterStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClusterStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *ClusterStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS podium_endpoints (
			endpoint_ip TEXT PRIMARY KEY,
			host_ip TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS podium_rules (
			ruleid TEXT PRIMARY KEY,
			reqid TEXT NOT NULL,
			src_host TEXT NOT NULL,
			dst_host TEXT NOT NULL,
			data JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure cluster schema: %w", err)
		}
	}
	return nil
}

// mirrorEndpoints upserts every endpoint→host pair in m. Failures are
// logged, not returned: the mirror is a best-effort cache, never the
// source of truth for a live register/start/stop call.
func (s *ClusterStore) mirrorEndpoints(ctx context.Context, m map[string]string) {
	for ep, host := range m {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO podium_endpoints (endpoint_ip, host_ip)
			VALUES ($1, $2)
			ON CONFLICT (endpoint_ip) DO UPDATE SET host_ip = EXCLUDED.host_ip
		`, ep, host)
		if err != nil {
			logging.Op().Error("mirror endpoint failed", "endpoint", ep, "error", err)
		}
	}
}

// mirrorRules upserts every rule in trules.
func (s *ClusterStore) mirrorRules(ctx context.Context, trules []domain.TrafficRule) {
	for _, rule := range trules {
		data, err := json.Marshal(rule)
		if err != nil {
			logging.Op().Error("marshal rule for mirror failed", "ruleid", rule.RuleID, "error", err)
			continue
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO podium_rules (ruleid, reqid, src_host, dst_host, data)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (ruleid) DO UPDATE SET
				reqid = EXCLUDED.reqid,
				src_host = EXCLUDED.src_host,
				dst_host = EXCLUDED.dst_host,
				data = EXCLUDED.data
		`, rule.RuleID, rule.ReqID, rule.SrcHost, rule.DstHost, data)
		if err != nil {
			logging.Op().Error("mirror rule failed", "ruleid", rule.RuleID, "error", err)
		}
	}
}

// RehydrateEndpoints loads the full endpoint→host map from the mirror,
// used by a restarted replica to avoid re-discovering every agent.
func (s *ClusterStore) RehydrateEndpoints(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT endpoint_ip, host_ip FROM podium_endpoints`)
	if err != nil {
		return nil, fmt.Errorf("rehydrate endpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var ep, host string
		if err := rows.Scan(&ep, &host); err != nil {
			return nil, fmt.Errorf("scan endpoint row: %w", err)
		}
		out[ep] = host
	}
	return out, rows.Err()
}
