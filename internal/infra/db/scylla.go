package db

import (
	"fmt"

	"github.com/gocql/gocql"

	"github.com/acme/lead-dialer/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.Timeout = cfg.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	s := &Scylla{session: session}
	if !cfg.DisableInitSchema {
		if err := s.initSchema(); err != nil {
			session.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Scylla) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS dial_attempts_by_run (
		tenant_id text,
		run_id text,
		bucket timestamp,
		attempt_id text,
		job_id text,
		phone text,
		status text,
		call_handle text,
		error text,
		duration_ms bigint,
		created_at timestamp,
		PRIMARY KEY ((tenant_id, run_id, bucket), created_at, attempt_id)
	) WITH CLUSTERING ORDER BY (created_at DESC)`

	if err := s.session.Query(schema).Exec(); err != nil {
		return fmt.Errorf("scylla: init schema: %w", err)
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch level {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
