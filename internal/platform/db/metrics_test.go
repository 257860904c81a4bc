package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterPoolMetrics(t *testing.T) {
	// The pool connects lazily, so no server is needed.
	cfg, err := pgxpool.ParseConfig("postgres://u:p@127.0.0.1:1/fragebogen")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.MaxConns = 7
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	if err := RegisterPoolMetrics(reg, pool); err != nil {
		t.Fatalf("register: %v", err)
	}
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 pool metrics, got %d", n)
	}
	if n, _ := testutil.GatherAndCount(reg, "fragebogen_db_pool_max_conns"); n != 1 {
		t.Errorf("expected max conns gauge, got %d series", n)
	}

	if err := RegisterPoolMetrics(reg, pool); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
