package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	loom "github.com/nevindra/loom"
	"github.com/nevindra/loom/store/storetest"
)

// testStore connects to the database named by LOOM_TEST_POSTGRES_DSN,
// skipping the test when it is unset. Every call works in a throwaway schema
// (set as the connection search_path so it applies to all pooled
// connections) so subtests never see each other's rows.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LOOM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOOM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("loomtest_%d", time.Now().UnixNano())

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := pool.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		pool.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		drop, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return
		}
		defer drop.Close()
		_, _ = drop.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	s := New(pool)
	t.Cleanup(func() { s.Close() })
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) loom.Store { return testStore(t) })
}

func TestInitIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestTaskIDLess(t *testing.T) {
	tests := []struct {
		x, y string
		want bool
	}{
		{"1", "2", true},
		{"9", "10", true},
		{"10", "9", false},
		{"2", "synthesis", true},
		{"synthesis", "2", false},
	}
	for _, tt := range tests {
		if got := taskIDLess(tt.x, tt.y); got != tt.want {
			t.Errorf("taskIDLess(%q, %q) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}
