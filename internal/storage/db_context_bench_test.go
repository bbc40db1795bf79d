package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/storage"
)

func setupBenchPool(b *testing.B) *pgxpool.Pool {
	b.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		b.Skip("TEST_DATABASE_URL not set; skipping database benchmark")
	}

	ctx := context.Background()
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		b.Fatal(err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		b.Fatal(err)
	}
	return pool
}

func BenchmarkWithTenantConn(b *testing.B) {
	pool := setupBenchPool(b)
	defer pool.Close()
	ctx := context.Background()

	userID := uuid.New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := storage.WithTenantConn(ctx, pool, userID, func(tx pgx.Tx) error {
			var val int
			return tx.QueryRow(ctx, "SELECT 1").Scan(&val)
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWithoutRLS(b *testing.B) {
	pool := setupBenchPool(b)
	defer pool.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
			var val int
			return tx.QueryRow(ctx, "SELECT 1").Scan(&val)
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
