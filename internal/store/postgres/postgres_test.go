package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/lupppig/snsbus/internal/store"
	"github.com/lupppig/snsbus/internal/store/storetest"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SNSBUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNSBUS_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		db, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := db.Pool.Exec(ctx, `TRUNCATE topics CASCADE`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return db
	})
}
