package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CHARTER_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CHARTER_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}

	statuses, err := Migrations(ctx, db, testMigrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Fatalf("migration %s not applied", st.Version)
		}
	}

	for range statuses {
		if _, err := RollbackMigration(ctx, db, testMigrationsDir); err != nil {
			t.Fatalf("rollback: %v", err)
		}
	}
	version, err := RollbackMigration(ctx, db, testMigrationsDir)
	if err != nil || version != "" {
		t.Fatalf("expected nothing left to roll back, got %q, %v", version, err)
	}

	if err := ApplyMigrations(ctx, db, testMigrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}
