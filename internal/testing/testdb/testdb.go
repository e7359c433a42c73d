// Package testdb opens a migrated database for tests, selected by the -db flag.
package testdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jdillenkofer/pacsarc/internal/storage/database"
	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	return postgres.Run(ctx, "postgres:17.5-alpine3.22",
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.WithDatabase("postgres"),
		postgres.BasicWaitStrategies())
}

// Open returns a freshly migrated database that is closed when the test ends.
// With -db=postgres a throwaway postgres container is started.
func Open(t *testing.T) database.Database {
	t.Helper()
	switch *testutils.DBType {
	case database.DB_TYPE_POSTGRES:
		testcontainers.SkipIfProviderIsNotHealthy(t)
		ctx := context.Background()
		pgContainer, err := setupPostgresContainer(ctx)
		if err != nil {
			t.Fatalf("could not start postgres container: %v", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(context.Background()) })
		dbUrl, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("could not get connection string: %v", err)
		}
		db, err := database.OpenDatabase(database.DB_TYPE_POSTGRES, dbUrl)
		if err != nil {
			t.Fatalf("could not open postgres database: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	default:
		db, err := database.OpenDatabase(database.DB_TYPE_SQLITE, filepath.Join(t.TempDir(), "pacsarc.db"))
		if err != nil {
			t.Fatalf("could not open sqlite database: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	}
}
