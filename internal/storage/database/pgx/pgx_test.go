package pgx

import (
	"context"
	"database/sql"
	"testing"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	username := "postgres"
	password := "postgres"
	dbname := "postgres"
	postgresContainer, err := postgres.Run(ctx, "postgres:17.5-alpine3.22",
		postgres.WithUsername(username),
		postgres.WithPassword(password),
		postgres.WithDatabase(dbname),
		postgres.BasicWaitStrategies())
	if err != nil {
		return nil, err
	}
	return postgresContainer, nil
}

func openContainerDatabase(t *testing.T) *sql.DB {
	ctx := t.Context()
	pgContainer, err := setupPostgresContainer(ctx)
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { pgContainer.Terminate(context.Background()) })
	dbUrl, err := pgContainer.ConnectionString(ctx)
	assert.Nil(t, err)

	db, err := sql.Open("pgx", dbUrl)
	assert.Nil(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUp(t *testing.T) {
	testutils.SkipIfNotIntegration(t)
	testcontainers.SkipIfProviderIsNotHealthy(t)

	db := openContainerDatabase(t)

	m, err := createMigrateInstance(db)
	assert.Nil(t, err)

	err = m.Up()
	if err != nil {
		assert.Fail(t, err.Error())
	}
}

func TestMigrateUpAndDownAndUp(t *testing.T) {
	testutils.SkipIfNotIntegration(t)
	testcontainers.SkipIfProviderIsNotHealthy(t)

	db := openContainerDatabase(t)

	m, err := createMigrateInstance(db)
	assert.Nil(t, err)

	err = m.Up()
	if err != nil {
		assert.Fail(t, err.Error())
	}

	err = m.Down()
	if err != nil {
		assert.Fail(t, err.Error())
	}

	err = m.Up()
	if err != nil {
		assert.Fail(t, err.Error())
	}
}
