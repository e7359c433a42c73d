package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	testutils "github.com/jdillenkofer/pacsarc/internal/testing"
	"github.com/stretchr/testify/assert"
)

func openSqliteDatabase(t *testing.T) Database {
	db, err := OpenDatabase(DB_TYPE_SQLITE, filepath.Join(t.TempDir(), "pacsarc.db"))
	if !assert.Nil(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDatabaseWithUnknownTypeFails(t *testing.T) {
	testutils.SkipIfIntegration(t)
	_, err := OpenDatabase("oracle", "whatever")
	assert.ErrorIs(t, err, ErrUnknownDatabaseType)
}

func TestSqliteDatabaseReportsType(t *testing.T) {
	testutils.SkipIfIntegration(t)
	db := openSqliteDatabase(t)
	assert.Equal(t, DB_TYPE_SQLITE, db.GetDatabaseType())
	assert.Nil(t, db.PingContext(context.Background()))
}

func TestDuplicateMembershipIsUniqueViolation(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	db := openSqliteDatabase(t)
	now := time.Now().UTC()

	err := RunInTx(ctx, db, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO patients (id, patient_id, issuer_of_patient_id, version, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)", "P1", "PID", "", now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO studies (id, patient_id, study_instance_uid, version, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)", "S1", "P1", "1.2.3", now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO study_on_storage_groups (id, study_id, storage_group_id, access_time, marked_for_deletion, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $4, $4)", "M1", "S1", "GRP1", now, false)
		return err
	})
	assert.Nil(t, err)

	err = RunInTx(ctx, db, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO study_on_storage_groups (id, study_id, storage_group_id, access_time, marked_for_deletion, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $4, $4)", "M2", "S1", "GRP1", now, false)
		return TranslateError(err)
	})
	assert.ErrorIs(t, err, ErrUniqueViolation)
	assert.True(t, IsUniqueViolation(err))
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	testutils.SkipIfIntegration(t)
	assert.False(t, IsUniqueViolation(errors.New("disk full")))
	assert.Nil(t, TranslateError(nil))
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	testutils.SkipIfIntegration(t)
	ctx := context.Background()
	db := openSqliteDatabase(t)
	boom := errors.New("boom")

	err := RunInTx(ctx, db, false, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO patients (id, patient_id, issuer_of_patient_id, version, created_at, updated_at) VALUES ($1, $2, $3, 0, $4, $4)", "P1", "PID", "", time.Now().UTC())
		assert.Nil(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	err = RunInTx(ctx, db, true, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM patients").Scan(&count)
	})
	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}
