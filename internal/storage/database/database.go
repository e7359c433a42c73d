package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/pgx"
	"github.com/jdillenkofer/pacsarc/internal/storage/database/sqlite"
	"github.com/mattn/go-sqlite3"
)

const (
	DB_TYPE_SQLITE   = "sqlite"
	DB_TYPE_POSTGRES = "postgres"
)

var (
	ErrUnknownDatabaseType = errors.New("unknown database type")
	// ErrOptimisticLock is returned when a versioned row was changed by a concurrent transaction.
	ErrOptimisticLock = errors.New("optimistic lock failure")
	// ErrUniqueViolation is returned when an insert hits a unique constraint.
	ErrUniqueViolation = errors.New("unique constraint violation")
)

type Database interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	GetDatabaseType() string
}

type sqliteDatabase struct {
	readOnlyDb  *sql.DB
	writeableDb *sql.DB
}

func (sdb *sqliteDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if opts != nil && opts.ReadOnly {
		return sdb.readOnlyDb.BeginTx(ctx, opts)
	}
	return sdb.writeableDb.BeginTx(ctx, opts)
}

func (sdb *sqliteDatabase) PingContext(ctx context.Context) error {
	return sdb.readOnlyDb.PingContext(ctx)
}

func (sdb *sqliteDatabase) Close() error {
	err := sdb.readOnlyDb.Close()
	if err != nil {
		return err
	}
	err = sdb.writeableDb.Close()
	if err != nil {
		return err
	}
	return nil
}

func (sdb *sqliteDatabase) GetDatabaseType() string {
	return DB_TYPE_SQLITE
}

type pgxDatabase struct {
	db *sql.DB
}

func (pdb *pgxDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return pdb.db.BeginTx(ctx, opts)
}

func (pdb *pgxDatabase) PingContext(ctx context.Context) error {
	return pdb.db.PingContext(ctx)
}

func (pdb *pgxDatabase) Close() error {
	return pdb.db.Close()
}

func (pdb *pgxDatabase) GetDatabaseType() string {
	return DB_TYPE_POSTGRES
}

// OpenDatabase opens the database and applies all pending migrations.
// For sqlite dbUrl is a file path, for postgres a connection string.
func OpenDatabase(dbType string, dbUrl string) (Database, error) {
	switch dbType {
	case DB_TYPE_SQLITE:
		readOnlyDb, writeableDb, err := sqlite.OpenDatabase(dbUrl)
		if err != nil {
			return nil, err
		}
		return &sqliteDatabase{readOnlyDb, writeableDb}, nil
	case DB_TYPE_POSTGRES:
		db, err := pgx.OpenDatabase(dbUrl)
		if err != nil {
			return nil, err
		}
		return &pgxDatabase{db}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDatabaseType, dbType)
}

// TranslateError maps driver specific constraint errors onto ErrUniqueViolation.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrUniqueViolation) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// RunInTx runs fn in a transaction and commits when fn returns nil.
func RunInTx(ctx context.Context, db Database, readOnly bool, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return err
	}
	err = fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	return TranslateError(tx.Commit())
}
