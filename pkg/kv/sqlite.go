package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ryandielhenn/glomer/pkg/seqkv"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS registers (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`

// SQLite keeps registers in a single table; CAS is a conditional UPDATE.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer keeps the UPDATE/SELECT pair in CompareAndSet serialized
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Read(ctx context.Context, key string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM registers WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, seqkv.Errorf(seqkv.KeyDoesNotExist, "key %q does not exist", key)
	}
	if err != nil {
		return 0, seqkv.Errorf(seqkv.TemporarilyUnavailable, "sqlite select: %v", err)
	}
	return v, nil
}

func (s *SQLite) Write(ctx context.Context, key string, value int64) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO registers (key, value) VALUES (?, ?)`, key, value); err != nil {
		return seqkv.Errorf(seqkv.Crash, "sqlite upsert: %v", err)
	}
	return nil
}

func (s *SQLite) CompareAndSet(ctx context.Context, key string, from, to int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE registers SET value = ? WHERE key = ? AND value = ?`, to, key, from)
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "sqlite update: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "sqlite rows affected: %v", err)
	}
	if n == 1 {
		return nil
	}
	cur, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	return seqkv.Errorf(seqkv.PreconditionFailed, "expected %d, but had %d", from, cur)
}

func (s *SQLite) Create(ctx context.Context, key string, value int64) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO registers (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return seqkv.Errorf(seqkv.Crash, "sqlite insert: %v", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return seqkv.Errorf(seqkv.Crash, "sqlite rows affected: %v", err)
	} else if n == 0 {
		return seqkv.Errorf(seqkv.KeyAlreadyExists, "key %q already exists", key)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
