// Package postgres provides an audit log on PostgreSQL for deployments that
// run more than one process against the same issuing account.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	issuance "github.com/x402-foundation/issuance"
)

// Schema creates the audit table. It is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id TEXT PRIMARY KEY,
	txid TEXT NOT NULL,
	action_type TEXT NOT NULL,
	parties TEXT[] NOT NULL,
	asset TEXT NOT NULL,
	value TEXT NOT NULL,
	source TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	UNIQUE (txid, action_type)
)`

// Log is an issuance.AuditLog on PostgreSQL
type Log struct {
	db *sql.DB
}

// Open connects with a lib/pq data source name
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return New(db), nil
}

// New wraps db
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Migrate creates the schema if needed
func (l *Log) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate audit log: %w", err)
	}
	return nil
}

func (l *Log) InsertIfAbsent(ctx context.Context, r issuance.AuditRecord) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, txid, action_type, parties, asset, value, source, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (txid, action_type) DO NOTHING`,
		r.ID, r.TxID, string(r.ActionType), pq.Array(r.Parties), r.Asset, r.Value, r.Source, r.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert audit record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Log) Lookup(ctx context.Context, txid string, action issuance.AuditAction) (*issuance.AuditRecord, error) {
	row := l.db.QueryRowContext(ctx,
		"SELECT id, txid, action_type, parties, asset, value, source, recorded_at FROM audit_records WHERE txid = $1 AND action_type = $2",
		txid, string(action))

	var r issuance.AuditRecord
	var actionStr string
	err := row.Scan(&r.ID, &r.TxID, &actionStr, pq.Array(&r.Parties), &r.Asset, &r.Value, &r.Source, &r.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}
	r.ActionType = issuance.AuditAction(actionStr)
	return &r, nil
}

// Close closes the connection pool
func (l *Log) Close() error {
	return l.db.Close()
}

var _ issuance.AuditLog = (*Log)(nil)
