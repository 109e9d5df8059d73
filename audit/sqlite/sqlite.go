// Package sqlite provides an embedded, durable audit log
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	issuance "github.com/x402-foundation/issuance"
)

// Log is an issuance.AuditLog stored in SQLite, unique on (txid, action_type)
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	// One writer; sqlite serializes them anyway
	db.SetMaxOpenConns(1)
	log, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// New wraps db and creates the schema if needed
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.migrate(context.Background()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		txid TEXT NOT NULL,
		action_type TEXT NOT NULL,
		parties TEXT NOT NULL,
		asset TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		UNIQUE (txid, action_type)
	);`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate audit log: %w", err)
	}
	return nil
}

func (l *Log) InsertIfAbsent(ctx context.Context, r issuance.AuditRecord) (bool, error) {
	parties, err := json.Marshal(r.Parties)
	if err != nil {
		return false, err
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_records (id, txid, action_type, parties, asset, value, source, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TxID, string(r.ActionType), string(parties), r.Asset, r.Value, r.Source,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
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
	row := l.db.QueryRowContext(ctx, `
		SELECT id, txid, action_type, parties, asset, value, source, timestamp
		FROM audit_records
		WHERE txid = ? AND action_type = ?`, txid, string(action))

	var (
		r         issuance.AuditRecord
		actionStr string
		parties   string
		timestamp string
	)
	err := row.Scan(&r.ID, &r.TxID, &actionStr, &parties, &r.Asset, &r.Value, &r.Source, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}
	r.ActionType = issuance.AuditAction(actionStr)
	if err := json.Unmarshal([]byte(parties), &r.Parties); err != nil {
		return nil, fmt.Errorf("corrupt audit parties for %s: %w", txid, err)
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, fmt.Errorf("corrupt audit timestamp for %s: %w", txid, err)
	}
	return &r, nil
}

// Close closes the database
func (l *Log) Close() error {
	return l.db.Close()
}

var _ issuance.AuditLog = (*Log)(nil)
