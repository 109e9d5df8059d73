// Package memory provides an in-process append-only audit log
package memory

import (
	"context"
	"sync"

	issuance "github.com/x402-foundation/issuance"
)

type naturalKey struct {
	txid   string
	action issuance.AuditAction
}

// Log is an issuance.AuditLog unique on (TxID, ActionType)
type Log struct {
	mu      sync.RWMutex
	records []issuance.AuditRecord
	index   map[naturalKey]int
}

// New creates an empty log
func New() *Log {
	return &Log{index: make(map[naturalKey]int)}
}

func (l *Log) InsertIfAbsent(ctx context.Context, record issuance.AuditRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := naturalKey{txid: record.TxID, action: record.ActionType}
	if _, ok := l.index[key]; ok {
		return false, nil
	}
	l.index[key] = len(l.records)
	l.records = append(l.records, record)
	return true, nil
}

func (l *Log) Lookup(ctx context.Context, txid string, action issuance.AuditAction) (*issuance.AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[naturalKey{txid: txid, action: action}]
	if !ok {
		return nil, nil
	}
	record := l.records[i]
	return &record, nil
}

// Records returns a copy of all records in insertion order
func (l *Log) Records() []issuance.AuditRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]issuance.AuditRecord(nil), l.records...)
}

// Count returns how many records carry action
func (l *Log) Count(action issuance.AuditAction) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, r := range l.records {
		if r.ActionType == action {
			n++
		}
	}
	return n
}

var _ issuance.AuditLog = (*Log)(nil)
