// Package eventlog implements the append-only, per-operation event stream
// that the operation engine persists and transports replay from.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirahq/mira/pkg/models"
)

// ErrOperationNotFound indicates the referenced operation has no log rows
// and was never created through Log.Append.
var ErrOperationNotFound = errors.New("eventlog: operation not found")

// Log is the append-only, per-operation, densely-sequenced event stream
// backed by the shared relational store. Appends for the same operation_id
// are serialized so sequence numbers never collide or gap.
type Log struct {
	db *sql.DB

	stmtMaxSeq *sql.Stmt
	stmtInsert *sql.Stmt
	stmtRead   *sql.Stmt
}

// New creates an event log backed by db. The operation_events table must
// already exist (see internal/storage).
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	var err error

	l.stmtMaxSeq, err = db.Prepare(`
		SELECT COALESCE(MAX(sequence_number), -1) FROM operation_events WHERE operation_id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare max sequence: %w", err)
	}

	l.stmtInsert, err = db.Prepare(`
		INSERT INTO operation_events (operation_id, sequence_number, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	l.stmtRead, err = db.Prepare(`
		SELECT operation_id, sequence_number, kind, payload, created_at
		FROM operation_events
		WHERE operation_id = ? AND sequence_number >= ?
		ORDER BY sequence_number ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare read: %w", err)
	}

	return l, nil
}

// Append assigns the next dense sequence number for operationID and
// persists the event. Concurrent appends for the same operation are
// serialized through a BEGIN IMMEDIATE transaction so no two appends can
// observe the same "next" sequence number.
func (l *Log) Append(ctx context.Context, operationID string, kind models.OperationEventKind, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var maxSeq int
	if err := tx.StmtContext(ctx, l.stmtMaxSeq).QueryRowContext(ctx, operationID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	next := maxSeq + 1

	now := time.Now().UTC()
	if _, err := tx.StmtContext(ctx, l.stmtInsert).ExecContext(ctx, operationID, next, string(kind), raw, now); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}

	return next, nil
}

// Read returns the ordered events for operationID starting at fromSequence
// (inclusive). It is the authoritative source for replay: subscribers to a
// live channel must be able to reconstruct the same sequence by calling
// Read, since event payloads are self-contained.
func (l *Log) Read(ctx context.Context, operationID string, fromSequence int) ([]models.OperationEvent, error) {
	rows, err := l.stmtRead.QueryContext(ctx, operationID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.OperationEvent
	for rows.Next() {
		var e models.OperationEvent
		var kind string
		if err := rows.Scan(&e.OperationID, &e.SequenceNumber, &kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = models.OperationEventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the log's prepared statements.
func (l *Log) Close() error {
	for _, stmt := range []*sql.Stmt{l.stmtMaxSeq, l.stmtInsert, l.stmtRead} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
