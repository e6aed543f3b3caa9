// Package replog is the durable replication log.
//
// Every write still owed to a peer is recorded in a transaction_log table
// stored on the node that performed the successful write, so a node's own
// pending work survives coordinator restarts.  The coordinator only
// appends; the recovery engine is the sole mutator of status and retry
// counters.  Entries are never deleted — SUCCESS and FAILED rows stay for
// audit.
package replog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/gateway"
)

// Status of a log entry.  PENDING transitions to SUCCESS or FAILED and
// never back.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Op is the replicated operation type.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// DefaultMaxRetries is the per-entry ceiling before an entry is marked FAILED.
const DefaultMaxRetries = 5

// Entry is one row of a node's transaction_log table.
type Entry struct {
	TxnID      string       `json:"txn_id"`
	SourceNode gateway.Node `json:"source_node"`
	TargetNode gateway.Node `json:"target_node"`
	Op         Op           `json:"operation_type"`
	RecordID   string       `json:"record_id"`
	SQL        string       `json:"query_text"`
	Params     []any        `json:"query_params,omitempty"`
	Status     Status       `json:"status"`
	RetryCount int          `json:"retry_count"`
	MaxRetries int          `json:"max_retries"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Log reads and writes transaction_log rows through the node gateway.
type Log struct {
	cmd        gateway.Commander
	maxRetries int
	log        *logrus.Entry
}

// New creates a Log.  maxRetries <= 0 selects the default ceiling.
func New(cmd gateway.Commander, maxRetries int) *Log {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Log{
		cmd:        cmd,
		maxRetries: maxRetries,
		log:        logrus.WithField("component", "replog"),
	}
}

// MaxRetries returns the configured per-entry retry ceiling.
func (l *Log) MaxRetries() int { return l.maxRetries }

// Append inserts a new entry on the source node and returns its txn id.
// Entries appended PENDING start at retry_count 0; SUCCESS entries are
// audit records of replications that completed inline.
func (l *Log) Append(ctx context.Context, e Entry) (string, error) {
	if e.TxnID == "" {
		e.TxnID = uuid.NewString()
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = l.maxRetries
	}
	if e.Status == "" {
		e.Status = StatusPending
	}

	encoded, err := EncodeParams(e.Params)
	if err != nil {
		return "", fmt.Errorf("encode params for %s: %w", e.RecordID, err)
	}

	const q = `INSERT INTO transaction_log
		(txn_id, source_node, target_node, operation_type, record_id,
		 query_text, query_params, status, retry_count, max_retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`

	_, err = l.cmd.Exec(ctx, e.SourceNode, q, []any{
		e.TxnID, string(e.SourceNode), string(e.TargetNode), string(e.Op),
		e.RecordID, e.SQL, encoded, string(e.Status), int64(e.MaxRetries), e.LastError,
	}, gateway.ReadCommitted)
	if err != nil {
		return "", fmt.Errorf("append log entry on %s: %w", e.SourceNode, err)
	}

	l.log.WithFields(logrus.Fields{
		"txn_id": e.TxnID, "source": e.SourceNode, "target": e.TargetNode,
		"op": e.Op, "record": e.RecordID, "status": e.Status,
	}).Debug("log entry appended")
	return e.TxnID, nil
}

const selectCols = `SELECT txn_id, source_node, target_node, operation_type,
	record_id, query_text, query_params, status, retry_count, max_retries,
	last_error, created_at, updated_at FROM transaction_log`

// ListPending returns the source node's replayable entries — PENDING with
// retries left — oldest first.  Replay order within a source is append order.
func (l *Log) ListPending(ctx context.Context, source gateway.Node) ([]Entry, error) {
	q := selectCols + ` WHERE status = 'PENDING' AND retry_count < max_retries
		ORDER BY created_at ASC, txn_id ASC`
	rows, err := l.cmd.Query(ctx, source, q, nil, gateway.ReadCommitted)
	if err != nil {
		return nil, err
	}
	return entriesFromRows(rows)
}

// ListPendingTargeting restricts ListPending to entries owed to one target.
func (l *Log) ListPendingTargeting(ctx context.Context, source, target gateway.Node) ([]Entry, error) {
	q := selectCols + ` WHERE status = 'PENDING' AND retry_count < max_retries
		AND target_node = ? ORDER BY created_at ASC, txn_id ASC`
	rows, err := l.cmd.Query(ctx, source, q, []any{string(target)}, gateway.ReadCommitted)
	if err != nil {
		return nil, err
	}
	return entriesFromRows(rows)
}

// Recent returns the newest entries on a node, for the audit endpoint.
func (l *Log) Recent(ctx context.Context, source gateway.Node, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectCols + ` ORDER BY created_at DESC LIMIT ?`
	rows, err := l.cmd.Query(ctx, source, q, []any{int64(limit)}, gateway.ReadCommitted)
	if err != nil {
		return nil, err
	}
	return entriesFromRows(rows)
}

// BumpRetry increments an entry's retry counter.
func (l *Log) BumpRetry(ctx context.Context, source gateway.Node, txnID string) error {
	const q = `UPDATE transaction_log
		SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP
		WHERE txn_id = ?`
	_, err := l.cmd.Exec(ctx, source, q, []any{txnID}, gateway.ReadCommitted)
	return err
}

// Mark sets an entry's terminal status.  Only PENDING entries are eligible,
// which keeps SUCCESS and FAILED monotonic even when the background
// reconciler and a manual recovery race on the same row.
func (l *Log) Mark(ctx context.Context, source gateway.Node, txnID string, status Status, lastError string) error {
	const q = `UPDATE transaction_log
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE txn_id = ? AND status = 'PENDING'`
	_, err := l.cmd.Exec(ctx, source, q, []any{string(status), lastError, txnID}, gateway.ReadCommitted)
	return err
}

// CountByStatus returns pending/failed tallies and a pending-per-target
// breakdown for one source node.  An entry that exhausted its retries is
// counted as failed even while its status is still PENDING.
func (l *Log) CountByStatus(ctx context.Context, source gateway.Node) (pending, failed int, byTarget map[string]int, err error) {
	rows, err := l.cmd.Query(ctx, source,
		`SELECT target_node, status, retry_count, max_retries FROM transaction_log`,
		nil, gateway.ReadCommitted)
	if err != nil {
		return 0, 0, nil, err
	}

	byTarget = make(map[string]int)
	for _, r := range rows {
		status := asString(r["status"])
		retries := asInt(r["retry_count"])
		max := asInt(r["max_retries"])
		switch {
		case status == string(StatusPending) && retries < max:
			pending++
			byTarget[asString(r["target_node"])]++
		case status == string(StatusFailed) || (status == string(StatusPending) && retries >= max):
			failed++
		}
	}
	return pending, failed, byTarget, nil
}

// ─── Row decoding ─────────────────────────────────────────────────────────────

func entriesFromRows(rows []gateway.Row) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		params, err := DecodeParams(asString(r["query_params"]))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", asString(r["txn_id"]), err)
		}
		out = append(out, Entry{
			TxnID:      asString(r["txn_id"]),
			SourceNode: gateway.Node(asString(r["source_node"])),
			TargetNode: gateway.Node(asString(r["target_node"])),
			Op:         Op(asString(r["operation_type"])),
			RecordID:   asString(r["record_id"]),
			SQL:        asString(r["query_text"]),
			Params:     params,
			Status:     Status(asString(r["status"])),
			RetryCount: asInt(r["retry_count"]),
			MaxRetries: asInt(r["max_retries"]),
			LastError:  asString(r["last_error"]),
			CreatedAt:  asTime(r["created_at"]),
			UpdatedAt:  asTime(r["updated_at"]),
		})
	}
	return out, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case int32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05", t)
		if err == nil {
			return parsed
		}
		parsed, err = time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}
