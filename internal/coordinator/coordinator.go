// Package coordinator implements the write-path state machine.
//
// For a row of kind k the primary is the fragment F(k) and the peer is
// always central.  A write goes primary first, then peer; whichever leg
// fails is recorded as a pending entry in the replication log on the node
// that holds the committed copy, so recovery later ships the write from
// the surviving copy to the returning one.  The coordinator never retries
// inline — that is the recovery engine's job.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/metrics"
	"distributed-titledb/internal/replog"
)

// Title is one row of the titles table.
type Title struct {
	ID          string    `json:"id" binding:"required"`
	Kind        string    `json:"kind" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	Year        *int      `json:"year,omitempty"`
	Runtime     *int      `json:"runtime,omitempty"`
	Genres      string    `json:"genres,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitempty"`
}

// WriteResult is the outcome surfaced to the API layer for every write.
// Success with a non-empty PendingReplication means exactly one of the two
// required nodes holds the row and a log entry records the debt.
type WriteResult struct {
	Success            bool         `json:"success"`
	PrimaryNode        gateway.Node `json:"primary_node,omitempty"`
	ReplicatedTo       gateway.Node `json:"replicated_to,omitempty"`
	PendingReplication gateway.Node `json:"pending_replication,omitempty"`
	TxnID              string       `json:"txn_id,omitempty"`
	Message            string       `json:"message"`
}

// Coordinator routes writes to the correct primary and replicates to the peer.
// Safe for concurrent use; a single request is strictly sequential.
type Coordinator struct {
	cmd        gateway.Commander
	replog     *replog.Log
	defaultIso gateway.Isolation
	log        *logrus.Entry
}

// New creates a Coordinator around an existing gateway and log.
func New(cmd gateway.Commander, rl *replog.Log, defaultIso gateway.Isolation) *Coordinator {
	if defaultIso == "" {
		defaultIso = gateway.ReadCommitted
	}
	return &Coordinator{
		cmd:        cmd,
		replog:     rl,
		defaultIso: defaultIso,
		log:        logrus.WithField("component", "coordinator"),
	}
}

// Log exposes the replication log handle for components constructed after
// the coordinator (recovery engine, API layer).
func (c *Coordinator) Log() *replog.Log { return c.replog }

// ─── Writes ───────────────────────────────────────────────────────────────────

// InsertTitle writes a new row to its primary fragment and replicates it
// to central.
func (c *Coordinator) InsertTitle(ctx context.Context, t Title) (WriteResult, error) {
	if t.ID == "" || t.Kind == "" {
		return failed("insert requires id and kind"),
			&gateway.Error{Kind: gateway.KindOther, Err: fmt.Errorf("insert requires id and kind")}
	}

	const q = `INSERT INTO titles (id, kind, title, year, runtime, genres)
		VALUES (?, ?, ?, ?, ?, ?)`
	params := []any{t.ID, t.Kind, t.Title, intOrNil(t.Year), intOrNil(t.Runtime), t.Genres}

	primary := gateway.PrimaryFor(t.Kind)
	return c.writeThrough(ctx, replog.OpInsert, t.ID, primary, q, params, c.defaultIso)
}

// UpdateTitle applies a field update to an existing row on both of its
// nodes.  The row's kind is resolved first from whichever node is
// reachable, central preferred.  Updating kind itself is rejected: kind
// determines placement and is immutable for a given id.
func (c *Coordinator) UpdateTitle(ctx context.Context, id string, fields map[string]any, iso gateway.Isolation) (WriteResult, error) {
	if len(fields) == 0 {
		return failed("no fields to update"),
			&gateway.Error{Kind: gateway.KindOther, Err: fmt.Errorf("no fields to update")}
	}
	if _, ok := fields["kind"]; ok {
		return failed("kind is immutable"),
			&gateway.Error{Kind: gateway.KindOther, Err: fmt.Errorf("kind is immutable")}
	}
	if iso == "" {
		iso = c.defaultIso
	}

	kind, err := c.resolveKind(ctx, id)
	if err != nil {
		return failed(fmt.Sprintf("title %s not found", id)), err
	}

	// Deterministic column order so the logged statement replays identically.
	cols := make([]string, 0, len(fields))
	for k := range fields {
		if k != "id" {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if len(cols) == 0 {
		return failed("no fields to update"),
			&gateway.Error{Kind: gateway.KindOther, Err: fmt.Errorf("no fields to update")}
	}

	q := "UPDATE titles SET "
	params := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if i > 0 {
			q += ", "
		}
		q += col + " = ?"
		params = append(params, normalizeParam(fields[col]))
	}
	q += " WHERE id = ?"
	params = append(params, id)

	primary := gateway.PrimaryFor(kind)
	return c.writeThrough(ctx, replog.OpUpdate, id, primary, q, params, iso)
}

// DeleteTitle removes a row from both of its nodes.
func (c *Coordinator) DeleteTitle(ctx context.Context, id string) (WriteResult, error) {
	kind, err := c.resolveKind(ctx, id)
	if err != nil {
		return failed(fmt.Sprintf("title %s not found", id)), err
	}

	const q = `DELETE FROM titles WHERE id = ?`
	primary := gateway.PrimaryFor(kind)
	return c.writeThrough(ctx, replog.OpDelete, id, primary, q, []any{id}, c.defaultIso)
}

// writeThrough is the unified insert/update/delete policy: primary, then
// peer, with the central fallback when the primary is unreachable.  At
// most one log entry is appended per write.
func (c *Coordinator) writeThrough(ctx context.Context, op replog.Op, recordID string,
	primary gateway.Node, query string, params []any, iso gateway.Isolation) (WriteResult, error) {

	peer := gateway.Central
	opName := string(op)

	_, primaryErr := c.cmd.Exec(ctx, primary, query, params, iso)
	if primaryErr == nil {
		c.log.WithFields(logrus.Fields{"op": opName, "record": recordID, "node": primary}).
			Info("primary write committed")

		_, peerErr := c.cmd.Exec(ctx, peer, query, params, iso)
		if peerErr == nil {
			txnID := c.append(ctx, replog.Entry{
				SourceNode: primary, TargetNode: peer, Op: op,
				RecordID: recordID, SQL: query, Params: params,
				Status: replog.StatusSuccess,
			})
			metrics.WritesTotal.WithLabelValues(opName, "replicated").Inc()
			return WriteResult{
				Success:      true,
				PrimaryNode:  primary,
				ReplicatedTo: peer,
				TxnID:        txnID,
				Message:      fmt.Sprintf("%s committed to %s and replicated to %s", opName, primary, peer),
			}, nil
		}

		// Peer leg failed: the primary holds the row, record the debt there.
		c.log.WithFields(logrus.Fields{"op": opName, "record": recordID, "target": peer}).
			Warn("peer replication failed, queueing")
		txnID := c.append(ctx, replog.Entry{
			SourceNode: primary, TargetNode: peer, Op: op,
			RecordID: recordID, SQL: query, Params: params,
			Status: replog.StatusPending, LastError: peerErr.Error(),
		})
		metrics.WritesTotal.WithLabelValues(opName, "pending").Inc()
		return WriteResult{
			Success:            true,
			PrimaryNode:        primary,
			PendingReplication: peer,
			TxnID:              txnID,
			Message:            fmt.Sprintf("%s committed to %s; replication to %s queued", opName, primary, peer),
		}, nil
	}

	// Engine rejections (duplicate key, deadlock, lock timeout) surface to
	// the caller; only an unreachable primary triggers the fallback.
	if !gateway.IsUnavailable(primaryErr) {
		metrics.WritesTotal.WithLabelValues(opName, "failed").Inc()
		return failed(fmt.Sprintf("%s failed on %s: %v", opName, primary, primaryErr)), primaryErr
	}

	c.log.WithFields(logrus.Fields{"op": opName, "record": recordID, "primary": primary}).
		Warn("primary unavailable, falling back to central")

	_, peerErr := c.cmd.Exec(ctx, peer, query, params, iso)
	if peerErr == nil {
		metrics.FallbacksTotal.Inc()
		txnID := c.append(ctx, replog.Entry{
			SourceNode: peer, TargetNode: primary, Op: op,
			RecordID: recordID, SQL: query, Params: params,
			Status: replog.StatusPending, LastError: fmt.Sprintf("%s was unavailable", primary),
		})
		metrics.WritesTotal.WithLabelValues(opName, "pending").Inc()
		return WriteResult{
			Success:            true,
			PrimaryNode:        peer,
			PendingReplication: primary,
			TxnID:              txnID,
			Message:            fmt.Sprintf("%s committed to %s (fallback); queued for %s", opName, peer, primary),
		}, nil
	}

	metrics.WritesTotal.WithLabelValues(opName, "failed").Inc()
	if gateway.IsUnavailable(peerErr) {
		err := &gateway.Error{Kind: gateway.KindAllNodes,
			Err: fmt.Errorf("%s and %s both unavailable", primary, peer)}
		return failed(fmt.Sprintf("%s failed: both %s and %s unavailable", opName, primary, peer)), err
	}
	return failed(fmt.Sprintf("%s failed on %s: %v", opName, peer, peerErr)), peerErr
}

// append writes a log entry and returns its txn id.  A failed append is
// logged but does not fail the write: the data copy is already committed.
func (c *Coordinator) append(ctx context.Context, e replog.Entry) string {
	txnID, err := c.replog.Append(ctx, e)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{
			"record": e.RecordID, "source": e.SourceNode, "target": e.TargetNode,
		}).Error("replication log append failed")
		return ""
	}
	return txnID
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// resolveKind reads the row's kind from whichever node is reachable,
// central preferred.  Missing on every reachable node is not_found; no
// reachable node at all is all_nodes_unavailable.
func (c *Coordinator) resolveKind(ctx context.Context, id string) (string, error) {
	anyReachable := false
	for _, node := range gateway.AllNodes() {
		rows, err := c.cmd.Query(ctx, node, `SELECT kind FROM titles WHERE id = ?`,
			[]any{id}, c.defaultIso)
		if err != nil {
			continue
		}
		anyReachable = true
		if len(rows) > 0 {
			if kind, ok := rows[0]["kind"].(string); ok {
				return kind, nil
			}
		}
	}
	if !anyReachable {
		return "", &gateway.Error{Kind: gateway.KindAllNodes,
			Err: fmt.Errorf("no node reachable to resolve %s", id)}
	}
	return "", &gateway.Error{Kind: gateway.KindNotFound,
		Err: fmt.Errorf("title %s not found", id)}
}

// GetTitle fetches one row, central preferred, fragments as fallback.
func (c *Coordinator) GetTitle(ctx context.Context, id string) (gateway.Row, error) {
	anyReachable := false
	for _, node := range gateway.AllNodes() {
		rows, err := c.cmd.Query(ctx, node, `SELECT * FROM titles WHERE id = ?`,
			[]any{id}, c.defaultIso)
		if err != nil {
			continue
		}
		anyReachable = true
		if len(rows) > 0 {
			return rows[0], nil
		}
	}
	if !anyReachable {
		return nil, &gateway.Error{Kind: gateway.KindAllNodes,
			Err: fmt.Errorf("no node reachable for %s", id)}
	}
	return nil, &gateway.Error{Kind: gateway.KindNotFound,
		Err: fmt.Errorf("title %s not found", id)}
}

// TitlePage is a paginated title listing from central.
type TitlePage struct {
	Data  []gateway.Row `json:"data"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// ListTitles pages through central's copy, optionally filtered by kind.
func (c *Coordinator) ListTitles(ctx context.Context, page, limit int, kind string) (TitlePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset := (page - 1) * limit

	q := `SELECT * FROM titles ORDER BY year DESC, id ASC LIMIT ? OFFSET ?`
	countQ := `SELECT COUNT(*) AS total FROM titles`
	params := []any{int64(limit), int64(offset)}
	countParams := []any(nil)
	if kind != "" {
		q = `SELECT * FROM titles WHERE kind = ? ORDER BY year DESC, id ASC LIMIT ? OFFSET ?`
		countQ = `SELECT COUNT(*) AS total FROM titles WHERE kind = ?`
		params = []any{kind, int64(limit), int64(offset)}
		countParams = []any{kind}
	}

	rows, err := c.cmd.Query(ctx, gateway.Central, q, params, c.defaultIso)
	if err != nil {
		return TitlePage{}, err
	}
	countRows, err := c.cmd.Query(ctx, gateway.Central, countQ, countParams, c.defaultIso)
	if err != nil {
		return TitlePage{}, err
	}

	var total int64
	if len(countRows) > 0 {
		switch v := countRows[0]["total"].(type) {
		case int64:
			total = v
		case int:
			total = int64(v)
		}
	}
	return TitlePage{Data: rows, Total: total, Page: page, Limit: limit}, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func failed(msg string) WriteResult {
	return WriteResult{Success: false, Message: msg}
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

// normalizeParam coerces JSON-decoded values into the scalar set the log's
// param codec can round-trip.
func normalizeParam(v any) any {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
		return n
	case int:
		return int64(n)
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}
