// Package gatewaytest provides an in-memory Commander for tests.
//
// The fake keeps a titles table and a transaction_log per node and
// interprets the fixed statement set the system issues, so coordinator,
// log, and recovery behaviour can be exercised end to end without a
// MySQL cluster.  Nodes can be taken down (connect failures) and
// individual statements can be scripted to fail.
package gatewaytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"distributed-titledb/internal/gateway"
)

// Fake implements gateway.Commander over in-memory state.
type Fake struct {
	mu      sync.Mutex
	titles  map[gateway.Node]map[string]map[string]any
	logs    map[gateway.Node][]map[string]any
	down    map[gateway.Node]bool
	nextErr map[gateway.Node]error
	seq     int
	base    time.Time
}

// NewFake creates an empty cluster.
func NewFake() *Fake {
	f := &Fake{
		titles:  make(map[gateway.Node]map[string]map[string]any),
		logs:    make(map[gateway.Node][]map[string]any),
		down:    make(map[gateway.Node]bool),
		nextErr: make(map[gateway.Node]error),
		base:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, node := range gateway.AllNodes() {
		f.titles[node] = make(map[string]map[string]any)
	}
	return f
}

// SetDown marks a node unreachable (or reachable again).
func (f *Fake) SetDown(node gateway.Node, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[node] = down
}

// FailNext scripts a one-shot error for the node's next statement.
func (f *Fake) FailNext(node gateway.Node, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextErr[node] = err
}

// ConstraintErr builds the duplicate-key error the fake raises on id
// collisions, usable by tests for scripting.
func ConstraintErr(node gateway.Node, id string) error {
	return &gateway.Error{Kind: gateway.KindConstraint, Node: node,
		Err: fmt.Errorf("duplicate entry %q for key 'PRIMARY'", id)}
}

// SeedTitle places a row directly on the given nodes, bypassing the
// write path.
func (f *Fake) SeedTitle(nodes []gateway.Node, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range nodes {
		f.titles[node][row["id"].(string)] = copyRow(row)
	}
}

// TitleRow returns a copy of one node's row, nil if absent.
func (f *Fake) TitleRow(node gateway.Node, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.titles[node][id]
	if !ok {
		return nil
	}
	return copyRow(row)
}

// LogRows returns a copy of a node's transaction_log in append order.
func (f *Fake) LogRows(node gateway.Node) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.logs[node]))
	for _, row := range f.logs[node] {
		out = append(out, copyRow(row))
	}
	return out
}

// ─── Commander implementation ─────────────────────────────────────────────────

func (f *Fake) Exec(ctx context.Context, node gateway.Node, query string, params []any, iso gateway.Isolation) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(node); err != nil {
		return gateway.Result{}, err
	}
	return f.exec(node, normalize(query), params)
}

func (f *Fake) Query(ctx context.Context, node gateway.Node, query string, params []any, iso gateway.Isolation) ([]gateway.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(node); err != nil {
		return nil, err
	}
	return f.query(node, normalize(query), params)
}

func (f *Fake) Health(ctx context.Context, node gateway.Node) gateway.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[node] {
		return gateway.Status{Node: node, Online: false, Err: "connection refused"}
	}
	return gateway.Status{
		Node: node, Online: true, Healthy: true,
		RowCount: int64(len(f.titles[node])),
	}
}

func (f *Fake) Begin(ctx context.Context, node gateway.Node, iso gateway.Isolation) (gateway.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.gate(node); err != nil {
		return nil, err
	}
	return &fakeSession{f: f, node: node}, nil
}

// gate applies down state and scripted one-shot errors.  Caller holds the lock.
func (f *Fake) gate(node gateway.Node) error {
	if f.down[node] {
		return &gateway.Error{Kind: gateway.KindConnect, Node: node,
			Err: fmt.Errorf("dial tcp: connection refused")}
	}
	if err := f.nextErr[node]; err != nil {
		delete(f.nextErr, node)
		return err
	}
	return nil
}

// fakeSession applies statements directly; the fake does not model
// isolation, so sessions behave as autocommit with explicit boundaries.
type fakeSession struct {
	f    *Fake
	node gateway.Node
}

func (s *fakeSession) Exec(ctx context.Context, query string, params ...any) (gateway.Result, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.f.gate(s.node); err != nil {
		return gateway.Result{}, err
	}
	return s.f.exec(s.node, normalize(query), params)
}

func (s *fakeSession) Query(ctx context.Context, query string, params ...any) ([]gateway.Row, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.f.gate(s.node); err != nil {
		return nil, err
	}
	return s.f.query(s.node, normalize(query), params)
}

func (s *fakeSession) Commit() error   { return nil }
func (s *fakeSession) Rollback() error { return nil }

// ─── Statement interpreter ────────────────────────────────────────────────────

func (f *Fake) exec(node gateway.Node, q string, params []any) (gateway.Result, error) {
	switch {
	case strings.HasPrefix(q, "CREATE TABLE"):
		return gateway.Result{}, nil

	case strings.HasPrefix(q, "INSERT INTO titles"):
		id := asString(params[0])
		if _, exists := f.titles[node][id]; exists {
			return gateway.Result{}, ConstraintErr(node, id)
		}
		row := map[string]any{
			"id": id, "kind": asString(params[1]), "title": asString(params[2]),
			"year": params[3], "runtime": params[4], "genres": params[5],
			"last_updated": f.tick(),
		}
		if len(params) == 7 {
			row["last_updated"] = params[6]
		}
		f.titles[node][id] = row
		return gateway.Result{RowsAffected: 1}, nil

	case strings.HasPrefix(q, "UPDATE titles SET"):
		cols := setColumns(q)
		id := asString(params[len(params)-1])
		row, ok := f.titles[node][id]
		if !ok {
			return gateway.Result{RowsAffected: 0}, nil
		}
		for i, col := range cols {
			row[col] = params[i]
		}
		row["last_updated"] = f.tick()
		return gateway.Result{RowsAffected: 1}, nil

	case q == "DELETE FROM titles":
		n := int64(len(f.titles[node]))
		f.titles[node] = make(map[string]map[string]any)
		return gateway.Result{RowsAffected: n}, nil

	case strings.HasPrefix(q, "DELETE FROM titles WHERE id = ?"):
		id := asString(params[0])
		if _, ok := f.titles[node][id]; !ok {
			return gateway.Result{RowsAffected: 0}, nil
		}
		delete(f.titles[node], id)
		return gateway.Result{RowsAffected: 1}, nil

	case strings.HasPrefix(q, "INSERT INTO transaction_log"):
		now := f.tick()
		f.logs[node] = append(f.logs[node], map[string]any{
			"txn_id": asString(params[0]), "source_node": asString(params[1]),
			"target_node": asString(params[2]), "operation_type": asString(params[3]),
			"record_id": asString(params[4]), "query_text": asString(params[5]),
			"query_params": asString(params[6]), "status": asString(params[7]),
			"retry_count": int64(0), "max_retries": params[8],
			"last_error": asString(params[9]),
			"created_at": now, "updated_at": now,
		})
		return gateway.Result{RowsAffected: 1}, nil

	case strings.HasPrefix(q, "UPDATE transaction_log SET retry_count = retry_count + 1"):
		txn := asString(params[0])
		for _, row := range f.logs[node] {
			if row["txn_id"] == txn {
				row["retry_count"] = row["retry_count"].(int64) + 1
				row["updated_at"] = f.tick()
				return gateway.Result{RowsAffected: 1}, nil
			}
		}
		return gateway.Result{RowsAffected: 0}, nil

	case strings.HasPrefix(q, "UPDATE transaction_log SET status = ?"):
		status, lastErr, txn := asString(params[0]), asString(params[1]), asString(params[2])
		for _, row := range f.logs[node] {
			if row["txn_id"] == txn && row["status"] == "PENDING" {
				row["status"] = status
				row["last_error"] = lastErr
				row["updated_at"] = f.tick()
				return gateway.Result{RowsAffected: 1}, nil
			}
		}
		return gateway.Result{RowsAffected: 0}, nil
	}
	return gateway.Result{}, fmt.Errorf("fake: unhandled statement %q", q)
}

func (f *Fake) query(node gateway.Node, q string, params []any) ([]gateway.Row, error) {
	switch {
	case strings.HasPrefix(q, "SELECT kind FROM titles WHERE id = ?"):
		if row, ok := f.titles[node][asString(params[0])]; ok {
			return []gateway.Row{{"kind": row["kind"]}}, nil
		}
		return nil, nil

	case strings.HasPrefix(q, "SELECT * FROM titles WHERE id = ?"):
		// Covers the FOR UPDATE variant; the fake does not model locks.
		if row, ok := f.titles[node][asString(params[0])]; ok {
			return []gateway.Row{gateway.Row(copyRow(row))}, nil
		}
		return nil, nil

	case strings.HasPrefix(q, "SELECT id FROM titles WHERE kind = ? AND runtime IS NOT NULL"):
		for _, row := range f.titles[node] {
			if row["kind"] == params[0] && row["runtime"] != nil {
				return []gateway.Row{{"id": row["id"]}}, nil
			}
		}
		return nil, nil

	case strings.HasPrefix(q, "SELECT COUNT(*) AS total FROM titles"):
		count := int64(0)
		for _, row := range f.titles[node] {
			if len(params) == 0 || row["kind"] == params[0] {
				count++
			}
		}
		return []gateway.Row{{"total": count}}, nil

	case strings.HasPrefix(q, "SELECT * FROM titles ORDER BY"),
		strings.HasPrefix(q, "SELECT * FROM titles WHERE kind = ? ORDER BY"):
		out := make([]gateway.Row, 0, len(f.titles[node]))
		for _, row := range f.titles[node] {
			if strings.Contains(q, "WHERE kind = ?") && row["kind"] != params[0] {
				continue
			}
			out = append(out, gateway.Row(copyRow(row)))
		}
		return out, nil

	case strings.HasPrefix(q, "SELECT id, kind, title, year, runtime, genres, last_updated FROM titles"):
		wantMovie := strings.Contains(q, "kind = ?")
		var out []gateway.Row
		for _, row := range f.titles[node] {
			isMovie := row["kind"] == params[0]
			if isMovie == wantMovie {
				out = append(out, gateway.Row(copyRow(row)))
			}
		}
		return out, nil

	case strings.HasPrefix(q, "SELECT target_node, status, retry_count, max_retries FROM transaction_log"):
		var out []gateway.Row
		for _, row := range f.logs[node] {
			out = append(out, gateway.Row{
				"target_node": row["target_node"], "status": row["status"],
				"retry_count": row["retry_count"], "max_retries": row["max_retries"],
			})
		}
		return out, nil

	case strings.Contains(q, "FROM transaction_log") && strings.Contains(q, "status = 'PENDING'"):
		var out []gateway.Row
		for _, row := range f.logs[node] {
			if row["status"] != "PENDING" {
				continue
			}
			if row["retry_count"].(int64) >= asInt64(row["max_retries"]) {
				continue
			}
			if strings.Contains(q, "target_node = ?") && row["target_node"] != params[0] {
				continue
			}
			out = append(out, gateway.Row(copyRow(row)))
		}
		return out, nil // append order == created_at order

	case strings.Contains(q, "FROM transaction_log") && strings.Contains(q, "ORDER BY created_at DESC"):
		limit := int(asInt64(params[0]))
		var out []gateway.Row
		for i := len(f.logs[node]) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, gateway.Row(copyRow(f.logs[node][i])))
		}
		return out, nil
	}
	return nil, fmt.Errorf("fake: unhandled query %q", q)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// tick returns a strictly increasing timestamp so created_at ordering is
// deterministic.
func (f *Fake) tick() time.Time {
	f.seq++
	return f.base.Add(time.Duration(f.seq) * time.Millisecond)
}

func normalize(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// setColumns extracts the assigned column names from an UPDATE statement.
func setColumns(q string) []string {
	body := q[strings.Index(q, "SET ")+4:]
	if i := strings.Index(body, " WHERE"); i >= 0 {
		body = body[:i]
	}
	parts := strings.Split(body, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if col := strings.TrimSpace(strings.SplitN(p, "=", 2)[0]); col != "" {
			cols = append(cols, col)
		}
	}
	return cols
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
