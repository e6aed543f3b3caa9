// Package harness drives controlled concurrency experiments against the
// storage nodes.
//
// Three scenarios — concurrent readers, readers racing writers, and
// concurrent writers — run tightly synchronised transactions through
// gateway sessions (bypassing the coordinator) and classify the isolation
// anomalies they observe.  Engine errors are data points here, never test
// failures.
package harness

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/gateway"
)

// Scripted sleeps.  Each scenario's classification thresholds are derived
// from these, so changing a sleep keeps the analysis calibrated.
const (
	readThink  = 100 * time.Millisecond // pause between a reader's two reads
	writerHold = 500 * time.Millisecond // how long R/W writers hold the open transaction
	lockHold   = 150 * time.Millisecond // how long W/W writers sit on the row lock
	settle     = 300 * time.Millisecond // pause before taking final snapshots
)

// Derived thresholds.
const (
	// A first read landing inside the writer's hold window overlapped the write.
	readDuringWriteWindow = writerHold - readThink
	// A reader that takes three think-times was waiting on a lock.
	readerBlockedAfter = 3 * readThink
	// A writer that outlives its own lock hold by 50ms queued behind a peer.
	writerLockWaitAfter = lockHold + 50*time.Millisecond
	// R/R readers never contend; anything over a second means blocking.
	readerBlockedRR = time.Second
)

// fallbackRecordID is used when no suitable row can be auto-selected.
const fallbackRecordID = "tt0035423"

// Harness runs the scenarios.  It talks only to the gateway.
type Harness struct {
	cmd        gateway.Commander
	defaultIso gateway.Isolation
	log        *logrus.Entry
}

// New creates a Harness.
func New(cmd gateway.Commander, defaultIso gateway.Isolation) *Harness {
	if defaultIso == "" {
		defaultIso = gateway.ReadCommitted
	}
	return &Harness{
		cmd:        cmd,
		defaultIso: defaultIso,
		log:        logrus.WithField("component", "harness"),
	}
}

// ─── Rendezvous barrier ───────────────────────────────────────────────────────

// barrier releases all participants at once when the last one arrives.
// Single-use.
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()
	<-b.release
}

// ─── Record selection ─────────────────────────────────────────────────────────

// pickRecord auto-selects a row known to exist on central and a fragment:
// a movie with a non-null runtime, falling back to a fixed id.
func (h *Harness) pickRecord(ctx context.Context) string {
	rows, err := h.cmd.Query(ctx, gateway.Central,
		`SELECT id FROM titles WHERE kind = ? AND runtime IS NOT NULL LIMIT 1`,
		[]any{gateway.KindMovie}, h.defaultIso)
	if err == nil && len(rows) > 0 {
		if id, ok := rows[0]["id"].(string); ok && id != "" {
			return id
		}
	}
	return fallbackRecordID
}

// resolveRecord fetches the row and works out which fragment holds it.
func (h *Harness) resolveRecord(ctx context.Context, id string) (gateway.Row, gateway.Node, error) {
	for _, node := range gateway.AllNodes() {
		rows, err := h.cmd.Query(ctx, node, `SELECT * FROM titles WHERE id = ?`,
			[]any{id}, h.defaultIso)
		if err != nil {
			continue
		}
		if len(rows) > 0 {
			kind, _ := rows[0]["kind"].(string)
			return rows[0], gateway.PrimaryFor(kind), nil
		}
	}
	return nil, "", fmt.Errorf("title %s not found on any reachable node", id)
}

// snapshot reads the row's current state outside any scenario transaction.
func (h *Harness) snapshot(ctx context.Context, node gateway.Node, id string) gateway.Row {
	rows, err := h.cmd.Query(ctx, node, `SELECT * FROM titles WHERE id = ?`,
		[]any{id}, h.defaultIso)
	if err != nil || len(rows) == 0 {
		return nil
	}
	return rows[0]
}

// ─── Row comparison ───────────────────────────────────────────────────────────

// canonical renders a row as a stable key-ordered string so rows from
// different nodes compare by value.
func canonical(row gateway.Row) string {
	if row == nil {
		return ""
	}
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += fmt.Sprintf("%s=%v;", k, row[k])
	}
	return out
}

func rowsEqual(a, b gateway.Row) bool {
	return canonical(a) == canonical(b)
}

// allEqual reports whether every non-nil row has the same value.
func allEqual(rows []gateway.Row) bool {
	seen := make(map[string]struct{})
	for _, r := range rows {
		if r == nil {
			continue
		}
		seen[canonical(r)] = struct{}{}
	}
	return len(seen) <= 1
}

// intField pulls an integer column out of a row, tolerating the driver's
// scan types.
func intField(row gateway.Row, col string) (int, bool) {
	if row == nil {
		return 0, false
	}
	switch v := row[col].(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

// randomRuntime picks a runtime value inside [lo, hi] for auto-generated
// scenario updates.
func randomRuntime(lo, hi int) int {
	return lo + rand.Intn(hi-lo+1)
}
