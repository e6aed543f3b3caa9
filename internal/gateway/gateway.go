// Package gateway is the command interface over the three storage nodes.
//
// Every higher layer — coordinator, replication log, recovery, harness —
// talks to the nodes exclusively through the Commander interface: a
// single-statement transactional Exec/Query pair, a health probe, and
// (for the concurrency harness only) long-lived sessions.  The Gateway
// type is the MySQL implementation; tests substitute an in-memory fake.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// Result reports the outcome of a single committed statement.
type Result struct {
	RowsAffected int64
}

// Row is one result row keyed by column name.
type Row map[string]any

// Status is the health probe result for one node.
type Status struct {
	Node     Node   `json:"node"`
	Online   bool   `json:"online"`
	Healthy  bool   `json:"healthy"`
	RowCount int64  `json:"row_count,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Commander is the narrow surface the rest of the system depends on.
type Commander interface {
	// Exec runs one statement inside an implicit transaction at the given
	// isolation level and commits it.  On any failure it rolls back and
	// returns a classified *Error.
	Exec(ctx context.Context, node Node, query string, params []any, iso Isolation) (Result, error)

	// Query runs one SELECT inside an implicit transaction and returns the
	// rows as column-name maps.
	Query(ctx context.Context, node Node, query string, params []any, iso Isolation) ([]Row, error)

	// Health probes the node: connectivity plus a row count of the data table.
	Health(ctx context.Context, node Node) Status

	// Begin opens a long-lived transaction.  Used only by the concurrency
	// harness, which needs explicit commit points.
	Begin(ctx context.Context, node Node, iso Isolation) (Session, error)
}

// Gateway routes commands to per-node connection pools.
type Gateway struct {
	pools          map[Node]*sql.DB
	connectTimeout time.Duration
	startupRetries int
	startupDelay   time.Duration
	log            *logrus.Entry
}

// Options configures a Gateway.
type Options struct {
	// DSNs maps each node to its MySQL DSN (user:pass@tcp(host:port)/db).
	DSNs map[Node]string

	ConnectTimeout time.Duration // per-connection dial timeout
	StartupRetries int           // probe attempts per node in WaitForNodes
	StartupDelay   time.Duration // pause between startup probes
}

// New opens a pool per node.  Pools are lazy: a node being down does not
// fail construction, only the commands routed to it.
func New(opts Options) (*Gateway, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.StartupRetries == 0 {
		opts.StartupRetries = 30
	}
	if opts.StartupDelay == 0 {
		opts.StartupDelay = 2 * time.Second
	}

	g := &Gateway{
		pools:          make(map[Node]*sql.DB, len(opts.DSNs)),
		connectTimeout: opts.ConnectTimeout,
		startupRetries: opts.StartupRetries,
		startupDelay:   opts.StartupDelay,
		log:            logrus.WithField("component", "gateway"),
	}

	for _, node := range AllNodes() {
		dsn, ok := opts.DSNs[node]
		if !ok {
			return nil, fmt.Errorf("no DSN configured for node %s", node)
		}
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse DSN for %s: %w", node, err)
		}
		cfg.Timeout = opts.ConnectTimeout
		cfg.ParseTime = true

		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			return nil, fmt.Errorf("open pool for %s: %w", node, err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(time.Minute)
		g.pools[node] = db
	}
	return g, nil
}

// Close releases all pools.
func (g *Gateway) Close() error {
	var first error
	for node, db := range g.pools {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("close pool %s: %w", node, err)
		}
	}
	return first
}

// WaitForNodes blocks until every node answers a ping, retrying each up to
// the configured attempt count.  A node that never answers is fatal.
func (g *Gateway) WaitForNodes(ctx context.Context) error {
	g.log.Info("waiting for storage nodes to come up")
	for _, node := range AllNodes() {
		var lastErr error
		ready := false
		for attempt := 1; attempt <= g.startupRetries; attempt++ {
			pingCtx, cancel := context.WithTimeout(ctx, g.connectTimeout)
			lastErr = g.pools[node].PingContext(pingCtx)
			cancel()
			if lastErr == nil {
				g.log.WithField("node", node).Info("node is ready")
				ready = true
				break
			}
			g.log.WithFields(logrus.Fields{
				"node": node, "attempt": attempt, "of": g.startupRetries,
			}).Warn("node not ready, retrying")
			select {
			case <-time.After(g.startupDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !ready {
			return fmt.Errorf("node %s failed to connect after %d attempts: %w",
				node, g.startupRetries, lastErr)
		}
	}
	g.log.Info("all storage nodes are ready")
	return nil
}

// ─── Commander implementation ─────────────────────────────────────────────────

func (g *Gateway) Exec(ctx context.Context, node Node, query string, params []any, iso Isolation) (Result, error) {
	db, ok := g.pools[node]
	if !ok {
		return Result{}, &Error{Kind: KindOther, Node: node, Err: fmt.Errorf("unknown node")}
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: iso.Level()})
	if err != nil {
		return Result{}, Classify(node, err)
	}

	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		_ = tx.Rollback()
		return Result{}, Classify(node, err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, Classify(node, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return Result{RowsAffected: affected}, nil
}

func (g *Gateway) Query(ctx context.Context, node Node, query string, params []any, iso Isolation) ([]Row, error) {
	db, ok := g.pools[node]
	if !ok {
		return nil, &Error{Kind: KindOther, Node: node, Err: fmt.Errorf("unknown node")}
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: iso.Level(), ReadOnly: true})
	if err != nil {
		return nil, Classify(node, err)
	}

	rows, err := tx.QueryContext(ctx, query, params...)
	if err != nil {
		_ = tx.Rollback()
		return nil, Classify(node, err)
	}
	out, err := scanRows(rows)
	rows.Close()
	if err != nil {
		_ = tx.Rollback()
		return nil, Classify(node, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, Classify(node, err)
	}
	return out, nil
}

func (g *Gateway) Health(ctx context.Context, node Node) Status {
	db, ok := g.pools[node]
	if !ok {
		return Status{Node: node, Err: "unknown node"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()

	if err := db.PingContext(probeCtx); err != nil {
		return Status{Node: node, Online: false, Err: err.Error()}
	}

	var count int64
	err := db.QueryRowContext(probeCtx, "SELECT COUNT(*) FROM titles").Scan(&count)
	if err != nil {
		// Reachable but not serving the data table.
		return Status{Node: node, Online: true, Healthy: false, Err: err.Error()}
	}
	return Status{Node: node, Online: true, Healthy: true, RowCount: count}
}

func (g *Gateway) Begin(ctx context.Context, node Node, iso Isolation) (Session, error) {
	db, ok := g.pools[node]
	if !ok {
		return nil, &Error{Kind: KindOther, Node: node, Err: fmt.Errorf("unknown node")}
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: iso.Level()})
	if err != nil {
		return nil, Classify(node, err)
	}
	return &sqlSession{node: node, tx: tx}, nil
}

// scanRows converts sql.Rows into generic column-name maps, decoding []byte
// columns to string so rows compare and serialise cleanly.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
