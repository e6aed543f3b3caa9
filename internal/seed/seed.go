// Package seed bootstraps the cluster: schema creation on every node, CSV
// import into central, and fragment initialization from central's copy.
package seed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/gateway"
)

// Schema for the data table and the per-node replication log.  Applied to
// all three nodes; each node's transaction_log holds only the
// replications that node itself sourced (pending, and retained SUCCESS
// and FAILED rows).
const (
	titlesDDL = `CREATE TABLE IF NOT EXISTS titles (
    id           VARCHAR(16)  NOT NULL PRIMARY KEY,
    kind         VARCHAR(32)  NOT NULL,
    title        VARCHAR(512) NOT NULL,
    year         INT          NULL,
    runtime      INT          NULL,
    genres       VARCHAR(256) NULL,
    last_updated TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_titles_kind (kind)
)`

	logDDL = `CREATE TABLE IF NOT EXISTS transaction_log (
    txn_id         VARCHAR(36)  NOT NULL PRIMARY KEY,
    source_node    VARCHAR(16)  NOT NULL,
    target_node    VARCHAR(16)  NOT NULL,
    operation_type VARCHAR(8)   NOT NULL,
    record_id      VARCHAR(16)  NOT NULL,
    query_text     TEXT         NOT NULL,
    query_params   TEXT         NULL,
    status         VARCHAR(8)   NOT NULL DEFAULT 'PENDING',
    retry_count    INT          NOT NULL DEFAULT 0,
    max_retries    INT          NOT NULL DEFAULT 5,
    last_error     TEXT         NULL,
    created_at     TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_log_status (status, retry_count),
    INDEX idx_log_target (target_node, status)
)`
)

// Seeder runs the bootstrap pipeline through the node gateway.
type Seeder struct {
	cmd gateway.Commander
	log *logrus.Entry
}

// New creates a Seeder.
func New(cmd gateway.Commander) *Seeder {
	return &Seeder{cmd: cmd, log: logrus.WithField("component", "seed")}
}

// CreateSchema applies the DDL on every node.
func (s *Seeder) CreateSchema(ctx context.Context) error {
	for _, node := range gateway.AllNodes() {
		for _, ddl := range []string{titlesDDL, logDDL} {
			if _, err := s.cmd.Exec(ctx, node, ddl, nil, gateway.ReadCommitted); err != nil {
				return fmt.Errorf("create schema on %s: %w", node, err)
			}
		}
		s.log.WithField("node", node).Info("schema ready")
	}
	return nil
}

// ImportCSV streams a title CSV into central.  Expected columns:
// id, kind, title, year, runtime, genres — header row required.
// Empty year/runtime cells become NULL.
func (s *Seeder) ImportCSV(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	// Skip the header.
	if _, err := r.Read(); err != nil {
		return 0, fmt.Errorf("read csv header: %w", err)
	}

	const q = `INSERT INTO titles (id, kind, title, year, runtime, genres)
		VALUES (?, ?, ?, ?, ?, ?)`

	imported := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("read csv row %d: %w", imported+2, err)
		}

		params := []any{
			record[0], record[1], record[2],
			nullableInt(record[3]), nullableInt(record[4]), record[5],
		}
		if _, err := s.cmd.Exec(ctx, gateway.Central, q, params, gateway.ReadCommitted); err != nil {
			if gateway.KindOf(err) == gateway.KindConstraint {
				continue // already imported
			}
			return imported, fmt.Errorf("insert %s: %w", record[0], err)
		}
		imported++
	}

	s.log.WithField("rows", imported).Info("csv imported into central")
	return imported, nil
}

// InitializeFragments rebuilds both fragments from central's copy,
// preserving last_updated so the replicas stay byte-identical.  Existing
// fragment data is cleared first.
func (s *Seeder) InitializeFragments(ctx context.Context) error {
	for _, frag := range []gateway.Node{gateway.FragA, gateway.FragB} {
		var rows []gateway.Row
		var err error
		if frag == gateway.FragA {
			rows, err = s.cmd.Query(ctx, gateway.Central,
				`SELECT id, kind, title, year, runtime, genres, last_updated
				 FROM titles WHERE kind = ?`,
				[]any{gateway.KindMovie}, gateway.ReadCommitted)
		} else {
			rows, err = s.cmd.Query(ctx, gateway.Central,
				`SELECT id, kind, title, year, runtime, genres, last_updated
				 FROM titles WHERE kind <> ?`,
				[]any{gateway.KindMovie}, gateway.ReadCommitted)
		}
		if err != nil {
			return fmt.Errorf("read central for %s: %w", frag, err)
		}

		if _, err := s.cmd.Exec(ctx, frag, `DELETE FROM titles`, nil, gateway.ReadCommitted); err != nil {
			return fmt.Errorf("clear %s: %w", frag, err)
		}

		const q = `INSERT INTO titles (id, kind, title, year, runtime, genres, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, row := range rows {
			params := []any{
				row["id"], row["kind"], row["title"],
				row["year"], row["runtime"], row["genres"], row["last_updated"],
			}
			if _, err := s.cmd.Exec(ctx, frag, q, params, gateway.ReadCommitted); err != nil {
				return fmt.Errorf("copy %v to %s: %w", row["id"], frag, err)
			}
		}
		s.log.WithFields(logrus.Fields{"node": frag, "rows": len(rows)}).
			Info("fragment initialized from central")
	}
	return nil
}

// ClearResult is the outcome of clearing one node.
type ClearResult struct {
	Node        gateway.Node `json:"node"`
	Success     bool         `json:"success"`
	RowsDeleted int64        `json:"rows_deleted"`
	Err         string       `json:"error,omitempty"`
}

// ClearAll deletes every title row on every node.
func (s *Seeder) ClearAll(ctx context.Context) []ClearResult {
	results := make([]ClearResult, 0, 3)
	for _, node := range gateway.AllNodes() {
		res, err := s.cmd.Exec(ctx, node, `DELETE FROM titles`, nil, gateway.ReadCommitted)
		if err != nil {
			results = append(results, ClearResult{Node: node, Err: err.Error()})
			continue
		}
		results = append(results, ClearResult{Node: node, Success: true, RowsDeleted: res.RowsAffected})
	}
	return results
}

// NodeCounts returns the title row count per node, or the error string for
// unreachable nodes.
func (s *Seeder) NodeCounts(ctx context.Context) map[string]any {
	counts := make(map[string]any, 3)
	for _, node := range gateway.AllNodes() {
		st := s.cmd.Health(ctx, node)
		if !st.Online {
			counts[string(node)] = "offline"
			continue
		}
		if !st.Healthy {
			counts[string(node)] = st.Err
			continue
		}
		counts[string(node)] = st.RowCount
	}
	return counts
}

// ResetAndReinitialize is the full pipeline: clear, import, re-fragment.
func (s *Seeder) ResetAndReinitialize(ctx context.Context, csvPath string) (map[string]any, error) {
	for _, r := range s.ClearAll(ctx) {
		if !r.Success {
			return nil, fmt.Errorf("clear %s: %s", r.Node, r.Err)
		}
	}
	imported, err := s.ImportCSV(ctx, csvPath)
	if err != nil {
		return nil, err
	}
	if err := s.InitializeFragments(ctx); err != nil {
		return nil, err
	}
	return map[string]any{
		"rows_imported": imported,
		"node_counts":   s.NodeCounts(ctx),
	}, nil
}

func nullableInt(s string) any {
	if s == "" || s == `\N` {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return n
}
