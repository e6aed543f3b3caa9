// Package recovery drains the replication logs.
//
// A single background reconciler visits every source node each cycle and
// replays pending entries whose target is reachable; a synchronous
// RecoverNode does the same for one returning node on demand.  Both paths
// share per-entry logic: an offline target is skipped without burning a
// retry, a duplicate-key rejection counts as success (the replay already
// landed), and an entry that exhausts its retries is marked FAILED and
// never retried automatically again.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/metrics"
	"distributed-titledb/internal/replog"
)

// DefaultRetryInterval is the reconciler cycle period.
const DefaultRetryInterval = 10 * time.Second

// stopWait bounds how long Stop blocks on the worker.
const stopWait = 5 * time.Second

// replay outcomes.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry           // left PENDING, retries remain
	outcomeFailed          // marked FAILED at the retry cap
	outcomeSkipped         // target offline, retry not consumed
)

// Engine owns the one background reconciler worker and the manual
// recovery entry point.
type Engine struct {
	cmd      gateway.Commander
	rlog     *replog.Log
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates an Engine.  interval <= 0 selects the default cycle.
func New(cmd gateway.Commander, rlog *replog.Log, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &Engine{
		cmd:      cmd,
		rlog:     rlog,
		interval: interval,
		log:      logrus.WithField("component", "recovery"),
	}
}

// Interval returns the reconciler cycle period.
func (e *Engine) Interval() time.Duration { return e.interval }

// Running reports whether the background worker is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start launches the background reconciler.  Idempotent: a second Start
// while the worker is alive is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		e.log.Warn("reconciler already running")
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.loop(e.stopCh, e.done)
	e.log.WithField("interval", e.interval).Info("reconciler started")
}

// Stop requests the worker to exit and waits up to five seconds for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopWait):
		e.log.Warn("reconciler did not stop within the wait window")
	}
	e.log.Info("reconciler stopped")
}

func (e *Engine) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		e.cycle(stopCh)
		select {
		case <-ticker.C:
		case <-stopCh:
			return
		}
	}
}

// cycle visits each potential source node once.  The stop flag is checked
// before every node visit and every entry replay so shutdown latency is
// bounded by a single entry replay (its health probe, replay, retry bump
// and status mark).
func (e *Engine) cycle(stopCh <-chan struct{}) {
	ctx := context.Background()
	totalPending := 0
	for _, source := range gateway.AllNodes() {
		select {
		case <-stopCh:
			return
		default:
		}

		entries, err := e.rlog.ListPending(ctx, source)
		if err != nil {
			if !gateway.IsUnavailable(err) {
				e.log.WithError(err).WithField("source", source).Warn("cannot read pending entries")
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}
		e.log.WithFields(logrus.Fields{"source": source, "pending": len(entries)}).
			Info("processing pending replications")

		for _, entry := range entries {
			select {
			case <-stopCh:
				return
			default:
			}
			// Retried and skipped entries both stay PENDING with retries left.
			if o := e.replayEntry(ctx, entry); o == outcomeRetry || o == outcomeSkipped {
				totalPending++
			}
		}
	}
	metrics.PendingReplications.Set(float64(totalPending))
}

// replayEntry retries one log entry against its target.
func (e *Engine) replayEntry(ctx context.Context, entry replog.Entry) outcome {
	fields := logrus.Fields{
		"txn_id": entry.TxnID, "op": entry.Op, "record": entry.RecordID,
		"source": entry.SourceNode, "target": entry.TargetNode,
		"attempt": entry.RetryCount + 1,
	}

	// An offline target does not consume a retry, so a long outage on one
	// target cannot push other entries toward their cap.
	if st := e.cmd.Health(ctx, entry.TargetNode); !st.Online {
		e.log.WithFields(fields).Debug("target still offline, skipping replay")
		metrics.ReplaysTotal.WithLabelValues("skipped").Inc()
		return outcomeSkipped
	}

	_, execErr := e.cmd.Exec(ctx, entry.TargetNode, entry.SQL, entry.Params, gateway.ReadCommitted)

	if err := e.rlog.BumpRetry(ctx, entry.SourceNode, entry.TxnID); err != nil {
		e.log.WithError(err).WithFields(fields).Warn("cannot bump retry counter")
	}

	if execErr == nil {
		if err := e.rlog.Mark(ctx, entry.SourceNode, entry.TxnID, replog.StatusSuccess, ""); err != nil {
			e.log.WithError(err).WithFields(fields).Warn("cannot mark entry SUCCESS")
		}
		e.log.WithFields(fields).Info("replication replayed")
		metrics.ReplaysTotal.WithLabelValues("success").Inc()
		return outcomeSuccess
	}

	// A duplicate key means the target already holds the row — the replay
	// is idempotently complete.
	if gateway.KindOf(execErr) == gateway.KindConstraint {
		note := fmt.Sprintf("duplicate key on replay, target already current: %v", execErr)
		if err := e.rlog.Mark(ctx, entry.SourceNode, entry.TxnID, replog.StatusSuccess, note); err != nil {
			e.log.WithError(err).WithFields(fields).Warn("cannot mark entry SUCCESS")
		}
		e.log.WithFields(fields).Info("replay hit duplicate key, treated as replicated")
		metrics.ReplaysTotal.WithLabelValues("success").Inc()
		return outcomeSuccess
	}

	if entry.RetryCount+1 >= entry.MaxRetries {
		msg := fmt.Sprintf("max retries reached, last error: %v", execErr)
		if err := e.rlog.Mark(ctx, entry.SourceNode, entry.TxnID, replog.StatusFailed, msg); err != nil {
			e.log.WithError(err).WithFields(fields).Warn("cannot mark entry FAILED")
		}
		e.log.WithFields(fields).WithError(execErr).Error("replication failed permanently")
		metrics.ReplaysTotal.WithLabelValues("failed").Inc()
		return outcomeFailed
	}

	e.log.WithFields(fields).WithError(execErr).Warn("replay failed, will retry")
	metrics.ReplaysTotal.WithLabelValues("retry").Inc()
	return outcomeRetry
}

// ─── Manual recovery ──────────────────────────────────────────────────────────

// RecoverResult reports a manual recovery run.
type RecoverResult struct {
	Node      gateway.Node `json:"node"`
	Recovered int          `json:"recovered"`
	Failed    int          `json:"failed"`
	Message   string       `json:"message"`
}

// RecoverNode replays, immediately and synchronously, every pending entry
// targeting the returning node from every other source.  Refuses while
// the node is still offline; running it twice with no intervening writes
// recovers nothing the second time.
func (e *Engine) RecoverNode(ctx context.Context, node gateway.Node) (RecoverResult, error) {
	e.log.WithField("node", node).Info("manual recovery triggered")

	if st := e.cmd.Health(ctx, node); !st.Online {
		return RecoverResult{
			Node:    node,
			Message: fmt.Sprintf("%s is still offline, cannot recover", node),
		}, nil
	}

	recovered, failedCount := 0, 0
	for _, source := range gateway.AllNodes() {
		if source == node {
			continue
		}
		entries, err := e.rlog.ListPendingTargeting(ctx, source, node)
		if err != nil {
			e.log.WithError(err).WithField("source", source).
				Warn("cannot read pending entries for recovery")
			continue
		}
		e.log.WithFields(logrus.Fields{
			"source": source, "target": node, "pending": len(entries),
		}).Info("replaying pending entries")

		for _, entry := range entries {
			if e.replayEntry(ctx, entry) == outcomeSuccess {
				recovered++
			} else {
				failedCount++
			}
		}
	}

	return RecoverResult{
		Node:      node,
		Recovered: recovered,
		Failed:    failedCount,
		Message: fmt.Sprintf("manual recovery complete: %d transactions recovered, %d still pending or failed",
			recovered, failedCount),
	}, nil
}

// ─── Summary ──────────────────────────────────────────────────────────────────

// SourceSummary is the replication backlog of one source node.
type SourceSummary struct {
	Status          string         `json:"status"` // online | offline | error
	PendingCount    int            `json:"pending_count"`
	FailedCount     int            `json:"failed_count"`
	PendingByTarget map[string]int `json:"pending_by_target,omitempty"`
	Err             string         `json:"error,omitempty"`
}

// Summary aggregates the backlog across all sources.
type Summary struct {
	TotalPending         int                      `json:"total_pending"`
	BySource             map[string]SourceSummary `json:"by_node"`
	RetryIntervalSeconds int                      `json:"retry_interval_seconds"`
	AutomaticRetryActive bool                     `json:"automatic_retry_active"`
}

// PendingSummary reports, per source node, the pending and failed entry
// counts and the pending breakdown by target.
func (e *Engine) PendingSummary(ctx context.Context) Summary {
	summary := Summary{
		BySource:             make(map[string]SourceSummary, 3),
		RetryIntervalSeconds: int(e.interval / time.Second),
		AutomaticRetryActive: e.Running(),
	}

	for _, source := range gateway.AllNodes() {
		if st := e.cmd.Health(ctx, source); !st.Online {
			summary.BySource[string(source)] = SourceSummary{Status: "offline"}
			continue
		}
		pending, failedCount, byTarget, err := e.rlog.CountByStatus(ctx, source)
		if err != nil {
			summary.BySource[string(source)] = SourceSummary{Status: "error", Err: err.Error()}
			continue
		}
		summary.BySource[string(source)] = SourceSummary{
			Status:          "online",
			PendingCount:    pending,
			FailedCount:     failedCount,
			PendingByTarget: byTarget,
		}
		summary.TotalPending += pending
	}

	metrics.PendingReplications.Set(float64(summary.TotalPending))
	return summary
}

// PendingCount is the quick total across sources.
func (e *Engine) PendingCount(ctx context.Context) int {
	return e.PendingSummary(ctx).TotalPending
}
