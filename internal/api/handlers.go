// Package api wires up the Gin HTTP router with all handler functions.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distributed-titledb/internal/coordinator"
	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/harness"
	"distributed-titledb/internal/recovery"
	"distributed-titledb/internal/seed"
)

// Handler holds all dependencies injected from main.
type Handler struct {
	cmd        gateway.Commander
	coord      *coordinator.Coordinator
	recovery   *recovery.Engine
	harness    *harness.Harness
	seeder     *seed.Seeder
	defaultIso gateway.Isolation
}

// NewHandler creates a Handler.
func NewHandler(cmd gateway.Commander, coord *coordinator.Coordinator,
	rec *recovery.Engine, h *harness.Harness, s *seed.Seeder, defaultIso gateway.Isolation) *Handler {
	return &Handler{
		cmd: cmd, coord: coord, recovery: rec, harness: h, seeder: s,
		defaultIso: defaultIso,
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Title CRUD — the coordinator's write path.
	titles := r.Group("/titles")
	titles.GET("", h.ListTitles)
	titles.GET("/:id", h.GetTitle)
	titles.POST("", h.InsertTitle)
	titles.PUT("/:id", h.UpdateTitle)
	titles.DELETE("/:id", h.DeleteTitle)

	// Node and replication status.
	r.GET("/nodes/health", h.NodesHealth)
	r.GET("/logs", h.RecentLogs)

	// Recovery.
	rec := r.Group("/recovery")
	rec.GET("/status", h.RecoveryStatus)
	rec.POST("/:node", h.RecoverNode)

	// Concurrency harness.
	test := r.Group("/test")
	test.POST("/concurrent-reads", h.TestConcurrentReads)
	test.POST("/read-write-conflict", h.TestReadWriteConflict)
	test.POST("/concurrent-writes", h.TestConcurrentWrites)
	test.GET("/failure/:scenario", h.FailureDrill)

	// Bootstrap / maintenance.
	admin := r.Group("/admin")
	admin.POST("/schema", h.CreateSchema)
	admin.POST("/reset", h.Reset)
	admin.GET("/counts", h.NodeCounts)
}

// statusFor maps a classified gateway error to an HTTP status.
func statusFor(err error) int {
	switch gateway.KindOf(err) {
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindConstraint, gateway.KindDeadlock, gateway.KindLockTimeout:
		return http.StatusConflict
	case gateway.KindAllNodes, gateway.KindConnect:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ─── Titles ───────────────────────────────────────────────────────────────────

// InsertTitle handles POST /titles
func (h *Handler) InsertTitle(c *gin.Context) {
	var t coordinator.Title
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.coord.InsertTitle(c.Request.Context(), t)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusCreated, res)
}

// UpdateTitle handles PUT /titles/:id
// Body: {"fields": {"runtime": 95}, "isolation": "REPEATABLE READ"}
func (h *Handler) UpdateTitle(c *gin.Context) {
	var body struct {
		Fields    map[string]any `json:"fields" binding:"required"`
		Isolation string         `json:"isolation"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	iso, err := gateway.ParseIsolation(body.Isolation, h.defaultIso)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.coord.UpdateTitle(c.Request.Context(), c.Param("id"), body.Fields, iso)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteTitle handles DELETE /titles/:id
func (h *Handler) DeleteTitle(c *gin.Context) {
	res, err := h.coord.DeleteTitle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetTitle handles GET /titles/:id
func (h *Handler) GetTitle(c *gin.Context) {
	row, err := h.coord.GetTitle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, row)
}

// ListTitles handles GET /titles?page=&limit=&kind=
func (h *Handler) ListTitles(c *gin.Context) {
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)

	res, err := h.coord.ListTitles(c.Request.Context(), page, limit, c.Query("kind"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─── Status ───────────────────────────────────────────────────────────────────

// Healthz handles GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NodesHealth handles GET /nodes/health
func (h *Handler) NodesHealth(c *gin.Context) {
	out := make(map[string]gateway.Status, 3)
	for _, node := range gateway.AllNodes() {
		out[string(node)] = h.cmd.Health(c.Request.Context(), node)
	}
	c.JSON(http.StatusOK, out)
}

// RecentLogs handles GET /logs?node=central&limit=50
func (h *Handler) RecentLogs(c *gin.Context) {
	node := gateway.Central
	if q := c.Query("node"); q != "" {
		parsed, err := gateway.ParseNode(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		node = parsed
	}

	entries, err := h.coord.Log().Recent(c.Request.Context(), node, intQuery(c, "limit", 50))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "logs": entries})
}

// ─── Recovery ─────────────────────────────────────────────────────────────────

// RecoveryStatus handles GET /recovery/status
func (h *Handler) RecoveryStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.recovery.PendingSummary(c.Request.Context()))
}

// RecoverNode handles POST /recovery/:node
func (h *Handler) RecoverNode(c *gin.Context) {
	node, err := gateway.ParseNode(c.Param("node"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.recovery.RecoverNode(c.Request.Context(), node)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ─── Harness ──────────────────────────────────────────────────────────────────

// TestConcurrentReads handles POST /test/concurrent-reads
// Body: {"id": "tt1", "isolation": "REPEATABLE READ"} — both optional.
func (h *Handler) TestConcurrentReads(c *gin.Context) {
	var body struct {
		ID        string `json:"id"`
		Isolation string `json:"isolation"`
	}
	_ = c.ShouldBindJSON(&body) // an empty body is a valid request

	iso, err := gateway.ParseIsolation(body.Isolation, h.defaultIso)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.harness.TestConcurrentReads(c.Request.Context(), body.ID, iso)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TestReadWriteConflict handles POST /test/read-write-conflict
// Body: {"id": "tt1", "fields": {"runtime": 95}, "isolation": "..."} — all optional.
func (h *Handler) TestReadWriteConflict(c *gin.Context) {
	var body struct {
		ID        string         `json:"id"`
		Fields    map[string]any `json:"fields"`
		Isolation string         `json:"isolation"`
	}
	_ = c.ShouldBindJSON(&body)

	iso, err := gateway.ParseIsolation(body.Isolation, h.defaultIso)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.harness.TestReadWriteConflict(c.Request.Context(), body.ID, body.Fields, iso)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// TestConcurrentWrites handles POST /test/concurrent-writes
// Body: {"updates": [{"id": "tt1", "fields": {...}}], "isolation": "..."} — optional.
func (h *Handler) TestConcurrentWrites(c *gin.Context) {
	var body struct {
		Updates   []harness.WriterUpdate `json:"updates"`
		Isolation string                 `json:"isolation"`
	}
	_ = c.ShouldBindJSON(&body)

	iso, err := gateway.ParseIsolation(body.Isolation, h.defaultIso)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.harness.TestConcurrentWrites(c.Request.Context(), body.Updates, iso)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// FailureDrill handles GET /test/failure/:scenario
func (h *Handler) FailureDrill(c *gin.Context) {
	drill, err := harness.SimulateFailure(c.Param("scenario"),
		h.recovery.PendingCount(c.Request.Context()))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, drill)
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// CreateSchema handles POST /admin/schema
func (h *Handler) CreateSchema(c *gin.Context) {
	if err := h.seeder.CreateSchema(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schema created on all nodes"})
}

// Reset handles POST /admin/reset
// Body: {"csv_path": "/data/titles.csv"}
func (h *Handler) Reset(c *gin.Context) {
	var body struct {
		CSVPath string `json:"csv_path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.seeder.ResetAndReinitialize(c.Request.Context(), body.CSVPath)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// NodeCounts handles GET /admin/counts
func (h *Handler) NodeCounts(c *gin.Context) {
	c.JSON(http.StatusOK, h.seeder.NodeCounts(c.Request.Context()))
}

func intQuery(c *gin.Context, name string, def int) int {
	q := c.Query(name)
	if q == "" {
		return def
	}
	v, err := strconv.Atoi(q)
	if err != nil {
		return def
	}
	return v
}
