// cmd/server is the coordinator entrypoint.
//
// It connects to the three storage nodes, starts the background
// reconciler, and serves the HTTP API.
//
// Example:
//
//	./server --config config.yaml
//	./server --listen :8080 --central "root:pw@tcp(db1:3306)/titledb" \
//	         --fragA "root:pw@tcp(db2:3306)/titledb" \
//	         --fragB "root:pw@tcp(db3:3306)/titledb"
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"distributed-titledb/internal/api"
	"distributed-titledb/internal/config"
	"distributed-titledb/internal/coordinator"
	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/harness"
	"distributed-titledb/internal/recovery"
	"distributed-titledb/internal/replog"
	"distributed-titledb/internal/seed"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "Path to YAML config (optional)")
	listenAddr := flag.String("listen", "", "Listen address override")
	centralDSN := flag.String("central", "", "Central node DSN override")
	fragADSN := flag.String("fragA", "", "fragA node DSN override")
	fragBDSN := flag.String("fragB", "", "fragB node DSN override")
	createSchema := flag.Bool("create-schema", false, "Create tables on all nodes at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *centralDSN != "" {
		cfg.Nodes.Central.DSN = *centralDSN
	}
	if *fragADSN != "" {
		cfg.Nodes.FragA.DSN = *fragADSN
	}
	if *fragBDSN != "" {
		cfg.Nodes.FragB.DSN = *fragBDSN
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	// ── Gateway ────────────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Options{
		DSNs:           cfg.DSNs(),
		ConnectTimeout: cfg.Connect.Timeout,
		StartupRetries: cfg.Connect.StartupRetries,
		StartupDelay:   cfg.Connect.StartupDelay,
	})
	if err != nil {
		logrus.Fatalf("open gateway: %v", err)
	}
	defer gw.Close()

	if err := gw.WaitForNodes(context.Background()); err != nil {
		logrus.Fatalf("storage nodes never came up: %v", err)
	}

	seeder := seed.New(gw)
	if *createSchema {
		if err := seeder.CreateSchema(context.Background()); err != nil {
			logrus.Fatalf("create schema: %v", err)
		}
	}

	// ── Core components, leaf-first ────────────────────────────────────────
	iso := cfg.Isolation()
	rlog := replog.New(gw, cfg.Replication.MaxRetries)
	coord := coordinator.New(gw, rlog, iso)
	rec := recovery.New(gw, rlog, cfg.Replication.RetryInterval)
	testHarness := harness.New(gw, iso)

	rec.Start()
	defer rec.Stop()

	// ── HTTP ───────────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	handler := api.NewHandler(gw, coord, rec, testHarness, seeder, iso)
	handler.Register(router)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("http server: %v", err)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("http shutdown: %v", err)
	}
}
