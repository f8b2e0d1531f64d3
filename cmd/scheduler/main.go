// Command scheduler runs the dispatch server: it wires the task store,
// agent registry, policy evaluator, liveness tracker, dashboard hub, and
// validator into one HTTP process and listens for agent and dashboard
// traffic.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shardmesh/scheduler/internal/dbutil"
	"github.com/shardmesh/scheduler/internal/dispatch"
	"github.com/shardmesh/scheduler/internal/hub"
	"github.com/shardmesh/scheduler/internal/instance"
	"github.com/shardmesh/scheduler/internal/liveness"
	"github.com/shardmesh/scheduler/internal/metrics"
	"github.com/shardmesh/scheduler/internal/nats"
	"github.com/shardmesh/scheduler/internal/notifications"
	"github.com/shardmesh/scheduler/internal/policy"
	"github.com/shardmesh/scheduler/internal/registry"
	"github.com/shardmesh/scheduler/internal/reputation"
	"github.com/shardmesh/scheduler/internal/sandbox"
	"github.com/shardmesh/scheduler/internal/server"
	"github.com/shardmesh/scheduler/internal/store"
	"github.com/shardmesh/scheduler/internal/validator"
)

func main() {
	addr := envOr("LISTEN_ADDR", ":8082")
	dbPath := envOr("SCHEDULER_DB_PATH", "scheduler.db")
	port := portFromAddr(addr)

	basePath, err := os.Getwd()
	if err != nil {
		basePath = "."
	}
	instMgr := instance.NewManager(envOr("SCHEDULER_PID_FILE", "scheduler.pid"), basePath, port)
	if info, err := instMgr.CheckExistingInstance(); err != nil {
		log.Fatalf("check existing instance: %v", err)
	} else if info != nil {
		resolver := instance.NewConflictResolver(instMgr, instance.IsInteractive())
		if err := resolver.Resolve(info); err != nil {
			log.Fatalf("resolve instance conflict: %v", err)
		}
		port = instMgr.GetPort()
		addr = fmt.Sprintf(":%d", port)
	}
	if err := instMgr.AcquireLock(); err != nil {
		log.Fatalf("acquire instance lock: %v", err)
	}
	defer instMgr.ReleaseLock()
	if err := instMgr.WritePIDFile(os.Getpid(), port, basePath); err != nil {
		log.Fatalf("write pid file: %v", err)
	}
	defer instMgr.RemovePIDFile()

	db, err := dbutil.Open(dbPath)
	if err != nil {
		log.Fatalf("open database %s: %v", dbPath, err)
	}
	defer db.Close()

	st := store.New(db)
	reg := registry.New(db)
	policyCfg, err := policy.LoadConfig()
	if err != nil {
		log.Fatalf("load policy config: %v", err)
	}
	pol := policy.NewEvaluator(policyCfg)
	live := liveness.New()
	h := hub.New()
	go h.Run()

	disp := dispatch.New(st, reg, pol, live, h)
	disp.Metrics = metrics.NewCollector()
	disp.Alerts = metrics.NewAlertChecker(metrics.DefaultThresholds())

	// The validator's re-run sandbox uses tighter caps than the
	// agent-side default: it only ever re-executes inline scripts the
	// operator has already accepted into the queue.
	recheckCfg := sandbox.DefaultConfig()
	recheckCfg.Timeout = 15 * time.Second
	recheckCfg.WorkspaceLimitBytes = 16 * 1024 * 1024
	ledger := reputation.New(db)
	v := validator.New(sandbox.New(recheckCfg), ledger)

	srv := server.New(disp, reg, st, v, h)

	natsAddr := envOr("NATS_PORT", "4225")
	notify := notifications.NewDefaultManager()
	natsPort, err := strconv.Atoi(natsAddr)
	if err != nil {
		log.Fatalf("invalid NATS_PORT %q: %v", natsAddr, err)
	}
	embeddedNATS, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: natsPort})
	if err != nil {
		log.Fatalf("create embedded nats server: %v", err)
	}
	if err := embeddedNATS.Start(); err != nil {
		log.Fatalf("start embedded nats server: %v", err)
	}
	defer embeddedNATS.Shutdown()

	natsClient, err := nats.NewClient(embeddedNATS.URL())
	if err != nil {
		log.Fatalf("connect to embedded nats server: %v", err)
	}
	defer natsClient.Close()

	disp.Publisher = natsClient
	ledger.Publisher = natsClient

	handler := nats.NewHandler(natsClient, nats.HandlerCallbacks{
		OnTaskCompleted: func(msg nats.TaskCompletedMessage) error {
			_, err := server.RunRecheck(context.Background(), st, v, msg.TaskID, "")
			return err
		},
		OnFlagRaised: func(msg nats.FlagRaisedMessage) error {
			return notify.NotifyFlagRaised(msg.AgentID, msg.Reason)
		},
	})
	if err := handler.Start(); err != nil {
		log.Fatalf("start nats handler: %v", err)
	}
	defer handler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.RunReaper(ctx, 1*time.Minute)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("[SCHEDULER] listening on %s (db=%s)", addr, dbPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-srv.ShutdownRequested:
		log.Printf("[SCHEDULER] shutdown requested via /admin/shutdown")
	}

	log.Printf("[SCHEDULER] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[SCHEDULER] shutdown: %v", err)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// portFromAddr extracts the numeric port from a listen address like
// ":8082" or "0.0.0.0:8082", falling back to 0 if it can't be parsed
// (the instance manager then just skips port-based conflict detection).
func portFromAddr(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx == -1 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}
