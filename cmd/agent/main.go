// Command agent is the volunteer compute contributor: it registers with
// a scheduler, heartbeats and reports metrics on a timer, and pulls and
// runs task batches inside a local sandbox. Pass --service to run
// headless with no interactive prompts.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shardmesh/scheduler/internal/agentloop"
	"github.com/shardmesh/scheduler/internal/sandbox"
)

func main() {
	service := flag.Bool("service", false, "run headless with no interactive prompts")
	flag.Parse()
	if *service {
		log.Printf("[AGENT] running as a service")
	}

	cfg, err := agentloop.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sampler := agentloop.NewResourceSampler()
	cfg.Sandbox.CPULimitPercent = cfg.CPULimitPercent
	cfg.Sandbox.RAMLimitPercent = cfg.RAMLimitPercent
	cfg.Sandbox.GPULimitPercent = cfg.GPULimitPercent
	cfg.Sandbox.Sampler = agentloop.NewSandboxSampler(sampler)
	sb := sandbox.New(cfg.Sandbox)
	a := agentloop.New(cfg, sb, sampler)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("[AGENT] shutdown signal received")
		a.Stop()
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("agent exited with error: %v", err)
	}
	log.Printf("[AGENT] clean shutdown")
}
