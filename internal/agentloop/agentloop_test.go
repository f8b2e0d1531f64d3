package agentloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shardmesh/scheduler/internal/sandbox"
)

type fakeClient struct {
	mu sync.Mutex

	heartbeats int
	metrics    int
	batches    []requestBatchRequest
	submits    []submitRequest

	nextTasks []leasedTask
	blocked   bool
}

func (f *fakeClient) Heartbeat(ctx context.Context, req heartbeatRequest) (heartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return heartbeatResponse{Status: "ok"}, nil
}

func (f *fakeClient) Register(ctx context.Context, req registerRequest) (registerResponse, error) {
	return registerResponse{Status: "ok"}, nil
}

func (f *fakeClient) ReportMetrics(ctx context.Context, req metricsRequest) (metricsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics++
	return metricsResponse{Status: "ok"}, nil
}

func (f *fakeClient) RequestBatch(ctx context.Context, req requestBatchRequest) (requestBatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, req)
	if f.blocked {
		return requestBatchResponse{Status: "blocked", Blocked: true, BlockedReason: "test"}, nil
	}
	tasks := f.nextTasks
	f.nextTasks = nil
	return requestBatchResponse{Status: "ok", GrantedTasks: len(tasks), Tasks: tasks}, nil
}

func (f *fakeClient) Submit(ctx context.Context, req submitRequest) (submitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	return submitResponse{Status: "ok"}, nil
}

type fakeSampler struct{}

func (fakeSampler) Sample(ctx context.Context) (Usage, error) { return Usage{}, nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EULAAccepted = true
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.MetricsInterval = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BatchDelayMin = 1 * time.Millisecond
	cfg.BatchDelayMax = 2 * time.Millisecond
	cfg.BatchMin = 1
	cfg.BatchMax = 1
	return cfg
}

func TestRun_RunsSleepTaskAndSubmitsResult(t *testing.T) {
	fc := &fakeClient{nextTasks: []leasedTask{
		{TaskID: 1, Payload: `{"kind":"sleep","sleep_seconds":0.01}`, ProjectID: "p1"},
	}}
	a := newAgent(testConfig(), sandbox.New(sandbox.DefaultConfig()), fakeSampler{}, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.After(500 * time.Millisecond)
	for {
		fc.mu.Lock()
		n := len(fc.submits)
		fc.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for submit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	a.Stop()
	<-done

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.submits) == 0 {
		t.Fatal("expected at least one submit")
	}
	if fc.submits[0].Result.Status != "ok" {
		t.Fatalf("expected ok status for sleep task, got %s", fc.submits[0].Result.Status)
	}
}

func TestRun_BlockedResponseStopsRunLoop(t *testing.T) {
	fc := &fakeClient{blocked: true}
	a := newAgent(testConfig(), sandbox.New(sandbox.DefaultConfig()), fakeSampler{}, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if a.State() != StateBlocked {
		t.Fatalf("expected blocked state, got %s", a.State())
	}

	a.Stop()
	<-done
}

func TestCancelableSleep_WakesOnStop(t *testing.T) {
	stopCh := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(stopCh)
	}()

	start := time.Now()
	woken := cancelableSleep(context.Background(), stopCh, 1*time.Hour)
	if !woken {
		t.Fatal("expected cancelableSleep to report woken")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancelableSleep did not wake promptly")
	}
}

func TestRandomBatchSize_StaysWithinConfiguredRange(t *testing.T) {
	cfg := testConfig()
	cfg.BatchMin = 2
	cfg.BatchMax = 5
	a := newAgent(cfg, sandbox.New(sandbox.DefaultConfig()), fakeSampler{}, &fakeClient{})

	for i := 0; i < 50; i++ {
		n := a.randomBatchSize()
		if n < 2 || n > 5 {
			t.Fatalf("batch size %d out of range [2,5]", n)
		}
	}
}
