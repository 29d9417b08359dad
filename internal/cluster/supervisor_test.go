package cluster

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"bastion/internal/logging"
)

type fakeProc struct {
	mu     sync.Mutex
	exited bool
	exit   chan error
	sigs   []os.Signal
}

func newFakeProc() *fakeProc {
	return &fakeProc{exit: make(chan error, 1)}
}

func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()
	if sig == syscall.SIGTERM {
		p.crash(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.crash(errors.New("killed"))
	return nil
}

func (p *fakeProc) crash(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.exit <- err
}

func (p *fakeProc) gotSignal(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sigs {
		if s == sig {
			return true
		}
	}
	return false
}

type fakeFactory struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  bool
}

func (f *fakeFactory) spawn(id int) (Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("spawn refused")
	}
	p := newFakeProc()
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeFactory) spawned() []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProc(nil), f.procs...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testSupervisorConfig(workers int) SupervisorConfig {
	return SupervisorConfig{
		Workers:                workers,
		BackoffBase:            time.Millisecond,
		BackoffMax:             5 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		HealthyRun:             50 * time.Millisecond,
		DrainTimeout:           time.Second,
	}
}

func TestSupervisorRecoversCrashedWorker(t *testing.T) {
	factory := &fakeFactory{}
	sup := NewSupervisor(testSupervisorConfig(2), logging.New("test"), factory.spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool { return sup.LiveWorkers() == 2 }, "initial fleet")

	factory.spawned()[0].crash(errors.New("segfault"))

	// The slot respawns and the fleet returns to target.
	waitFor(t, func() bool {
		return sup.LiveWorkers() == 2 && len(factory.spawned()) == 3
	}, "respawn after crash")

	restarts := 0
	for _, h := range sup.Handles() {
		restarts += h.RestartCount()
	}
	if restarts != 1 {
		t.Fatalf("restart count = %d, want 1", restarts)
	}
}

func TestSupervisorCapsCrashLoop(t *testing.T) {
	factory := &fakeFactory{fail: true}
	sup := NewSupervisor(testSupervisorConfig(1), logging.New("test"), factory.spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	waitFor(t, func() bool {
		hs := sup.Handles()
		return len(hs) == 1 && hs[0].Status() == StatusStopped
	}, "crash loop containment")

	if got := sup.Handles()[0].RestartCount(); got != 3 {
		t.Fatalf("restart count = %d, want 3 (the configured cap)", got)
	}
	if sup.LiveWorkers() != 0 {
		t.Fatalf("no worker should be live after the slot is abandoned")
	}
}

func TestSupervisorHealthyRunResetsFailureBudget(t *testing.T) {
	factory := &fakeFactory{}
	cfg := testSupervisorConfig(1)
	cfg.HealthyRun = 20 * time.Millisecond
	sup := NewSupervisor(cfg, logging.New("test"), factory.spawn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	// Crash the worker repeatedly, but always after a healthy run. The
	// failure budget resets each time, so the slot is never abandoned even
	// past the consecutive-failure cap.
	for i := 0; i < 5; i++ {
		waitFor(t, func() bool { return sup.LiveWorkers() == 1 }, "worker up")
		time.Sleep(25 * time.Millisecond)
		procs := factory.spawned()
		procs[len(procs)-1].crash(errors.New("transient"))
	}
	waitFor(t, func() bool { return sup.LiveWorkers() == 1 }, "worker recovered after repeated spaced crashes")
}

func TestSupervisorGracefulShutdown(t *testing.T) {
	factory := &fakeFactory{}
	sup := NewSupervisor(testSupervisorConfig(2), logging.New("test"), factory.spawn, nil)

	var notified bool
	sup.OnShutdown(func() { notified = true })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return sup.LiveWorkers() == 2 }, "fleet up")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not exit after all workers stopped")
	}

	if !notified {
		t.Fatalf("shutdown hook should run before workers are signalled")
	}
	for _, p := range factory.spawned() {
		if !p.gotSignal(syscall.SIGTERM) {
			t.Fatalf("every worker should receive SIGTERM")
		}
	}
	for _, h := range sup.Handles() {
		if h.Status() != StatusStopped {
			t.Fatalf("slot %d status = %s, want stopped", h.ID, h.Status())
		}
	}
}
