package cluster

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bastion/internal/logging"
)

// Status is the lifecycle state of one supervised worker slot.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCrashed    Status = "crashed"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
)

// Proc is a started worker process.
type Proc interface {
	Signal(sig os.Signal) error
	Wait() error
	Kill() error
}

// ProcFactory starts the worker process for a slot.
type ProcFactory func(id int) (Proc, error)

// WorkerHandle tracks one supervised worker slot.
type WorkerHandle struct {
	ID int

	mu           sync.Mutex
	status       Status
	restartCount int
	proc         Proc
}

func (h *WorkerHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *WorkerHandle) RestartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartCount
}

func (h *WorkerHandle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *WorkerHandle) setProc(p Proc) {
	h.mu.Lock()
	h.proc = p
	h.mu.Unlock()
}

func (h *WorkerHandle) signal(sig os.Signal) {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p != nil {
		_ = p.Signal(sig)
	}
}

func (h *WorkerHandle) kill() {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p != nil {
		_ = p.Kill()
	}
}

type SupervisorConfig struct {
	Workers int
	// BackoffBase/BackoffMax bound the respawn delay after a crash.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxConsecutiveFailures gives up on a slot that keeps crash-looping so
	// it cannot starve the host.
	MaxConsecutiveFailures int
	// HealthyRun is the uptime after which the failure budget resets.
	HealthyRun time.Duration
	// DrainTimeout bounds graceful shutdown before workers are killed.
	DrainTimeout time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.HealthyRun <= 0 {
		c.HealthyRun = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

type SupervisorMetrics interface {
	WorkerRestarted(workerID int)
	SetLiveWorkers(n int)
}

// Supervisor keeps the configured number of worker processes alive. It serves
// no application traffic itself.
type Supervisor struct {
	cfg     SupervisorConfig
	log     *logging.Logger
	spawn   ProcFactory
	metrics SupervisorMetrics
	now     func() time.Time

	// onShutdown, if set, is invoked once before workers are signalled so
	// the sync channel can broadcast a drain notice.
	onShutdown func()

	mu       sync.Mutex
	handles  []*WorkerHandle
	stopping bool
}

func NewSupervisor(cfg SupervisorConfig, log *logging.Logger, spawn ProcFactory, metrics SupervisorMetrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		log:     log,
		spawn:   spawn,
		metrics: metrics,
		now:     time.Now,
	}
}

// OnShutdown registers a hook run once at the start of graceful shutdown.
func (s *Supervisor) OnShutdown(fn func()) { s.onShutdown = fn }

// Handles returns the worker slots. The slice is stable after Run starts.
func (s *Supervisor) Handles() []*WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*WorkerHandle(nil), s.handles...)
}

// LiveWorkers counts slots currently in the Running state.
func (s *Supervisor) LiveWorkers() int {
	n := 0
	for _, h := range s.Handles() {
		if h.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// Run spawns the worker fleet and keeps it at the configured target until ctx
// is cancelled, then drains and stops every worker before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	s.mu.Lock()
	for i := 0; i < s.cfg.Workers; i++ {
		h := &WorkerHandle{ID: i, status: StatusStarting}
		s.handles = append(s.handles, h)
	}
	handles := append([]*WorkerHandle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range handles {
		wg.Add(1)
		go func(h *WorkerHandle) {
			defer wg.Done()
			s.runSlot(ctx, h)
		}(h)
	}

	<-ctx.Done()

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.onShutdown != nil {
		s.onShutdown()
	}
	for _, h := range handles {
		h.signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("drain timeout exceeded, killing remaining workers")
		for _, h := range handles {
			h.kill()
		}
		<-done
	}
	s.publishLive()
	return nil
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) runSlot(ctx context.Context, h *WorkerHandle) {
	log := s.log.WithWorkerID(h.ID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffBase
	bo.MaxInterval = s.cfg.BackoffMax
	bo.Reset()

	consecutive := 0
	for {
		h.setStatus(StatusStarting)
		proc, err := s.spawn(h.ID)
		if err != nil {
			log.Error("spawn failed", "error", err)
		} else {
			h.setProc(proc)
			h.setStatus(StatusRunning)
			s.publishLive()
			started := s.now()

			err = proc.Wait()
			h.setProc(nil)
			s.publishLive()

			if s.isStopping() || ctx.Err() != nil {
				h.setStatus(StatusStopped)
				return
			}
			if s.now().Sub(started) >= s.cfg.HealthyRun {
				consecutive = 0
				bo.Reset()
			}
			log.Warn("worker exited unexpectedly", "error", err)
		}

		h.setStatus(StatusCrashed)
		consecutive++
		if consecutive > s.cfg.MaxConsecutiveFailures {
			log.Error("worker crash loop, giving up on slot", "failures", consecutive-1)
			h.setStatus(StatusStopped)
			return
		}

		h.setStatus(StatusRestarting)
		h.mu.Lock()
		h.restartCount++
		h.mu.Unlock()
		if s.metrics != nil {
			s.metrics.WorkerRestarted(h.ID)
		}

		delay := bo.NextBackOff()
		log.Info("respawning worker", "attempt", consecutive, "delay", delay.String())
		select {
		case <-ctx.Done():
			h.setStatus(StatusStopped)
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) publishLive() {
	if s.metrics != nil {
		s.metrics.SetLiveWorkers(s.LiveWorkers())
	}
}
