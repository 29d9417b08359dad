package cluster

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bastion/internal/ban"
	"bastion/internal/logging"
	"bastion/internal/suspicion"
)

// Ledger persists decided bans so they survive a supervisor restart.
type Ledger interface {
	SaveBan(ctx context.Context, e ban.Entry) error
	DeleteBan(ctx context.Context, sourceKey string) error
}

type ServerMetrics interface {
	EventIngested()
	EventThrottled()
	BroadcastSent()
	SetActiveBans(n int)
}

// Server is the supervisor's end of the sync channel. It aggregates the
// suspicion events all workers report for a source, decides cluster-wide
// bans, and broadcasts them back to every connected worker.
type Server struct {
	log     *logging.Logger
	agg     *suspicion.Aggregator
	store   *ban.Store
	ledger  Ledger
	metrics ServerMetrics
	now     func() time.Time

	// ingestRate bounds per-worker event ingestion so one misbehaving
	// worker cannot flood the aggregation loop.
	ingestRate  rate.Limit
	ingestBurst int

	mu    sync.Mutex
	conns map[*frameConn]int
}

func NewServer(log *logging.Logger, agg *suspicion.Aggregator, store *ban.Store, ledger Ledger, metrics ServerMetrics) *Server {
	return &Server{
		log:         log,
		agg:         agg,
		store:       store,
		ledger:      ledger,
		metrics:     metrics,
		now:         time.Now,
		ingestRate:  rate.Limit(1000),
		ingestBurst: 2000,
		conns:       make(map[*frameConn]int),
	}
}

// Serve accepts worker connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	fc := newFrameConn(conn)
	defer func() {
		s.mu.Lock()
		delete(s.conns, fc)
		s.mu.Unlock()
		_ = fc.close()
	}()

	lim := rate.NewLimiter(s.ingestRate, s.ingestBurst)
	for {
		f, err := fc.read()
		if err != nil {
			return
		}
		s.handleFrame(ctx, fc, f, lim)
	}
}

func (s *Server) handleFrame(ctx context.Context, fc *frameConn, f Frame, lim *rate.Limiter) {
	switch f.Type {
	case FrameHello:
		s.mu.Lock()
		s.conns[fc] = f.WorkerID
		s.mu.Unlock()
		s.log.Info("worker connected to sync channel", "worker_id", f.WorkerID)
		// Replay the canonical view so a freshly (re)started worker does not
		// begin with an empty ban cache.
		for _, e := range s.store.Active(s.now()) {
			_ = fc.write(BanFrame(e))
		}
	case FrameSuspicion:
		if !lim.Allow() {
			if s.metrics != nil {
				s.metrics.EventThrottled()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.EventIngested()
		}
		entry, banned := s.agg.Ingest(f.Source, f.Weight, time.UnixMilli(f.UnixMs))
		if banned {
			s.ApplyAndBroadcast(ctx, entry)
		}
	default:
		// Workers only send hello and suspicion; anything else is ignored.
	}
}

// ApplyAndBroadcast records a ban in the canonical store and ledger, then
// fans it out to every connected worker. Broadcast errors are per-connection
// and non-fatal: a worker that misses a frame re-syncs on reconnect and keeps
// enforcing its last known view meanwhile.
func (s *Server) ApplyAndBroadcast(ctx context.Context, e ban.Entry) {
	if !s.store.Apply(e) {
		return
	}
	s.log.WithSource(e.SourceKey).Info("ban decided", "expires_at", e.ExpiresAt, "reason", e.Reason)
	if s.ledger != nil {
		if err := s.ledger.SaveBan(ctx, e); err != nil {
			s.log.Error("persisting ban", "error", err)
		}
	}
	s.publishActive()
	s.broadcast(BanFrame(e))
}

// Lift removes a ban everywhere.
func (s *Server) Lift(ctx context.Context, sourceKey string) bool {
	changed := s.store.Lift(sourceKey)
	if s.ledger != nil {
		if err := s.ledger.DeleteBan(ctx, sourceKey); err != nil {
			s.log.Error("deleting ban", "error", err)
		}
	}
	s.publishActive()
	s.broadcast(Frame{Type: FrameLift, Source: sourceKey})
	return changed
}

// BroadcastShutdown tells every worker to drain.
func (s *Server) BroadcastShutdown() {
	s.broadcast(Frame{Type: FrameShutdown})
}

func (s *Server) broadcast(f Frame) {
	s.mu.Lock()
	conns := make([]*frameConn, 0, len(s.conns))
	for fc := range s.conns {
		conns = append(conns, fc)
	}
	s.mu.Unlock()
	for _, fc := range conns {
		if err := fc.write(f); err != nil {
			s.log.Debug("broadcast write failed", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.BroadcastSent()
		}
	}
}

func (s *Server) publishActive() {
	if s.metrics != nil {
		s.metrics.SetActiveBans(len(s.store.Active(s.now())))
	}
}
