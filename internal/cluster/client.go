package cluster

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bastion/internal/ban"
	"bastion/internal/logging"
)

type ClientMetrics interface {
	BanApplied()
	EventDropped()
}

// Client is a worker's end of the sync channel. Reporting never blocks the
// request path: events go through a bounded queue and are dropped when the
// channel is down or slow. A worker cut off from the supervisor keeps
// enforcing its last known ban view and keeps scoring locally.
type Client struct {
	socket   string
	workerID int
	store    *ban.Store
	log      *logging.Logger
	metrics  ClientMetrics

	// OnShutdown, if set, runs when the supervisor broadcasts a drain
	// notice.
	OnShutdown func()

	queue chan Frame
}

func NewClient(socket string, workerID int, store *ban.Store, log *logging.Logger, metrics ClientMetrics) *Client {
	return &Client{
		socket:   socket,
		workerID: workerID,
		store:    store,
		log:      log,
		metrics:  metrics,
		queue:    make(chan Frame, 256),
	}
}

// ReportSuspicion enqueues one scored event for the supervisor. If the queue
// is full the event is dropped; detection degrades, enforcement does not.
func (c *Client) ReportSuspicion(sourceKey string, weight float64, eventTime time.Time) {
	f := Frame{
		Type:     FrameSuspicion,
		WorkerID: c.workerID,
		Source:   sourceKey,
		Weight:   weight,
		UnixMs:   eventTime.UnixMilli(),
	}
	select {
	case c.queue <- f:
	default:
		if c.metrics != nil {
			c.metrics.EventDropped()
		}
	}
}

// Run maintains the connection to the supervisor until ctx is cancelled,
// redialling with capped exponential backoff.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := (&net.Dialer{Timeout: 2 * time.Second}).DialContext(ctx, "unix", c.socket)
		if err != nil {
			delay := bo.NextBackOff()
			c.log.Debug("sync channel unreachable, enforcing stale local view", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
		c.session(ctx, conn)
	}
}

// session runs one connected exchange: hello, then reader and writer until
// either side drops.
func (c *Client) session(ctx context.Context, conn net.Conn) {
	fc := newFrameConn(conn)
	defer fc.close()

	if err := fc.write(Frame{Type: FrameHello, WorkerID: c.workerID}); err != nil {
		return
	}
	c.log.Info("connected to supervisor sync channel")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			f, err := fc.read()
			if err != nil {
				return
			}
			c.apply(f)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case f := <-c.queue:
			if err := fc.write(f); err != nil {
				// The event is lost; fire-and-forget semantics make that
				// safe. Reconnect and resume.
				return
			}
		}
	}
}

func (c *Client) apply(f Frame) {
	switch f.Type {
	case FrameBan:
		if c.store.Apply(f.BanEntry()) {
			if c.metrics != nil {
				c.metrics.BanApplied()
			}
			c.log.WithSource(f.Source).Info("applied broadcast ban", "reason", f.Reason)
		}
	case FrameLift:
		if c.store.Lift(f.Source) {
			c.log.WithSource(f.Source).Info("lifted ban")
		}
	case FrameShutdown:
		if c.OnShutdown != nil {
			c.OnShutdown()
		}
	}
}
