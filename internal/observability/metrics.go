package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics centralizes Prometheus instrumentation for both process roles.
// Per-source gauges are deliberately absent: source keys are unbounded and
// would blow up label cardinality.
type Metrics struct {
	registry *prometheus.Registry

	connectionsRejected prometheus.Counter
	bansDecided         prometheus.Counter
	rateLimited         *prometheus.CounterVec
	integrityRejected   prometheus.Counter
	responsesSigned     prometheus.Counter

	bansApplied   prometheus.Counter
	eventsDropped prometheus.Counter

	workerRestarts *prometheus.CounterVec
	liveWorkers    prometheus.Gauge

	eventsIngested  prometheus.Counter
	eventsThrottled prometheus.Counter
	broadcastsSent  prometheus.Counter
	activeBans      prometheus.Gauge
}

// NewMetrics builds a metrics container backed by the provided registry. If
// no registry is supplied, a new one is created.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{registry: reg}

	m.connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_connections_rejected_total",
		Help: "Connections destroyed at the accept boundary for banned sources",
	})
	m.bansDecided = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_bans_decided_total",
		Help: "Bans decided locally by the suspicion scorer",
	})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_rate_limited_total",
		Help: "Requests rejected by the rate limiter grouped by tier",
	}, []string{"tier"})
	m.integrityRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_integrity_rejected_total",
		Help: "Requests failing signature, replay window, or CSRF checks",
	})
	m.responsesSigned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_responses_signed_total",
		Help: "Responses carrying a payload signature",
	})

	m.bansApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_bans_applied_total",
		Help: "Broadcast ban entries applied to the local store",
	})
	m.eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_sync_events_dropped_total",
		Help: "Suspicion events dropped because the sync channel was down or slow",
	})

	m.workerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_worker_restarts_total",
		Help: "Worker respawns grouped by slot",
	}, []string{"worker_id"})
	m.liveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_live_workers",
		Help: "Workers currently in the running state",
	})

	m.eventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_suspicion_events_ingested_total",
		Help: "Suspicion events accepted by the supervisor aggregator",
	})
	m.eventsThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_suspicion_events_throttled_total",
		Help: "Suspicion events discarded by per-worker ingestion throttling",
	})
	m.broadcastsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bastion_ban_broadcasts_total",
		Help: "Ban frames written to worker connections",
	})
	m.activeBans = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_active_bans",
		Help: "Unexpired entries in the canonical ban store",
	})

	reg.MustRegister(
		m.connectionsRejected, m.bansDecided, m.rateLimited, m.integrityRejected,
		m.responsesSigned, m.bansApplied, m.eventsDropped, m.workerRestarts,
		m.liveWorkers, m.eventsIngested, m.eventsThrottled, m.broadcastsSent,
		m.activeBans,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionRejected()      { m.connectionsRejected.Inc() }
func (m *Metrics) BanDecided()              { m.bansDecided.Inc() }
func (m *Metrics) RateLimited(tier string)  { m.rateLimited.WithLabelValues(tier).Inc() }
func (m *Metrics) IntegrityRejected()       { m.integrityRejected.Inc() }
func (m *Metrics) ResponseSigned()          { m.responsesSigned.Inc() }
func (m *Metrics) BanApplied()              { m.bansApplied.Inc() }
func (m *Metrics) EventDropped()            { m.eventsDropped.Inc() }
func (m *Metrics) SetLiveWorkers(n int)     { m.liveWorkers.Set(float64(n)) }
func (m *Metrics) EventIngested()           { m.eventsIngested.Inc() }
func (m *Metrics) EventThrottled()          { m.eventsThrottled.Inc() }
func (m *Metrics) BroadcastSent()           { m.broadcastsSent.Inc() }
func (m *Metrics) SetActiveBans(n int)      { m.activeBans.Set(float64(n)) }

func (m *Metrics) WorkerRestarted(workerID int) {
	m.workerRestarts.WithLabelValues(strconv.Itoa(workerID)).Inc()
}
