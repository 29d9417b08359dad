// Package guard wires the defense components into the worker's request path:
// a connection gate for the listener and an ordered chi middleware chain for
// everything that needs a parsed request.
package guard

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"bastion/internal/ban"
	"bastion/internal/integrity"
	"bastion/internal/logging"
	"bastion/internal/ratelimit"
	"bastion/internal/suspicion"
)

// Reporter forwards scored events to the supervisor. cluster.Client satisfies
// it; a nil reporter means purely local operation.
type Reporter interface {
	ReportSuspicion(sourceKey string, weight float64, eventTime time.Time)
}

type Metrics interface {
	ConnectionRejected()
	BanDecided()
	RateLimited(tier string)
	IntegrityRejected()
	ResponseSigned()
}

type Config struct {
	TrustProxy bool
}

// Guard owns the worker-local defense state.
type Guard struct {
	log      *logging.Logger
	cfg      Config
	bans     *ban.Store
	scorer   *suspicion.Scorer
	reporter Reporter
	anon     *ratelimit.Limiter
	identity *ratelimit.Limiter
	engine   *integrity.Engine
	metrics  Metrics
	now      func() time.Time
}

func New(log *logging.Logger, cfg Config, bans *ban.Store, scorer *suspicion.Scorer, reporter Reporter, anon, identity *ratelimit.Limiter, engine *integrity.Engine, metrics Metrics) *Guard {
	return &Guard{
		log:      log,
		cfg:      cfg,
		bans:     bans,
		scorer:   scorer,
		reporter: reporter,
		anon:     anon,
		identity: identity,
		engine:   engine,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Admit implements the listener gate. With TrustProxy off the peer address is
// the source key, so the attempt is scored and reported here, at the accept
// boundary. With TrustProxy on the real source is only visible in the
// forwarded header after parsing, so scoring moves to ResolveSource and the
// accept boundary only enforces bans already held against the peer.
func (g *Guard) Admit(sourceKey string, now time.Time) bool {
	if g.cfg.TrustProxy {
		if g.bans.IsBanned(sourceKey, now) {
			if g.metrics != nil {
				g.metrics.ConnectionRejected()
			}
			return false
		}
		return true
	}
	return g.observe(sourceKey, now)
}

// observe scores one attempt from sourceKey and reports the event upstream.
// A banned source, or one that just crossed the threshold, is refused.
func (g *Guard) observe(sourceKey string, now time.Time) bool {
	d := g.scorer.Observe(sourceKey, now)
	switch d.Verdict {
	case suspicion.AlreadyBanned:
		if g.metrics != nil {
			g.metrics.ConnectionRejected()
		}
		return false
	case suspicion.BanNow:
		if g.reporter != nil {
			g.reporter.ReportSuspicion(sourceKey, d.Weight, now)
		}
		if g.metrics != nil {
			g.metrics.BanDecided()
			g.metrics.ConnectionRejected()
		}
		return false
	default:
		if g.reporter != nil {
			g.reporter.ReportSuspicion(sourceKey, d.Weight, now)
		}
		return true
	}
}

type sourceKeyKey struct{}

type subjectKey struct{}

// SourceKeyFromContext returns the resolved source key for the request.
func SourceKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubject marks the request as belonging to an authenticated subject.
// The routing layer's auth middleware calls this; the guard only consumes it.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectKey{}).(string); ok {
		return v
	}
	return ""
}

// sourceKey resolves the address a request is charged to. With TrustProxy set
// the first forwarded hop wins, otherwise the direct peer address.
func (g *Guard) sourceKey(r *http.Request) string {
	if g.cfg.TrustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if first, _, found := strings.Cut(xff, ","); found || first != "" {
				return strings.TrimSpace(first)
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
