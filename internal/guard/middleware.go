package guard

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"bastion/internal/integrity"
)

const maxSignedBodyBytes int64 = 1 << 20 // 1 MiB

// Rejections never name the failing check; a uniform body denies an attacker
// a calibration oracle.
const (
	unauthorizedBody = "unauthorized"
	forbiddenBody    = "forbidden"
)

// ResolveSource stores the request's source key in the context and enforces
// bans against it. The listener already screened the peer address, but a
// trusted forwarded address is only visible here, after parsing, so with
// TrustProxy on this hook also scores the resolved key and reports the event
// upstream; the exposure window is narrower than the accept boundary, but it
// is the earliest point the real source exists. A banned source gets a
// connection reset, never a response.
func (g *Guard) ResolveSource(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := g.sourceKey(r)
		if g.cfg.TrustProxy {
			if !g.observe(key, g.now()) {
				destroyResponse(w)
				return
			}
		} else if g.bans.IsBanned(key, g.now()) {
			if g.metrics != nil {
				g.metrics.ConnectionRejected()
			}
			destroyResponse(w)
			return
		}
		ctx := context.WithValue(r.Context(), sourceKeyKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// destroyResponse tears the connection down without writing anything.
func destroyResponse(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	// No hijack support (HTTP/2, test recorders): abort the handler so the
	// server resets the stream instead of sending a body.
	panic(http.ErrAbortHandler)
}

// AnonymousRateLimit enforces the source-address tier.
func (g *Guard) AnonymousRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := SourceKeyFromContext(r.Context())
		d := g.anon.Check(key, g.now())
		if !d.Allowed {
			if g.metrics != nil {
				g.metrics.RateLimited("anonymous")
			}
			writeRateLimited(w, d.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityRateLimit enforces the per-subject tier, falling back to the source
// address for unauthenticated requests.
func (g *Guard) IdentityRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := SubjectFromContext(r.Context())
		if key == "" {
			key = SourceKeyFromContext(r.Context())
		}
		d := g.identity.Check(key, g.now())
		if !d.Allowed {
			if g.metrics != nil {
				g.metrics.RateLimited("identity")
			}
			writeRateLimited(w, d.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

// RequireSignature verifies the signed-request headers on routes that opt in.
func (g *Guard) RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
		if err != nil || int64(len(body)) > maxSignedBodyBytes {
			g.rejectIntegrity(w, http.StatusUnauthorized, unauthorizedBody)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		err = g.engine.VerifyRequest(
			r.Method,
			r.URL.RequestURI(),
			r.Header.Get(integrity.RequestTimestampHeader),
			r.Header.Get(integrity.RequestSignatureHeader),
			body,
			g.now(),
		)
		if err != nil {
			g.rejectIntegrity(w, http.StatusUnauthorized, unauthorizedBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCSRF enforces the double-submit token pair on routes that opt in.
func (g *Guard) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cookieToken string
		if c, err := r.Cookie(integrity.CSRFCookie); err == nil {
			cookieToken = c.Value
		}
		if err := g.engine.VerifyCSRF(r.Header.Get(integrity.CSRFHeader), cookieToken); err != nil {
			g.rejectIntegrity(w, http.StatusForbidden, forbiddenBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) rejectIntegrity(w http.ResponseWriter, status int, body string) {
	if g.metrics != nil {
		g.metrics.IntegrityRejected()
	}
	http.Error(w, body, status)
}

// SignResponses buffers the handler's output and attaches the payload HMAC
// before sending it.
func (g *Guard) SignResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &signingWriter{inner: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		w.Header().Set(integrity.ResponseSignatureHeader, g.engine.Sign(sw.buf.Bytes()))
		w.WriteHeader(sw.status)
		_, _ = w.Write(sw.buf.Bytes())
		if g.metrics != nil {
			g.metrics.ResponseSigned()
		}
	})
}

type signingWriter struct {
	inner       http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (sw *signingWriter) Header() http.Header { return sw.inner.Header() }

func (sw *signingWriter) WriteHeader(status int) {
	if sw.wroteHeader {
		return
	}
	sw.wroteHeader = true
	sw.status = status
}

func (sw *signingWriter) Write(p []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.buf.Write(p)
}
