package guard

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bastion/internal/ban"
	"bastion/internal/integrity"
	"bastion/internal/logging"
	"bastion/internal/ratelimit"
	"bastion/internal/suspicion"
)

type recordedEvent struct {
	source string
	weight float64
}

type fakeReporter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeReporter) ReportSuspicion(sourceKey string, weight float64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{source: sourceKey, weight: weight})
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func scorerConfig() suspicion.Config {
	return suspicion.Config{
		RapidFire:    500 * time.Millisecond,
		RapidWeight:  10,
		Baseline:     1,
		DecayPerSec:  1,
		BanThreshold: 100,
		BanDuration:  5 * time.Minute,
	}
}

func newTestGuard(cfg Config, bans *ban.Store, reporter Reporter) *Guard {
	return New(
		logging.New("test"),
		cfg,
		bans,
		suspicion.NewScorer(scorerConfig(), bans),
		reporter,
		ratelimit.New(2, time.Minute),
		ratelimit.New(2, time.Minute),
		integrity.NewEngine("test-secret", 5*time.Minute),
		nil,
	)
}

func TestAdmitScoresAndReports(t *testing.T) {
	bans := ban.NewStore()
	reporter := &fakeReporter{}
	g := newTestGuard(Config{}, bans, reporter)

	now := time.Unix(1700000000, 0).UTC()
	for i := 1; i <= 10; i++ {
		if !g.Admit("203.0.113.30", now) {
			t.Fatalf("attempt %d should be admitted", i)
		}
		now = now.Add(100 * time.Millisecond)
	}
	// The 11th crosses the threshold: refused, scored, and reported.
	if g.Admit("203.0.113.30", now) {
		t.Fatalf("11th rapid attempt should be refused")
	}
	if !bans.IsBanned("203.0.113.30", now) {
		t.Fatalf("threshold crossing should create a local ban")
	}
	if reporter.count() != 11 {
		t.Fatalf("reporter saw %d events, want 11", reporter.count())
	}
	// The 12th is already banned: refused without another report.
	if g.Admit("203.0.113.30", now.Add(100*time.Millisecond)) {
		t.Fatalf("12th attempt should be refused")
	}
	if reporter.count() != 11 {
		t.Fatalf("already-banned attempt should not report, got %d events", reporter.count())
	}
}

func TestResolveSourceTrustProxy(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = SourceKeyFromContext(r.Context())
	})

	g := newTestGuard(Config{TrustProxy: true}, ban.NewStore(), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.99, 10.0.0.1")
	g.ResolveSource(handler).ServeHTTP(httptest.NewRecorder(), req)
	if got != "203.0.113.99" {
		t.Fatalf("trust-proxy source = %q, want first forwarded hop", got)
	}

	g = newTestGuard(Config{TrustProxy: false}, ban.NewStore(), nil)
	g.ResolveSource(handler).ServeHTTP(httptest.NewRecorder(), req)
	if got != "10.0.0.1" {
		t.Fatalf("direct source = %q, want peer address", got)
	}
}

func TestBannedForwardedSourceGetsNoResponse(t *testing.T) {
	bans := ban.NewStore()
	bans.Apply(ban.Entry{SourceKey: "203.0.113.66", ExpiresAt: time.Now().Add(time.Hour)})
	g := newTestGuard(Config{TrustProxy: true}, bans, nil)

	handler := g.ResolveSource(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("handler must not run for a banned source")
	}))
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.66")
	resp, err := srv.Client().Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the connection to be torn down, got status %d", resp.StatusCode)
	}
}

// serveOrAbort runs the handler and reports whether it aborted the connection
// instead of writing a response.
func serveOrAbort(t *testing.T, h http.Handler, rec *httptest.ResponseRecorder, req *http.Request) (aborted bool) {
	t.Helper()
	defer func() {
		if v := recover(); v != nil {
			if v != http.ErrAbortHandler {
				panic(v)
			}
			aborted = true
		}
	}()
	h.ServeHTTP(rec, req)
	return false
}

func TestTrustProxyScoresForwardedSource(t *testing.T) {
	bans := ban.NewStore()
	reporter := &fakeReporter{}
	g := newTestGuard(Config{TrustProxy: true}, bans, reporter)

	now := time.Unix(1700000000, 0).UTC()
	g.now = func() time.Time { return now }

	chain := g.ResolveSource(okHandler())
	do := func() (int, bool) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		req.Header.Set("X-Forwarded-For", "203.0.113.200")
		rec := httptest.NewRecorder()
		aborted := serveOrAbort(t, chain, rec, req)
		return rec.Code, aborted
	}

	for i := 1; i <= 10; i++ {
		code, aborted := do()
		if aborted || code != http.StatusOK {
			t.Fatalf("request %d: code %d aborted %v, want 200", i, code, aborted)
		}
		now = now.Add(100 * time.Millisecond)
	}
	// Rapid-fire from the forwarded address crosses the threshold on the
	// 11th request; the attacker's key gets banned, not the proxy's.
	if _, aborted := do(); !aborted {
		t.Fatalf("11th rapid request should be torn down")
	}
	if !bans.IsBanned("203.0.113.200", now) {
		t.Fatalf("forwarded source should be banned")
	}
	if bans.IsBanned("10.0.0.1", now) {
		t.Fatalf("proxy peer must not be banned by forwarded traffic")
	}
	if reporter.count() != 11 {
		t.Fatalf("reporter saw %d events, want 11", reporter.count())
	}
	reporter.mu.Lock()
	for _, ev := range reporter.events {
		if ev.source != "203.0.113.200" {
			t.Fatalf("event keyed to %q, want the forwarded address", ev.source)
		}
	}
	reporter.mu.Unlock()
}

func TestAdmitEnforcesWithoutScoringUnderTrustProxy(t *testing.T) {
	bans := ban.NewStore()
	g := newTestGuard(Config{TrustProxy: true}, bans, nil)

	// Aggregate traffic through the proxy must not accumulate a score
	// against the proxy's own address at the accept boundary.
	now := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 50; i++ {
		if !g.Admit("10.0.0.1", now) {
			t.Fatalf("attempt %d: unbanned proxy peer refused", i+1)
		}
		now = now.Add(100 * time.Millisecond)
	}
	if got := g.scorer.Score("10.0.0.1"); got != 0 {
		t.Fatalf("proxy peer score = %v, want 0", got)
	}

	// Bans already held against the peer are still enforced there.
	bans.Apply(ban.Entry{SourceKey: "10.0.0.1", ExpiresAt: now.Add(time.Hour)})
	if g.Admit("10.0.0.1", now) {
		t.Fatalf("banned peer should be refused at the accept boundary")
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAnonymousRateLimit(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	now := time.Unix(1700000100, 0).UTC()
	g.now = func() time.Time { return now }

	chain := g.ResolveSource(g.AnonymousRateLimit(okHandler()))
	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.7:1234"
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
		now = now.Add(time.Second)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("429 should carry Retry-After")
	}
}

func TestIdentityRateLimitUsesSubject(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	now := time.Unix(1700000100, 0).UTC()
	g.now = func() time.Time { return now }

	authAs := func(subject string, next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
	chain := g.ResolveSource(authAs("user-1", g.IdentityRateLimit(okHandler())))

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		return rec.Code
	}

	// The same subject is limited across different source addresses.
	if code := do("10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("first request for subject: status %d", code)
	}
	if code := do("10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("second request for subject: status %d", code)
	}
	if code := do("10.0.0.3:1000"); code != http.StatusTooManyRequests {
		t.Fatalf("third request for subject should be limited regardless of address, got %d", code)
	}
}

func TestIdentityRateLimitFallsBackToSource(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	now := time.Unix(1700000100, 0).UTC()
	g.now = func() time.Time { return now }

	chain := g.ResolveSource(g.IdentityRateLimit(okHandler()))
	var key string
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.8:99"
	rec := httptest.NewRecorder()
	g.ResolveSource(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = SourceKeyFromContext(r.Context())
	})).ServeHTTP(rec, req)
	if key != "198.51.100.8" {
		t.Fatalf("source key = %q", key)
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unauthenticated requests should fall back to source-key limiting, got %d", rec.Code)
	}
}

func TestRequireSignature(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	now := time.Unix(1700000000, 0).UTC()
	g.now = func() time.Time { return now }
	engine := integrity.NewEngine("test-secret", 5*time.Minute)

	protected := g.RequireSignature(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body must still be readable by the handler after verification.
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))

	sign := func(ts int64, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/transfer?x=1", strings.NewReader(body))
		req.Header.Set("x-request-timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("x-request-signature", engine.SignRequest(http.MethodPost, "/v1/transfer?x=1", ts, []byte(body)))
		return req
	}

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, sign(now.UnixMilli(), `{"amount":1}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signed request rejected: %d", rec.Code)
	}
	if rec.Body.String() != `{"amount":1}` {
		t.Fatalf("handler should see the original body, got %q", rec.Body.String())
	}

	// Tampered signature.
	req := sign(now.UnixMilli(), `{"amount":1}`)
	req.Header.Set("x-request-signature", "deadbeef")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status %d, want 401", rec.Code)
	}

	// Stale timestamp gets the same status and the same body as a bad
	// signature; the response must not reveal which check failed.
	staleRec := httptest.NewRecorder()
	protected.ServeHTTP(staleRec, sign(now.Add(-6*time.Minute).UnixMilli(), `{"amount":1}`))
	if staleRec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp: status %d, want 401", staleRec.Code)
	}
	if staleRec.Body.String() != rec.Body.String() {
		t.Fatalf("rejection bodies must be uniform: %q vs %q", staleRec.Body.String(), rec.Body.String())
	}

	// Missing headers.
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/transfer?x=1", strings.NewReader("x")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: status %d, want 401", rec.Code)
	}
}

func TestRequireCSRF(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	protected := g.RequireCSRF(okHandler())

	do := func(header, cookie string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if header != "" {
			req.Header.Set("X-CSRF-Token", header)
		}
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: "CSRF-Token", Value: cookie})
		}
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("tok", "tok") != http.StatusOK {
		t.Fatalf("matching pair should pass")
	}
	if do("tok", "other") != http.StatusForbidden {
		t.Fatalf("mismatched pair should be forbidden")
	}
	if do("", "tok") != http.StatusForbidden {
		t.Fatalf("missing header should be forbidden")
	}
	if do("tok", "") != http.StatusForbidden {
		t.Fatalf("missing cookie should be forbidden")
	}
}

func TestSignResponses(t *testing.T) {
	g := newTestGuard(Config{}, ban.NewStore(), nil)
	engine := integrity.NewEngine("test-secret", 5*time.Minute)

	handler := g.SignResponses(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d, want 201", rec.Code)
	}
	sig := rec.Header().Get("X-Response-Signature")
	if sig == "" {
		t.Fatalf("response signature header missing")
	}
	if !engine.VerifyPayload(rec.Body.Bytes(), sig) {
		t.Fatalf("response signature does not verify against the body")
	}
}
