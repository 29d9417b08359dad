package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bastion/internal/ban"
	"bastion/internal/cluster"
	"bastion/internal/config"
	"bastion/internal/db"
	"bastion/internal/guard"
	"bastion/internal/health"
	"bastion/internal/httpapi"
	"bastion/internal/integrity"
	"bastion/internal/listener"
	"bastion/internal/logging"
	"bastion/internal/observability"
	"bastion/internal/ratelimit"
	"bastion/internal/suspicion"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	if raw := os.Getenv(cluster.WorkerEnv); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid %s value %q\n", cluster.WorkerEnv, raw)
			os.Exit(1)
		}
		runWorker(ctx, cfg, id)
		return
	}
	runSupervisor(ctx, cfg)
}

func scorerConfig(cfg config.Config) suspicion.Config {
	return suspicion.Config{
		RapidFire:    cfg.RapidFire,
		RapidWeight:  cfg.RapidWeight,
		DecayPerSec:  cfg.DecayPerSec,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
	}
}

func runSupervisor(ctx context.Context, cfg config.Config) {
	log := logging.New("supervisor")
	metrics := observability.NewMetrics(nil)

	store := ban.NewStore()
	agg := suspicion.NewAggregator(scorerConfig(cfg))

	var (
		ledger cluster.Ledger
		conn   *sql.DB
	)
	if cfg.PGDSN != "" {
		c, l, err := db.Open(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer c.Close()
		conn = c
		ledger = l
		warm, err := l.ActiveBans(ctx, time.Now())
		if err != nil {
			log.Fatalf("load ban ledger: %v", err)
		}
		for _, e := range warm {
			store.Apply(e)
		}
		log.Info("ban ledger warmed", "active", len(warm))
	}

	observability.Start(ctx, cfg.MetricsAddr, log, metrics.Registry(), func(c context.Context) error {
		return health.ReadyCheck(c, conn)
	})

	syncSrv := cluster.NewServer(log, agg, store, ledger, metrics)

	_ = os.Remove(cfg.SyncSocket)
	ln, err := net.Listen("unix", cfg.SyncSocket)
	if err != nil {
		log.Fatalf("listen on sync socket %s: %v", cfg.SyncSocket, err)
	}
	defer os.Remove(cfg.SyncSocket)
	go func() {
		if err := syncSrv.Serve(ctx, ln); err != nil {
			log.Error("sync server stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(log, store, syncSrv, conn, cfg.AdminToken)
	admin := &http.Server{Addr: cfg.AdminAddr, Handler: api.Router()}
	go func() {
		log.Info("admin api listening", "addr", cfg.AdminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server error", "error", err)
		}
	}()

	sup := cluster.NewSupervisor(cluster.SupervisorConfig{Workers: cfg.Workers}, log, cluster.SelfExec, metrics)
	sup.OnShutdown(syncSrv.BroadcastShutdown)

	err = sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)

	if err != nil && err != context.Canceled {
		log.Fatalf("supervisor exited: %v", err)
	}
	log.Info("supervisor stopped")
}

func runWorker(ctx context.Context, cfg config.Config, id int) {
	log := logging.New("worker").WithWorkerID(id)
	metrics := observability.NewMetrics(nil)

	store := ban.NewStore()
	scorer := suspicion.NewScorer(scorerConfig(cfg), store)
	client := cluster.NewClient(cfg.SyncSocket, id, store, log, metrics)

	g := guard.New(
		log,
		guard.Config{TrustProxy: cfg.TrustProxy},
		store,
		scorer,
		client,
		ratelimit.New(cfg.AnonLimit, cfg.AnonWindow),
		ratelimit.New(cfg.IdentityLimit, cfg.IdentityWindow),
		integrity.NewEngine(cfg.SigningSecret, cfg.ReplayWindow),
		metrics,
	)

	observability.Start(ctx, offsetAddr(cfg.MetricsAddr, id+1), log, metrics.Registry(), nil)

	// The supervisor's shutdown frame cancels the worker context so the
	// HTTP server drains before the SIGTERM deadline.
	workerCtx, drain := context.WithCancel(ctx)
	defer drain()
	client.OnShutdown = drain
	go client.Run(workerCtx)

	r := newWorkerRouter(g, id)

	ln, err := listener.ListenReusable(ctx, cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.HTTPAddr, err)
	}
	guarded := listener.New(ln, g, log, nil)

	srv := &http.Server{Handler: r}
	go func() {
		<-workerCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("worker listening", "addr", cfg.HTTPAddr)
	if err := srv.Serve(guarded); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
	log.Info("worker stopped")
}

// newWorkerRouter builds the worker's request chain. Health probes stay
// outside the guard middleware: a load balancer checking every few seconds
// would otherwise burn through the anonymous tier and mark the worker down.
func newWorkerRouter(g *guard.Guard, id int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(g.ResolveSource)
		r.Use(g.AnonymousRateLimit)
		r.Use(g.IdentityRateLimit)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"service":"bastion","worker":%d}`, id)
		})
		r.Group(func(r chi.Router) {
			r.Use(g.RequireSignature)
			r.Use(g.SignResponses)
			r.Post("/v1/echo", echoHandler)
		})
		r.Group(func(r chi.Router) {
			r.Use(g.RequireCSRF)
			r.Post("/v1/submit", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			})
		})
	})
	return r
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, r.Body)
}

// offsetAddr shifts the port of host:port by delta so each worker exposes
// its own metrics endpoint alongside the supervisor's.
func offsetAddr(addr string, delta int) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port+delta))
}
