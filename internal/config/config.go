package config

import (
	"os"
	"runtime"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	AdminAddr   string
	MetricsAddr string
	SyncSocket  string
	PGDSN       string

	SigningSecret string
	AdminToken    string
	TrustProxy    bool

	Workers int

	BanThreshold float64
	BanDuration  time.Duration
	RapidFire    time.Duration
	RapidWeight  float64
	DecayPerSec  float64

	AnonLimit      int
	AnonWindow     time.Duration
	IdentityLimit  int
	IdentityWindow time.Duration

	ReplayWindow time.Duration
}

func Load() Config {
	cfg := Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		AdminAddr:   getenv("ADMIN_ADDR", ":8081"),
		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		SyncSocket:  getenv("SYNC_SOCKET", "/tmp/bastion-sync.sock"),
		PGDSN:       os.Getenv("PG_DSN"),

		SigningSecret: os.Getenv("SIGNING_SECRET"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		TrustProxy:    getenvBool("TRUST_PROXY", false),

		Workers: getenvInt("WORKERS", runtime.NumCPU()),

		BanThreshold: getenvFloat("BAN_THRESHOLD", 100),
		BanDuration:  getenvDur("BAN_DURATION", 5*time.Minute),
		RapidFire:    getenvDur("RAPID_FIRE_MS", 500*time.Millisecond),
		RapidWeight:  getenvFloat("RAPID_WEIGHT", 10),
		DecayPerSec:  getenvFloat("DECAY_PER_SEC", 1),

		AnonLimit:      getenvInt("RATE_ANON_LIMIT", 150),
		AnonWindow:     getenvDur("RATE_ANON_WINDOW", 15*time.Minute),
		IdentityLimit:  getenvInt("RATE_IDENT_LIMIT", 60),
		IdentityWindow: getenvDur("RATE_IDENT_WINDOW", time.Minute),

		ReplayWindow: getenvDur("REPLAY_WINDOW", 5*time.Minute),
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getenvDur accepts Go duration strings; a bare integer is read as
// milliseconds for compatibility with *_MS style knobs.
func getenvDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
