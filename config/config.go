package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config collects every tunable of the session middleware in one place.
// All reuse windows and timeouts are policy inputs, loaded from the
// environment, so that deployments can adjust them without code changes.
type Config struct {
	// ListenAddr is the bind address of the HTTP API server.
	ListenAddr string

	// DBPath is the sqlite DSN for the session store.
	DBPath string

	// RemoteBaseURL is the HTTP endpoint of the automation service
	// (status queries, initialization, teardown).
	RemoteBaseURL string

	// RemoteWSURL is the websocket endpoint of the automation service's
	// event channel.
	RemoteWSURL string

	// ConnFreshness is how recent lastConnection must be for a connected
	// session to be reused without any remote check.
	ConnFreshness time.Duration

	// QRFreshness is how recent lastQRTimestamp must be for a qr_ready
	// session to be reused without any remote check.
	QRFreshness time.Duration

	// VerifyTimeout bounds a single remote status query during reuse
	// verification.
	VerifyTimeout time.Duration

	// VerifyGrace is the window inside which a session is still reused
	// optimistically when the remote status query times out.
	VerifyGrace time.Duration

	// CandidateLimit caps how many of the owner's most recent sessions the
	// resolver inspects on one request.
	CandidateLimit int

	// OwnerSessionCap is the maximum number of non-terminal sessions one
	// owner may hold; creating past the cap retires the oldest first.
	OwnerSessionCap int

	// StatusCacheTTL is the de-duplication window for repeated remote
	// events carrying the same (session, status) pair.
	StatusCacheTTL time.Duration

	// StatusCacheSize bounds the de-duplication cache.
	StatusCacheSize int

	// WatchdogInterval is how often the bridge liveness check runs.
	WatchdogInterval time.Duration

	// WatchdogGrace is how long the bridge may stay unreachable before the
	// watchdog forces a hard reconnect.
	WatchdogGrace time.Duration

	// ReaperInterval is the period between orphan sweeps.
	ReaperInterval time.Duration

	// ReaperStaleWindow retires initializing/qr_ready sessions with no
	// status update for this long.
	ReaperStaleWindow time.Duration

	// ReaperRetention keeps disconnected sessions around this long before
	// soft-deleting them.
	ReaperRetention time.Duration

	// ReaperWorkers bounds concurrent remote teardown calls during a sweep.
	ReaperWorkers int

	// CreateRatePerMin limits session creations per owner per minute.
	CreateRatePerMin float64

	// CreateBurst is the burst allowance on top of CreateRatePerMin.
	CreateBurst int

	// PrettyLog switches zerolog to the human console writer.
	PrettyLog bool
}

// Default returns the configuration used when no environment overrides are
// present. The durations are conservative starting points, not contract.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		DBPath:            "file:sessions.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&cache=shared&mode=rwc",
		RemoteBaseURL:     "http://localhost:3000",
		RemoteWSURL:       "ws://localhost:3000/events",
		ConnFreshness:     5 * time.Minute,
		QRFreshness:       45 * time.Second,
		VerifyTimeout:     8 * time.Second,
		VerifyGrace:       2 * time.Minute,
		CandidateLimit:    5,
		OwnerSessionCap:   3,
		StatusCacheTTL:    5 * time.Second,
		StatusCacheSize:   4096,
		WatchdogInterval:  30 * time.Second,
		WatchdogGrace:     3 * time.Minute,
		ReaperInterval:    10 * time.Minute,
		ReaperStaleWindow: 30 * time.Minute,
		ReaperRetention:   72 * time.Hour,
		ReaperWorkers:     4,
		CreateRatePerMin:  6,
		CreateBurst:       2,
		PrettyLog:         false,
	}
}

// FromEnv builds a Config from WSB_* environment variables on top of the
// defaults. Unset variables keep their default; malformed values fail load.
func FromEnv() (*Config, error) {
	cfg := Default()

	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("config: %s: %w", key, perr)
				return
			}
			*dst = n
		}
	}

	str("WSB_LISTEN_ADDR", &cfg.ListenAddr)
	str("WSB_DB_PATH", &cfg.DBPath)
	str("WSB_REMOTE_BASE_URL", &cfg.RemoteBaseURL)
	str("WSB_REMOTE_WS_URL", &cfg.RemoteWSURL)

	dur("WSB_CONN_FRESHNESS", &cfg.ConnFreshness)
	dur("WSB_QR_FRESHNESS", &cfg.QRFreshness)
	dur("WSB_VERIFY_TIMEOUT", &cfg.VerifyTimeout)
	dur("WSB_VERIFY_GRACE", &cfg.VerifyGrace)
	dur("WSB_STATUS_CACHE_TTL", &cfg.StatusCacheTTL)
	dur("WSB_WATCHDOG_INTERVAL", &cfg.WatchdogInterval)
	dur("WSB_WATCHDOG_GRACE", &cfg.WatchdogGrace)
	dur("WSB_REAPER_INTERVAL", &cfg.ReaperInterval)
	dur("WSB_REAPER_STALE_WINDOW", &cfg.ReaperStaleWindow)
	dur("WSB_REAPER_RETENTION", &cfg.ReaperRetention)

	num("WSB_CANDIDATE_LIMIT", &cfg.CandidateLimit)
	num("WSB_OWNER_SESSION_CAP", &cfg.OwnerSessionCap)
	num("WSB_STATUS_CACHE_SIZE", &cfg.StatusCacheSize)
	num("WSB_REAPER_WORKERS", &cfg.ReaperWorkers)
	num("WSB_CREATE_BURST", &cfg.CreateBurst)

	if err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("WSB_CREATE_RATE_PER_MIN"); ok {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return nil, fmt.Errorf("config: WSB_CREATE_RATE_PER_MIN: %w", perr)
		}
		cfg.CreateRatePerMin = f
	}
	if v, ok := os.LookupEnv("WSB_PRETTY_LOG"); ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return nil, fmt.Errorf("config: WSB_PRETTY_LOG: %w", perr)
		}
		cfg.PrettyLog = b
	}

	if cfg.CandidateLimit < 1 {
		return nil, fmt.Errorf("config: WSB_CANDIDATE_LIMIT must be >= 1")
	}
	if cfg.OwnerSessionCap < 1 {
		return nil, fmt.Errorf("config: WSB_OWNER_SESSION_CAP must be >= 1")
	}

	return cfg, nil
}
