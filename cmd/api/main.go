// Package main implements the configurator API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/torchline/configurator/engine/applicability"
	"github.com/torchline/configurator/engine/catalog"
	"github.com/torchline/configurator/engine/domain"
	"github.com/torchline/configurator/engine/extract"
	"github.com/torchline/configurator/engine/orchestrator"
	"github.com/torchline/configurator/engine/session"
	"github.com/torchline/configurator/pkg/events"
	"github.com/torchline/configurator/pkg/llm"
	"github.com/torchline/configurator/pkg/metrics"
	"github.com/torchline/configurator/pkg/mid"
	"github.com/torchline/configurator/pkg/resilience"
	"github.com/torchline/configurator/pkg/retry"
)

// Config holds all environment-based configuration.
type Config struct {
	Port              string
	CORSOrigin        string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	LLMTimeout        time.Duration
	LLMRatePerSecond  float64
	GraphURI          string
	GraphUser         string
	GraphPass         string
	GraphTimeout      time.Duration
	CacheURL          string
	ArchiveDSN        string
	NATSURL           string
	ApplicabilityPath string
	SessionTTL        time.Duration
	TurnDeadline      time.Duration
	MinRealComponents int
	AutoCommitConf    float64
	ConfirmConf       float64
}

func loadConfig() Config {
	_ = godotenv.Load()
	return Config{
		Port:              envOr("PORT", "8080"),
		CORSOrigin:        envOr("CORS_ORIGIN", "*"),
		LLMBaseURL:        envOr("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMModel:          envOr("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:        envMillis("LLM_TIMEOUT_MS", 10_000),
		LLMRatePerSecond:  envFloat("LLM_RATE_PER_SECOND", 5),
		GraphURI:          envOr("GRAPH_URI", "neo4j://localhost:7687"),
		GraphUser:         envOr("GRAPH_USER", "neo4j"),
		GraphPass:         envOr("GRAPH_PASS", "password"),
		GraphTimeout:      envMillis("GRAPH_TIMEOUT_MS", 3_000),
		CacheURL:          envOr("CACHE_URL", "localhost:6379"),
		ArchiveDSN:        os.Getenv("ARCHIVE_DSN"),
		NATSURL:           os.Getenv("NATS_URL"),
		ApplicabilityPath: envOr("APPLICABILITY_PATH", "config/applicability.json"),
		SessionTTL:        time.Duration(envInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		TurnDeadline:      envMillis("TURN_DEADLINE_MS", 30_000),
		MinRealComponents: envInt("MIN_REAL_COMPONENTS", 1),
		AutoCommitConf:    envFloat("AUTO_COMMIT_CONFIDENCE", 0.8),
		ConfirmConf:       envFloat("CONFIRM_CONFIDENCE", 0.5),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Applicability table ---
	table, err := applicability.Load(cfg.ApplicabilityPath)
	if err != nil {
		logger.Warn("applicability table unavailable, defaulting to all-Y", "path", cfg.ApplicabilityPath, "err", err)
		table = applicability.Empty()
	} else {
		logger.Info("applicability table loaded", "power_sources", table.Size())
	}

	// --- Product graph ---
	driver, err := neo4j.NewDriverWithContext(cfg.GraphURI, neo4j.BasicAuth(cfg.GraphUser, cfg.GraphPass, ""))
	if err != nil {
		return fmt.Errorf("graph driver: %w", err)
	}
	defer driver.Close(ctx)
	searcher := catalog.New(driver, catalog.WithTimeout(cfg.GraphTimeout))

	// --- Hot cache ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.CacheURL})
	defer rdb.Close()
	store := session.NewStore(rdb, session.WithTTL(cfg.SessionTTL))
	locker := session.NewLocker(rdb, "")

	// --- Archive (optional) ---
	var archive *session.Archive
	if cfg.ArchiveDSN != "" {
		archive, err = session.NewArchive(cfg.ArchiveDSN)
		if err != nil {
			logger.Warn("archive unavailable, continuing without", "err", err)
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	// --- Event bus (optional) ---
	var bus *events.Bus
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("configurator-api"))
		if err != nil {
			logger.Warn("nats unavailable, continuing without", "err", err)
		} else {
			defer nc.Close()
			bus = events.NewBus(nc)
		}
	}

	// --- Extraction pipeline ---
	completer := &guardedCompleter{
		inner: llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel,
			llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout})),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: resilience.NewLimiter(cfg.LLMRatePerSecond, 2),
		timeout: cfg.LLMTimeout,
	}
	extractor := extract.New(completer)

	// --- Orchestrator ---
	reg := metrics.NewRegistry()
	opts := orchestrator.DefaultOptions()
	opts.MinRealComponents = cfg.MinRealComponents
	opts.TurnDeadline = cfg.TurnDeadline
	opts.AutoCommitConfidence = cfg.AutoCommitConf
	opts.ConfirmConfidence = cfg.ConfirmConf

	var archiver orchestrator.Archiver
	if archive != nil {
		archiver = archive
	}
	orch := orchestrator.New(
		extractor, searcher, store, archiver, table, bus, reg, opts, logger,
		func() string { return ulid.Make().String() },
	)

	// --- HTTP server ---
	srv := &server{
		orch:    orch,
		locker:  locker,
		rdb:     rdb,
		driver:  driver,
		archive: archive,
		nc:      nc,
		ttl:     cfg.TurnDeadline,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /configurator/message", srv.handleMessage)
	mux.HandleFunc("GET /configurator/session/{id}", srv.handleSession)
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("configurator-api"),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("configurator api starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// guardedCompleter wraps the LLM client with a circuit breaker, a rate
// limiter, a per-call timeout, and one bounded retry.
type guardedCompleter struct {
	inner   *llm.Client
	breaker *resilience.Breaker
	limiter *resilience.Limiter
	timeout time.Duration
}

func (g *guardedCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return retry.Do(ctx, retry.Defaults, func(ctx context.Context) (string, error) {
		var out string
		err := g.breaker.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			var callErr error
			out, callErr = g.inner.Complete(callCtx, system, user)
			return callErr
		})
		return out, err
	})
}

// server carries the HTTP handler dependencies.
type server struct {
	orch    *orchestrator.Orchestrator
	locker  *session.Locker
	rdb     *redis.Client
	driver  neo4j.DriverWithContext
	archive *session.Archive
	nc      *nats.Conn
	ttl     time.Duration
	logger  *slog.Logger
}

type messageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Language  string `json:"language,omitempty"`
	Reset     bool   `json:"reset,omitempty"`
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" && !req.Reset && req.SessionID != "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx := r.Context()
	if req.SessionID != "" {
		// Per-session serialization: turns for one session never
		// interleave; distinct sessions run fully in parallel.
		unlock, err := s.locker.Acquire(ctx, req.SessionID, s.ttl)
		if err != nil {
			if errors.Is(err, session.ErrLockHeld) {
				writeError(w, http.StatusConflict, "another turn for this session is in progress")
				return
			}
			s.logger.Error("session lock failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		defer func() { _ = unlock(context.WithoutCancel(ctx)) }()
	}

	resp, err := s.orch.Turn(ctx, orchestrator.TurnRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
		Language:  req.Language,
		Reset:     req.Reset,
	})
	if err != nil {
		s.logger.Error("turn failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.orch.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			writeError(w, http.StatusNotFound, "session expired")
			return
		}
		s.logger.Error("session snapshot failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	ready := map[string]bool{}
	set := func(name string, ok bool) {
		mu.Lock()
		ready[name] = ok
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		set("cache", s.rdb.Ping(gctx).Err() == nil)
		return nil
	})
	g.Go(func() error {
		set("graph", s.driver.VerifyConnectivity(gctx) == nil)
		return nil
	})
	g.Go(func() error {
		if s.archive == nil {
			set("archive", false)
			return nil
		}
		set("archive", s.archive.Ping(gctx) == nil)
		return nil
	})
	_ = g.Wait()
	ready["events"] = s.nc != nil && s.nc.IsConnected()

	status := http.StatusOK
	if !ready["cache"] || !ready["graph"] {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ready)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
