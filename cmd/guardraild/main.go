package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/promptstack/guardrail/internal/audit"
	"github.com/promptstack/guardrail/internal/config"
	"github.com/promptstack/guardrail/internal/engine"
	"github.com/promptstack/guardrail/internal/httputil"
	"github.com/promptstack/guardrail/internal/metrics"
	"github.com/promptstack/guardrail/internal/trend"
)

const maxJSONBytes = 8 * 1024

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides GUARDRAIL_CONFIG env var)")
	flag.Parse()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("GUARDRAIL_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("mode", cfg.Mode).
		Str("listen", cfg.Server.Listen).
		Int("buckets", len(cfg.Buckets)).
		Int("shadow_banned", len(cfg.ShadowBan.UserIDs)).
		Bool("challenge_enabled", cfg.Challenge.Enabled).
		Float64("breaker_qps_max", cfg.Breaker.IPQPSMax).
		Msg("guardrail configuration")

	metrics.MustRegister()

	// Audit events are buffered and drained to structured logs off the
	// decision path.
	sink := audit.NewChannelSink(cfg.Audit.Buffer)
	go sink.Drain(audit.LogSink{Log: log.With().Str("component", "audit").Logger()})

	eng, err := engine.New(cfg, log.Logger, sink)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build decision engine")
	}
	calc := trend.NewCalculator(cfg.Trend)

	// Idle circuit-breaker machines are swept in the background.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := eng.Sweep(now); n > 0 {
					log.Debug().Int("removed", n).Msg("swept idle breaker machines")
				}
			case <-sweepDone:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/v1/decision", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDecision(w, r, eng)
	}))
	mux.Handle("/v1/challenge/success", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleChallengeSuccess(w, r, eng)
	}))
	mux.Handle("/v1/trend", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTrend(w, r, calc)
	}))
	mux.Handle("/healthz", http.HandlerFunc(handleHealth))
	mux.Handle("/readyz", http.HandlerFunc(handleHealth))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("guardrail decision service listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		close(sweepDone)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		sink.Close()
		log.Info().Msg("shutdown complete")
	}
}

type decisionRequest struct {
	Action     string `json:"action"`
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	UserID     string `json:"user_id"`
	ResourceID string `json:"resource_id"`
	// BypassToken optionally carries a signed challenge bypass to redeem
	// before evaluation.
	BypassToken string `json:"bypass_token,omitempty"`
}

type decisionResponse struct {
	Outcome      string  `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	RetryAfterMs int64   `json:"retry_after_ms,omitempty"`
	Score        float64 `json:"score,omitempty"`
	ActorKey     string  `json:"actor_key"`
	Probe        bool    `json:"probe,omitempty"`
}

func handleDecision(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
		return
	}
	if req.Action == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_action"})
		return
	}
	if req.IP == "" {
		req.IP = httputil.ClientIPFromHeaders(r)
	}
	now := time.Now()

	actorKey := eng.ActorKey(req.IP, req.UserAgent, req.UserID)
	if req.BypassToken != "" {
		eng.RedeemBypassToken(req.BypassToken, actorKey, now)
	}

	dec, err := eng.Evaluate(engine.Request{
		Action:     req.Action,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		UserID:     req.UserID,
		ResourceID: req.ResourceID,
		Now:        now,
	})
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp := decisionResponse{
		Outcome:      dec.Outcome.String(),
		Reason:       dec.Reason,
		RetryAfterMs: dec.RetryAfter.Milliseconds(),
		ActorKey:     dec.ActorKey,
		Probe:        dec.Probe,
	}
	if dec.Score != nil {
		resp.Score = dec.Score.Composite
	}
	code := http.StatusOK
	if dec.Outcome == engine.OutcomeDeny {
		code = http.StatusTooManyRequests
		w.Header().Set("Retry-After", strconv.FormatInt(int64(dec.RetryAfter.Seconds())+1, 10))
	}
	httputil.WriteJSON(w, code, resp)
}

func handleChallengeSuccess(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req struct {
		ActorKey string `json:"actor_key"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ActorKey == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "missing_actor_key"})
		return
	}
	token, err := eng.RecordChallengeSuccess(req.ActorKey, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to mint bypass token")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"bypass_token": token})
}

func handleTrend(w http.ResponseWriter, r *http.Request, calc *trend.Calculator) {
	if r.Method != http.MethodPost {
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	defer r.Body.Close()

	var req struct {
		Days []struct {
			DaysAgo int `json:"days_ago"`
			Views   int `json:"views"`
			Copies  int `json:"copies"`
			Saves   int `json:"saves"`
			Votes   int `json:"votes"`
		} `json:"days"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_json"})
		return
	}
	points := make([]trend.DailyMetricPoint, 0, len(req.Days))
	for _, d := range req.Days {
		points = append(points, trend.DailyMetricPoint{
			DaysAgo: d.DaysAgo,
			Views:   d.Views,
			Copies:  d.Copies,
			Saves:   d.Saves,
			Votes:   d.Votes,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]float64{"score": calc.Calculate(points)})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
