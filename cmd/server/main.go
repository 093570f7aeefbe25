// Command server starts the Lumina Device Risk API.
//
// Usage:
//
//	go run ./cmd/server [flags]
//
// Flags:
//
//	-port            HTTP port to listen on (default: 8080)
//	-seed            Path to a seed data JSON file to replay on startup (default: data/seed.json)
//	-strict-linkage  Reject second account linkages instead of flagging them
//	-sweep           Interval between retention sweeps (default: 1h)
//
// Environment:
//
//	PORT       Overrides -port (injected by most PaaS platforms)
//	REDIS_URL  Redis instance for shared velocity counters; in-memory fallback when unset
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lumina/device-risk-api/internal/api"
	"lumina/device-risk-api/internal/decision"
	"lumina/device-risk-api/internal/domain"
	"lumina/device-risk-api/internal/fingerprint"
	"lumina/device-risk-api/internal/registry"
	"lumina/device-risk-api/internal/scoring"
	"lumina/device-risk-api/internal/velocity"
	"lumina/device-risk-api/internal/webhook"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port")
	seedFile := flag.String("seed", "data/seed.json", "path to seed data JSON file")
	strictLinkage := flag.Bool("strict-linkage", false, "reject second account linkages instead of flagging")
	sweepEvery := flag.Duration("sweep", time.Hour, "interval between retention sweeps")
	flag.Parse()

	// Railway (and most PaaS platforms) inject PORT as an env var.
	// It takes precedence over the -port flag.
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	// Structured logging — JSON in production, text-friendly in development.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Wire dependencies ─────────────────────────────────────────────────────
	reg := registry.New(registry.Config{StrictLinkage: *strictLinkage})
	reg.StartSweeper(ctx, *sweepEvery)

	counters, closeCounters := newCounterStore(ctx)
	defer closeCounters()

	gen := fingerprint.New()
	engine := scoring.New(reg, counters, domain.DefaultThresholds())
	notifier := webhook.New(reg)
	orch := decision.New(gen, reg, engine, notifier)
	handler := api.NewHandler(orch, reg)
	router := api.NewRouter(handler)

	// ── Replay seed data ──────────────────────────────────────────────────────
	if err := loadSeedData(ctx, orch, *seedFile); err != nil {
		// Non-fatal: the API works fine without seed data.
		slog.Warn("seed data not loaded", "file", *seedFile, "reason", err.Error())
	}

	// ── Start HTTP server ─────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "port", *port, "strict_linkage", *strictLinkage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// newCounterStore picks the velocity backend: Redis when REDIS_URL is set and
// reachable, otherwise the in-process store. Returns the store and a closer.
func newCounterStore(ctx context.Context) (velocity.CounterStore, func()) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		slog.Info("velocity counters: in-memory store (REDIS_URL not set)")
		return velocity.NewMemoryStore(), func() {}
	}

	rs, err := velocity.NewRedisStore(url)
	if err != nil {
		slog.Warn("velocity counters: invalid REDIS_URL, using in-memory store", "error", err)
		return velocity.NewMemoryStore(), func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		slog.Warn("velocity counters: redis unreachable, using in-memory store", "error", err)
		_ = rs.Close()
		return velocity.NewMemoryStore(), func() {}
	}

	slog.Info("velocity counters: redis store")
	return rs, func() {
		if err := rs.Close(); err != nil {
			slog.Warn("redis close failed", "error", err)
		}
	}
}

// seedRequest mirrors the evaluate endpoint's body shape.
type seedRequest struct {
	RemoteAddr string                   `json:"remote_addr"`
	Headers    map[string]string        `json:"headers"`
	Client     *domain.ClientAttributes `json:"client,omitempty"`
	Context    domain.AttemptContext    `json:"context"`
}

// loadSeedData replays a JSON file of evaluate requests through the full
// pipeline so the registry starts with historical context.
func loadSeedData(ctx context.Context, orch *decision.Orchestrator, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	var requests []seedRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}

	var allowed, flagged, blocked, failed int
	for i := range requests {
		req := &requests[i]
		bundle := domain.SignalBundle{
			RemoteAddr: req.RemoteAddr,
			Headers:    lowerKeys(req.Headers),
			Client:     req.Client,
		}
		if req.Context.Channel == "" {
			req.Context.Channel = domain.ChannelWeb
		}

		a, err := orch.Evaluate(ctx, bundle, req.Context)
		switch {
		case err != nil:
			failed++
		case a.State == domain.StateBlocked:
			blocked++
		case a.State == domain.StateFlagged:
			flagged++
		default:
			allowed++
		}
	}

	slog.Info("seed data replayed", "file", filePath,
		"allowed", allowed, "flagged", flagged, "blocked", blocked, "failed", failed)
	return nil
}

func lowerKeys(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}
