// cmd/streamgraphd runs one pipeline session from a manifest file and
// serves its observability surface, grounded on cmd/servo/main.go and
// cmd/client/main.go's minimal stdlib-flag CLI shape.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/n0remac/streamgraph/config"
	"github.com/n0remac/streamgraph/manifest"
	"github.com/n0remac/streamgraph/manifestcache"
	"github.com/n0remac/streamgraph/node"
	"github.com/n0remac/streamgraph/obslog"
	"github.com/n0remac/streamgraph/observability"
	"github.com/n0remac/streamgraph/pipeline"
	"github.com/n0remac/streamgraph/remotenode"
	"github.com/n0remac/streamgraph/transport"
	"github.com/n0remac/streamgraph/transport/grpcplugin"
	"github.com/n0remac/streamgraph/transport/httpplugin"
	"github.com/n0remac/streamgraph/transport/webrtcplugin"
	"github.com/n0remac/streamgraph/transport/wsplugin"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to a v1 pipeline manifest (required)")
	sessionID := flag.String("session-id", "default", "session identifier for logs and metrics")
	debugAddr := flag.String("debug-addr", ":9090", "address serving /metrics and /debug")
	logLevel := flag.String("log-level", "info", "zerolog level name")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	obslog.SetLevel(level)
	log := obslog.Component("streamgraphd")

	if *manifestPath == "" {
		log.Fatal().Msg("-manifest is required")
	}

	raw, err := os.ReadFile(*manifestPath)
	if err != nil {
		log.Fatal().Err(err).Msg("read manifest")
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("parse manifest")
	}
	if err := manifest.Validate(m); err != nil {
		log.Fatal().Err(err).Msg("invalid manifest")
	}

	transports := transport.NewRegistry()
	for _, p := range []transport.Plugin{wsplugin.New(), webrtcplugin.New(), grpcplugin.New(), httpplugin.New()} {
		if err := transports.Register(p); err != nil {
			log.Fatal().Err(err).Str("plugin", p.Name()).Msg("register transport plugin")
		}
	}

	resolver := manifestcache.NewResolver(manifestcache.New(manifestcache.DefaultTTL), fetchManifestOverHTTP)

	registry := node.NewRegistry()
	if err := registry.Register("passthrough", node.FactoryInfo{Factory: node.NewPassthrough}); err != nil {
		log.Fatal().Err(err).Msg("register passthrough")
	}
	if err := registry.Register("remote_pipeline", node.FactoryInfo{
		Factory: remotenode.NewFactory(transports.Get, resolver, decodeRemoteNodeConfig),
	}); err != nil {
		log.Fatal().Err(err).Msg("register remote_pipeline")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := pipeline.New(ctx, *sessionID, m, registry, pipeline.Options{
		MailboxDepth:    32,
		Backpressure:    pipeline.Await,
		SchedulerConfig: config.DefaultSchedulerConfig(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("start pipeline session")
	}

	obs := observability.New()
	obs.RegisterScheduler(*sessionID, sess.Scheduler())

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, obs.PrometheusText())
	})
	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		body, err := obs.DebugJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	debugServer := &http.Server{Addr: *debugAddr, Handler: mux}
	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("debug server exited")
		}
	}()

	log.Info().Str("session_id", *sessionID).Str("debug_addr", *debugAddr).Msg("streamgraphd running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	obs.UnregisterScheduler(*sessionID)
	_ = debugServer.Shutdown(shutdownCtx)
	if err := sess.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session close")
	}
}

// fetchManifestOverHTTP resolves a remote-pipeline node's url/name manifest
// source by treating the cache key as a fetchable URL.
func fetchManifestOverHTTP(key string) (manifest.Manifest, error) {
	resp, err := http.Get(key)
	if err != nil {
		return manifest.Manifest{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return manifest.Parse(raw)
}

// decodeRemoteNodeConfig turns a remote_pipeline node's decoded JSON params
// into remotenode.Config.
func decodeRemoteNodeConfig(params map[string]any) (remotenode.Config, error) {
	var cfg remotenode.Config
	cfg.TransportPlugin, _ = params["transport_plugin"].(string)

	if eps, ok := params["endpoints"].([]any); ok {
		for _, e := range eps {
			if s, ok := e.(string); ok {
				cfg.Endpoints = append(cfg.Endpoints, s)
			}
		}
	}

	if ms, ok := params["manifest_source"].(map[string]any); ok {
		cfg.ManifestSource.URL, _ = ms["url"].(string)
		cfg.ManifestSource.Name, _ = ms["name"].(string)
	}

	if v, ok := params["timeout_ms"].(float64); ok {
		cfg.TimeoutMs = int64(v)
	}
	if v, ok := params["circuit_breaker"].(float64); ok {
		cfg.CircuitBreaker = int(v)
	}
	if v, ok := params["strategy"].(string); ok {
		cfg.Strategy = remotenode.Strategy(v)
	}
	cfg.AuthToken, _ = params["auth_token"].(string)

	if retry, ok := params["retry"].(map[string]any); ok {
		cfg.Retry = remotenode.DefaultRetry
		switch kind, _ := retry["kind"].(string); kind {
		case "fixed":
			cfg.Retry.Kind = config.RetryFixed
		case "exponential":
			cfg.Retry.Kind = config.RetryExponential
		case "none":
			cfg.Retry.Kind = config.RetryNone
		}
		if v, ok := retry["max_retries"].(float64); ok {
			cfg.Retry.MaxRetries = int(v)
		}
		if v, ok := retry["base_delay"].(float64); ok {
			cfg.Retry.BaseDelay = int64(v)
		}
		if v, ok := retry["delay"].(float64); ok {
			cfg.Retry.Delay = int64(v)
		}
		if v, ok := retry["multiplier"].(float64); ok {
			cfg.Retry.Multiplier = v
		}
	}

	return cfg, nil
}
