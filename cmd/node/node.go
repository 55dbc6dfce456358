// Package node implements the agentnet node command: a server agent that
// beacons, answers requests and runs until signalled or asked to shut down.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentnet/internal/agent"
	"agentnet/internal/metrics"
	"agentnet/internal/namespace"
	"agentnet/pkg/config"
	"agentnet/pkg/logger"
)

// Run starts a server agent.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

	if cfg.Agent.Name == "" || cfg.Agent.Name == "CHANGE_ME" {
		return fmt.Errorf("name must be set in the [agent] section (not 'CHANGE_ME')")
	}

	rt, err := cfg.Agent.Runtime(log)
	if err != nil {
		return fmt.Errorf("parsing agent config: %w", err)
	}
	rt.Metrics = metrics.New(true)
	rt.Namespace = namespace.New()

	log.Info().
		Str("node", rt.Node).
		Str("name", rt.Name).
		Str("network", rt.Network.String()).
		Int("discovery_port", rt.DiscoveryPort).
		Msg("Starting agent")

	a, err := agent.Start(rt)
	if err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	defer a.Shutdown()

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.Agent.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Metrics.Handler())
		srv = &http.Server{
			Addr:              cfg.Agent.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		log.Info().Str("addr", cfg.Agent.MetricsAddr).Msg("Serving metrics")
	}

	// Wait for shutdown signal, a shutdown request or a metrics error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("metrics server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-a.Done():
		log.Info().Msg("Shutdown requested")
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutting down agent: %w", err)
	}
	return runErr
}
