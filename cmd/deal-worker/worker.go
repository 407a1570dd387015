package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"deal-pipeline/internal/common/camunda"
	"deal-pipeline/internal/common/config"
	"deal-pipeline/internal/common/database"
	"deal-pipeline/internal/common/observability"

	rp "deal-pipeline/internal/workers/deals/reconcile-pipeline"
	rtr "deal-pipeline/internal/workers/deals/respond-to-request"
)

func runWorker(cmd *cobra.Command, argv []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	zapLog, log := newLogger(cfg)
	defer zapLog.Sync()

	log.Info("starting deal worker", map[string]interface{}{
		"environment": cfg.App.Environment,
		"marketplace": cfg.Marketplace.BaseURL,
	})

	obs := observability.New("deal-worker")
	defer obs.Shutdown()

	p, err := buildPipeline(ctx, cfg, log, obs)
	if err != nil {
		return err
	}
	defer p.Close()

	// --- Zeebe ---
	var zeebe *camunda.Client
	err = database.RetryWithBackoff(ctx, func(context.Context) error {
		var err error
		zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
		})
		return err
	}, 10, 2*time.Second, log, "Zeebe client initialization")
	if err != nil {
		return err
	}
	defer func() {
		if err := zeebe.Close(); err != nil {
			log.Error("error closing Zeebe client", map[string]interface{}{"error": err.Error()})
		}
	}()
	log.Info("Zeebe client connected", nil)

	// An unavailable marketplace is not fatal; the reconcile worker retries it.
	if view, err := p.svc.Open(ctx); err != nil {
		log.Warn("initial pipeline load failed", map[string]interface{}{"error": err.Error()})
	} else {
		log.Info("pipeline loaded", map[string]interface{}{
			"outcome": string(view.Outcome),
			"total":   view.Stats.Total,
		})
	}

	// --- Workers ---
	var workers []worker.JobWorker

	if wcfg := config.GetWorkerConfig(cfg, rp.TaskType); wcfg.Enabled {
		handler := rp.NewHandler(&rp.Config{Timeout: config.GetDuration(wcfg.Timeout), Retry: zeebe.RetryConfig()}, p.svc, log, obs)
		workers = append(workers, camunda.StartWorker(zeebe.GetClient(), rp.TaskType, wcfg, handler.Handle, log))
	}

	if wcfg := config.GetWorkerConfig(cfg, rtr.TaskType); wcfg.Enabled {
		handler := rtr.NewHandler(&rtr.Config{Timeout: config.GetDuration(wcfg.Timeout), Retry: zeebe.RetryConfig()}, p.svc, log, obs)
		workers = append(workers, camunda.StartWorker(zeebe.GetClient(), rtr.TaskType, wcfg, handler.Handle, log))
	}

	log.Info("workers registered", map[string]interface{}{"count": len(workers)})

	// --- Health & Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := zeebe.HealthCheck(r.Context()); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "zeebe unreachable")
			return
		}
		if !p.svc.IsOpen() {
			writeStatus(w, http.StatusServiceUnavailable, "pipeline closed")
			return
		}
		writeStatus(w, http.StatusOK, "ready")
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("health/metrics server listening", map[string]interface{}{"addr": cfg.Server.MetricsAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("health/metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()

	log.Info("shutdown signal received, stopping workers", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	camunda.StopWorkers(workers, log)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("health/metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	log.Info("deal worker stopped", nil)
	return nil
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
