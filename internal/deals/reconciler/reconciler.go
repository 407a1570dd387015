// Package reconciler merges the grouped pipeline feed and the flat pending-request list
// into one partitioned, deduplicated view of an investor's deals.
package reconciler

import (
	"context"
	"sync"
	"time"

	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/metrics"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/models"
)

// Source is the pair of feeds a view is reconciled from.
type Source interface {
	FetchPipeline(ctx context.Context) (*models.PipelineResponse, error)
	FetchAllRequests(ctx context.Context, filter models.RequestFilter) ([]models.FundingRequest, error)
}

type Config struct {
	// PendingLimit caps the flat list fetch. Zero means no limit.
	PendingLimit int
	// Timeout bounds both fetches. Zero means the caller's context decides.
	Timeout time.Duration
}

type Reconciler struct {
	source Source
	config Config
	logger logger.Logger
	obs    *observability.Observability
	now    func() time.Time
}

func New(source Source, config Config, log logger.Logger, obs *observability.Observability) *Reconciler {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Reconciler{
		source: source,
		config: config,
		logger: log.WithFields(map[string]interface{}{"component": "reconciler"}),
		obs:    obs,
		now:    time.Now,
	}
}

// Reconcile fetches both feeds concurrently and merges them. The returned error is
// non-nil only when both feeds failed; the view is then the explicit unavailable state.
func (r *Reconciler) Reconcile(ctx context.Context) (View, error) {
	start := time.Now()

	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var (
		wg         sync.WaitGroup
		grouped    *models.PipelineResponse
		groupedErr error
		flat       []models.FundingRequest
		flatErr    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		grouped, groupedErr = r.source.FetchPipeline(ctx)
	}()
	go func() {
		defer wg.Done()
		flat, flatErr = r.source.FetchAllRequests(ctx, models.RequestFilter{
			Status: models.StatusPending,
			Limit:  r.config.PendingLimit,
		})
	}()
	wg.Wait()

	if groupedErr != nil {
		metrics.FetchFailures.WithLabelValues("grouped").Inc()
	}
	if flatErr != nil {
		metrics.FetchFailures.WithLabelValues("flat").Inc()
	}

	view, err := Merge(grouped, groupedErr, flat, flatErr)
	view.ReconciledAt = r.now()

	elapsed := time.Since(start)
	metrics.ReconcileTotal.WithLabelValues(string(view.Outcome)).Inc()
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
	r.obs.RecordReconcile(ctx, elapsed, string(view.Outcome))

	if err != nil {
		r.logger.Error("pipeline unavailable", map[string]interface{}{
			"groupedError": groupedErr.Error(),
			"flatError":    flatErr.Error(),
			"duration":     elapsed.String(),
		})
		return view, err
	}

	for _, w := range view.Warnings {
		r.logger.Warn("pipeline degraded", map[string]interface{}{
			"outcome": string(view.Outcome),
			"warning": w.Message,
			"details": w.Details,
		})
	}
	for _, d := range view.Disagreements {
		metrics.StatusDisagreements.WithLabelValues(string(d.GroupedStage)).Inc()
		r.logger.Debug("flat list reports pending for a request classified elsewhere", map[string]interface{}{
			"requestId":    d.RequestID,
			"groupedStage": string(d.GroupedStage),
		})
	}
	if view.Surfaced > 0 {
		metrics.PendingSurfaced.Add(float64(view.Surfaced))
	}

	r.logger.Info("pipeline reconciled", map[string]interface{}{
		"outcome":  string(view.Outcome),
		"total":    view.Stats.Total,
		"new":      view.Stats.New,
		"surfaced": view.Surfaced,
		"duration": elapsed.String(),
	})

	return view, nil
}
