package reconcilepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"deal-pipeline/internal/common/camunda"
	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/metrics"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/deals/dashboard"
	"deal-pipeline/internal/deals/reconciler"
	"deal-pipeline/internal/deals/store"
	"deal-pipeline/internal/models"
)

const TaskType = "reconcile-pipeline"

// Pipeline is the part of the dashboard service this worker drives.
type Pipeline interface {
	IsOpen() bool
	Open(ctx context.Context) (reconciler.View, error)
	Refresh(ctx context.Context) (reconciler.View, error)
}

type Handler struct {
	config     *Config
	pipeline   Pipeline
	logger     logger.Logger
	obs        *observability.Observability
	errHandler *apperrors.ErrorHandler
}

func NewHandler(config *Config, pipeline Pipeline, log logger.Logger, obs *observability.Observability) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		pipeline:   pipeline,
		logger:     log,
		obs:        obs,
		errHandler: apperrors.NewErrorHandler(log),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	input, err := parseInput(job)
	if err == nil {
		var output *Output
		output, err = h.Execute(ctx, input)
		if err == nil {
			h.completeJob(ctx, client, job, output)
			h.record(ctx, start, "completed")
			metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
			return
		}
	}

	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(apperrors.Normalize(err).Code)).Inc()
	h.record(ctx, start, "failed")
	h.errHandler.HandleJobError(ctx, client, job, err)
}

func parseInput(job entities.Job) (*Input, error) {
	raw := []byte(job.GetVariables())
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := inputSchema.CheckJSON(raw); err != nil {
		return nil, err
	}

	var input Input
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, apperrors.NewValidationError("variables", err.Error())
	}
	return &input, nil
}

// Execute reconciles the pipeline, opening the dashboard first when needed. A refresh
// superseded by a concurrent one still reports the newest snapshot.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		input = &Input{}
	}
	if err := inputSchema.Check(input); err != nil {
		return nil, err
	}

	var (
		view reconciler.View
		err  error
	)
	if h.pipeline.IsOpen() {
		view, err = h.pipeline.Refresh(ctx)
	} else {
		view, err = h.pipeline.Open(ctx)
	}
	switch {
	case errors.Is(err, store.ErrStale):
	case errors.Is(err, store.ErrClosed):
		return nil, apperrors.NewPipelineUnavailableError(err, err)
	case err != nil:
		return nil, err
	}

	return buildOutput(view, input), nil
}

func buildOutput(view reconciler.View, input *Input) *Output {
	out := &Output{
		Outcome:       string(view.Outcome),
		Degraded:      view.Degraded(),
		CountOnly:     view.CountOnly,
		Stats:         view.Stats,
		Surfaced:      view.Surfaced,
		Disagreements: len(view.Disagreements),
		ReconciledAt:  view.ReconciledAt.UTC().Format(time.RFC3339),
	}
	for _, w := range view.Warnings {
		out.Warnings = append(out.Warnings, w.Message)
	}

	if !input.IncludeRequests {
		return out
	}

	stages := models.Stages
	if input.Stage != "" {
		stages = []models.Stage{models.Stage(input.Stage)}
	}
	out.Requests = []RequestCard{}
	for _, stage := range stages {
		for _, r := range view.Partitions.Get(stage) {
			card := dashboard.NewCard(r, stage)
			out.Requests = append(out.Requests, RequestCard{
				RequestID:      r.ID,
				Title:          r.Idea.Title,
				Entrepreneur:   r.Entrepreneur.Name,
				Stage:          string(stage),
				Status:         string(r.Status),
				Amount:         r.Amount,
				Equity:         r.Equity,
				Valuation:      card.Valuation,
				ValuationLabel: card.ValuationLabel,
				CanRespond:     card.CanRespond,
			})
		}
	}
	return out
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	if err := camunda.CompleteJob(ctx, client, job.GetKey(), output, h.config.Retry); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err.Error(),
		})
		return
	}

	h.logger.Info("pipeline reconciled", map[string]interface{}{
		"jobKey":   job.GetKey(),
		"outcome":  output.Outcome,
		"total":    output.Stats.Total,
		"surfaced": output.Surfaced,
	})
}

func (h *Handler) record(ctx context.Context, start time.Time, status string) {
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.obs.RecordJobProcessed(ctx, status)
	h.obs.RecordJobDuration(ctx, time.Since(start), status)
}
