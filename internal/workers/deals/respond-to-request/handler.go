package respondtorequest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"deal-pipeline/internal/common/camunda"
	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/metrics"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/deals/acceptance"
	"deal-pipeline/internal/deals/reconciler"
	"deal-pipeline/internal/deals/valuation"
	"deal-pipeline/internal/models"
)

const TaskType = "respond-to-request"

// Deals is the part of the dashboard service this worker drives.
type Deals interface {
	Request(requestID string) (models.FundingRequest, error)
	Refresh(ctx context.Context) (reconciler.View, error)
	AcceptanceForm(requestID string) (acceptance.Form, error)
	Accept(ctx context.Context, requestID string, form acceptance.Form) (models.FundingRequest, error)
	Decline(ctx context.Context, requestID, reason string) (models.FundingRequest, error)
}

type Handler struct {
	config     *Config
	deals      Deals
	logger     logger.Logger
	obs        *observability.Observability
	errHandler *apperrors.ErrorHandler
}

func NewHandler(config *Config, deals Deals, log logger.Logger, obs *observability.Observability) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		deals:      deals,
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

// Execute submits the decision once. A request the snapshot does not know yet triggers
// a single refresh before giving up.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || input.RequestID == "" {
		return nil, apperrors.NewValidationError("requestId", "request id is required")
	}

	if _, err := h.deals.Request(input.RequestID); apperrors.HasCode(err, apperrors.ErrCodeRequestNotFound) {
		if _, rerr := h.deals.Refresh(ctx); rerr != nil {
			h.logger.Warn("refresh before respond failed", map[string]interface{}{
				"requestId": input.RequestID,
				"error":     rerr.Error(),
			})
		}
	}

	var (
		updated models.FundingRequest
		err     error
	)
	switch input.Decision {
	case DecisionAccepted:
		updated, err = h.accept(ctx, input)
	case DecisionDeclined:
		updated, err = h.deals.Decline(ctx, input.RequestID, input.Reason)
	default:
		return nil, apperrors.NewValidationError("decision", "decision must be accepted or declined")
	}
	if err != nil {
		return nil, withoutRetry(err)
	}

	return buildOutput(updated), nil
}

func (h *Handler) accept(ctx context.Context, input *Input) (models.FundingRequest, error) {
	form, err := h.deals.AcceptanceForm(input.RequestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	if input.FinalAmount != nil {
		form.FinalAmount = *input.FinalAmount
	}
	if input.FinalEquity != nil {
		form.FinalEquity = *input.FinalEquity
	}
	form.Conditions = input.Conditions
	form.DigitalSignature = input.DigitalSignature
	form.Agreed = input.Agreed

	return h.deals.Accept(ctx, input.RequestID, form)
}

// withoutRetry stops the engine from resubmitting a decision on its own. A failed
// respond call goes back to the process, which decides whether to try again.
func withoutRetry(err error) error {
	stdErr := *apperrors.Normalize(err)
	stdErr.Retryable = false
	return &stdErr
}

func buildOutput(r models.FundingRequest) *Output {
	out := &Output{
		RequestID:     r.ID,
		Status:        string(r.Status),
		DeclineReason: r.DeclineReason,
	}
	if terms := r.AcceptanceTerms; terms != nil {
		out.FinalAmount = terms.FinalAmount
		out.FinalEquity = terms.FinalEquity
		out.CalculatedValuation = valuation.ForTerms(terms.FinalAmount, terms.FinalEquity)
		out.ValuationLabel = valuation.FormatUSD(out.CalculatedValuation)
	}
	if r.RespondedAt != nil {
		out.RespondedAt = r.RespondedAt.UTC().Format(time.RFC3339)
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

	h.logger.Info("request responded", map[string]interface{}{
		"jobKey":    job.GetKey(),
		"requestId": output.RequestID,
		"status":    output.Status,
	})
}

func (h *Handler) record(ctx context.Context, start time.Time, status string) {
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	h.obs.RecordJobProcessed(ctx, status)
	h.obs.RecordJobDuration(ctx, time.Since(start), status)
}
