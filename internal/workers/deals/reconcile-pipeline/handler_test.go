package reconcilepipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/commands"
	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"deal-pipeline/internal/common/camunda"
	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/deals/reconciler"
	"deal-pipeline/internal/deals/store"
	"deal-pipeline/internal/models"
)

type fakePipeline struct {
	open      bool
	view      reconciler.View
	err       error
	opens     int
	refreshes int
}

func (f *fakePipeline) IsOpen() bool { return f.open }

func (f *fakePipeline) Open(context.Context) (reconciler.View, error) {
	f.opens++
	f.open = true
	return f.view, f.err
}

func (f *fakePipeline) Refresh(context.Context) (reconciler.View, error) {
	f.refreshes++
	return f.view, f.err
}

func mergedView() reconciler.View {
	parts := models.EmptyPartitions()
	parts.New = []models.FundingRequest{{
		ID:           "req-1",
		Idea:         models.IdeaRef{Title: "Solar kiosks"},
		Entrepreneur: models.EntrepreneurRef{Name: "Ada Obi"},
		Amount:       100000,
		Equity:       7.5,
		Status:       models.StatusPending,
	}}
	parts.Accepted = []models.FundingRequest{{
		ID:     "req-2",
		Amount: 250000,
		Equity: 10,
		Status: models.StatusAccepted,
	}}
	return reconciler.View{
		Partitions:   parts,
		Stats:        reconciler.DeriveStats(parts),
		Outcome:      reconciler.OutcomeMerged,
		Surfaced:     1,
		ReconciledAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestHandler(t *testing.T, p Pipeline) *Handler {
	return NewHandler(&Config{Timeout: 5 * time.Second}, p, logger.NewTestLogger(t), observability.NewNoop())
}

func TestHandler_Execute(t *testing.T) {
	partial := mergedView()
	partial.Outcome = reconciler.OutcomeGroupedOnly
	partial.Warnings = []*apperrors.StandardError{apperrors.NewPipelinePartialError("requests", errors.New("timeout"))}

	tests := []struct {
		name     string
		pipeline *fakePipeline
		input    *Input
		validate func(t *testing.T, f *fakePipeline, out *Output)
	}{
		{
			name:     "opens a closed dashboard",
			pipeline: &fakePipeline{view: mergedView()},
			input:    &Input{},
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				assert.Equal(t, 1, f.opens)
				assert.Zero(t, f.refreshes)
				assert.Equal(t, "merged", out.Outcome)
				assert.Equal(t, 2, out.Stats.Total)
				assert.Equal(t, 250000.0, out.Stats.TotalInvested)
				assert.Equal(t, 1, out.Surfaced)
				assert.Equal(t, "2024-03-01T12:00:00Z", out.ReconciledAt)
				assert.Nil(t, out.Requests)
			},
		},
		{
			name:     "refreshes an open dashboard",
			pipeline: &fakePipeline{open: true, view: mergedView()},
			input:    nil,
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				assert.Zero(t, f.opens)
				assert.Equal(t, 1, f.refreshes)
			},
		},
		{
			name:     "includes request cards",
			pipeline: &fakePipeline{open: true, view: mergedView()},
			input:    &Input{IncludeRequests: true},
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				require.Len(t, out.Requests, 2)
				card := out.Requests[0]
				assert.Equal(t, "req-1", card.RequestID)
				assert.Equal(t, "new", card.Stage)
				assert.Equal(t, "Ada Obi", card.Entrepreneur)
				assert.Equal(t, "$1,333,333", card.ValuationLabel)
				assert.True(t, card.CanRespond)
				assert.False(t, out.Requests[1].CanRespond)
			},
		},
		{
			name:     "filters cards by stage",
			pipeline: &fakePipeline{open: true, view: mergedView()},
			input:    &Input{IncludeRequests: true, Stage: "accepted"},
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				require.Len(t, out.Requests, 1)
				assert.Equal(t, "req-2", out.Requests[0].RequestID)
			},
		},
		{
			name:     "reports a degraded view",
			pipeline: &fakePipeline{open: true, view: partial},
			input:    &Input{},
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				assert.True(t, out.Degraded)
				assert.Equal(t, "grouped_only", out.Outcome)
				assert.Len(t, out.Warnings, 1)
			},
		},
		{
			name:     "superseded refresh reports the latest snapshot",
			pipeline: &fakePipeline{open: true, view: mergedView(), err: store.ErrStale},
			input:    &Input{},
			validate: func(t *testing.T, f *fakePipeline, out *Output) {
				assert.Equal(t, 2, out.Stats.Total)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, tt.pipeline)
			out, err := h.Execute(context.Background(), tt.input)
			require.NoError(t, err)
			require.NotNil(t, out)
			tt.validate(t, tt.pipeline, out)
		})
	}
}

func TestHandler_Execute_Errors(t *testing.T) {
	unavailable := apperrors.NewPipelineUnavailableError(errors.New("502"), errors.New("timeout"))

	tests := []struct {
		name     string
		err      error
		wantCode apperrors.ErrorCode
	}{
		{"both feeds down", unavailable, apperrors.ErrCodePipelineUnavailable},
		{"closed dashboard", store.ErrClosed, apperrors.ErrCodePipelineUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{open: true, view: reconciler.UnavailableView(tt.err), err: tt.err}
			out, err := newTestHandler(t, p).Execute(context.Background(), &Input{})
			assert.Nil(t, out)
			assert.True(t, apperrors.HasCode(err, tt.wantCode))

			bpmn := apperrors.ConvertToBPMNError(apperrors.Normalize(err))
			assert.Greater(t, bpmn.Retries, 0)
		})
	}
}

func TestHandler_Execute_UnknownStage(t *testing.T) {
	p := &fakePipeline{open: true, view: mergedView()}
	_, err := newTestHandler(t, p).Execute(context.Background(), &Input{IncludeRequests: true, Stage: "archived"})
	assert.True(t, apperrors.IsValidation(err))
	assert.Zero(t, p.refreshes)
}

func TestParseInput(t *testing.T) {
	job := func(vars string) entities.Job {
		return entities.Job{ActivatedJob: &pb.ActivatedJob{Key: 1, Variables: vars}}
	}

	input, err := parseInput(job(`{"includeRequests": true, "stage": "negotiating", "investorName": "Jane"}`))
	require.NoError(t, err)
	assert.True(t, input.IncludeRequests)
	assert.Equal(t, "negotiating", input.Stage)

	input, err = parseInput(job(""))
	require.NoError(t, err)
	assert.False(t, input.IncludeRequests)

	_, err = parseInput(job(`{"stage": "archived"}`))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))

	_, err = parseInput(job(`{"includeRequests": "yes"}`))
	assert.True(t, apperrors.IsValidation(err))
}

type completingGateway struct {
	pb.GatewayClient
	failures  int
	completed []*pb.CompleteJobRequest
}

func (g *completingGateway) CompleteJob(ctx context.Context, in *pb.CompleteJobRequest, opts ...grpc.CallOption) (*pb.CompleteJobResponse, error) {
	if g.failures > 0 {
		g.failures--
		return nil, errors.New("rpc error: code = Unavailable desc = gateway unavailable")
	}
	g.completed = append(g.completed, in)
	return &pb.CompleteJobResponse{}, nil
}

type jobClient struct {
	worker.JobClient
	gateway *completingGateway
}

func (c *jobClient) NewCompleteJobCommand() commands.CompleteJobCommandStep1 {
	return commands.NewCompleteJobCommand(c.gateway, func(context.Context, error) bool { return false })
}

func TestHandler_Handle_CompletesThroughTransientBrokerFailure(t *testing.T) {
	p := &fakePipeline{open: true, view: mergedView()}
	h := NewHandler(&Config{
		Timeout: 5 * time.Second,
		Retry:   &camunda.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, p, logger.NewTestLogger(t), observability.NewNoop())
	gw := &completingGateway{failures: 2}

	h.Handle(&jobClient{gateway: gw}, entities.Job{ActivatedJob: &pb.ActivatedJob{Key: 7, Variables: `{}`}})

	require.Len(t, gw.completed, 1)
	assert.Equal(t, int64(7), gw.completed[0].JobKey)

	var out Output
	require.NoError(t, json.Unmarshal([]byte(gw.completed[0].Variables), &out))
	assert.Equal(t, 2, out.Stats.Total)
	assert.Equal(t, 1, p.refreshes)
}
