package acceptance

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	mu     sync.Mutex
	calls  []models.Response
	result *models.FundingRequest
	err    error
	block  chan struct{}
}

func (f *fakeResponder) RespondToRequest(ctx context.Context, requestID string, resp models.Response) (*models.FundingRequest, error) {
	f.mu.Lock()
	f.calls = append(f.calls, resp)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		out := f.result.Clone()
		return &out, nil
	}
	return nil, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGuard struct {
	err      error
	acquired int
	released int
}

func (g *fakeGuard) Acquire(context.Context, string) (func(context.Context) error, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.acquired++
	return func(context.Context) error {
		g.released++
		return nil
	}, nil
}

func negotiatingRequest() models.FundingRequest {
	return models.FundingRequest{
		ID:     "req-42",
		Idea:   models.IdeaRef{ID: "idea-1", Title: "Solar microgrids"},
		Amount: 300000,
		Equity: 12,
		Status: models.StatusNegotiating,
	}
}

func validForm() Form {
	return Form{FinalAmount: 250000, FinalEquity: 10, DigitalSignature: "Jane Doe", Agreed: true}
}

func TestForm_Validate(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(f *Form)
		field string
	}{
		{name: "valid", mut: func(*Form) {}},
		{name: "zero equity allowed", mut: func(f *Form) { f.FinalEquity = 0 }},
		{name: "full equity allowed", mut: func(f *Form) { f.FinalEquity = 100 }},
		{name: "zero amount", mut: func(f *Form) { f.FinalAmount = 0 }, field: "finalAmount"},
		{name: "negative amount", mut: func(f *Form) { f.FinalAmount = -10 }, field: "finalAmount"},
		{name: "equity above range", mut: func(f *Form) { f.FinalEquity = 100.5 }, field: "finalEquity"},
		{name: "negative equity", mut: func(f *Form) { f.FinalEquity = -1 }, field: "finalEquity"},
		{name: "empty signature", mut: func(f *Form) { f.DigitalSignature = "" }, field: "digitalSignature"},
		{name: "blank signature", mut: func(f *Form) { f.DigitalSignature = "   " }, field: "digitalSignature"},
		{name: "not agreed", mut: func(f *Form) { f.Agreed = false }, field: "agreed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validForm()
			tt.mut(&f)
			err := f.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			stdErr, ok := apperrors.AsStandard(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, stdErr.Metadata["field"])
		})
	}
}

func TestForm_CalculatedValuation(t *testing.T) {
	assert.Equal(t, 2500000.0, validForm().CalculatedValuation())
	assert.Equal(t, 0.0, Form{FinalAmount: 250000}.CalculatedValuation())
}

func TestNewForm_PrefillsRequestedTerms(t *testing.T) {
	f := NewForm(negotiatingRequest())
	assert.Equal(t, 300000.0, f.FinalAmount)
	assert.Equal(t, 12.0, f.FinalEquity)
	assert.False(t, f.Agreed)
}

func TestSubmit_InvalidFormMakesNoCall(t *testing.T) {
	cases := map[string]func(f *Form){
		"empty signature": func(f *Form) { f.DigitalSignature = "" },
		"amount <= 0":     func(f *Form) { f.FinalAmount = 0 },
		"not agreed":      func(f *Form) { f.Agreed = false },
	}

	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			responder := &fakeResponder{}
			w := New(negotiatingRequest(), responder, nil, logger.NewTestLogger(t))

			f := validForm()
			mut(&f)
			_, err := w.Submit(context.Background(), f)

			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
			assert.Equal(t, 0, responder.callCount())
			assert.NotEmpty(t, w.InlineError())
			assert.Equal(t, models.StatusNegotiating, w.Request().Status)
		})
	}
}

func TestSubmit_AcceptsWithFinalTerms(t *testing.T) {
	responder := &fakeResponder{}
	g := &fakeGuard{}
	now := time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)
	w := New(negotiatingRequest(), responder, g, logger.NewTestLogger(t))
	w.now = func() time.Time { return now }

	got, err := w.Submit(context.Background(), validForm())
	require.NoError(t, err)

	require.Equal(t, 1, responder.callCount())
	sent := responder.calls[0]
	assert.Equal(t, models.ResponseAccepted, sent.ResponseStatus)
	require.NotNil(t, sent.AcceptanceTerms)
	assert.Equal(t, models.AcceptanceSubmission{FinalAmount: 250000, FinalEquity: 10, DigitalSignature: "Jane Doe"}, *sent.AcceptanceTerms)

	assert.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.AcceptanceTerms)
	assert.Equal(t, 250000.0, got.AcceptanceTerms.FinalAmount)
	assert.Equal(t, now, got.AcceptanceTerms.AcceptedAt)
	require.NotEmpty(t, got.NegotiationHistory)
	assert.Equal(t, models.KindSystemAccept, got.NegotiationHistory[len(got.NegotiationHistory)-1].Kind)

	assert.Equal(t, models.StatusAccepted, w.Request().Status)
	assert.False(t, w.InFlight())
	assert.False(t, w.CanRespond())
	assert.Empty(t, w.InlineError())
	assert.Equal(t, 1, g.acquired)
	assert.Equal(t, 1, g.released)
}

func TestSubmit_NewRequestIsRespondable(t *testing.T) {
	r := negotiatingRequest()
	r.Status = models.Status("new")
	responder := &fakeResponder{}
	w := New(r, responder, nil, logger.NewTestLogger(t))
	assert.True(t, w.CanRespond())

	got, err := w.Submit(context.Background(), validForm())
	require.NoError(t, err)
	assert.Equal(t, 1, responder.callCount())
	assert.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.AcceptanceTerms)
	assert.Equal(t, 250000.0, got.AcceptanceTerms.FinalAmount)
}

func TestSubmit_KeepsServerTerms(t *testing.T) {
	accepted := negotiatingRequest()
	accepted.Status = models.StatusAccepted
	accepted.AcceptanceTerms = &models.AcceptanceTerms{FinalAmount: 250000, FinalEquity: 10, DigitalSignature: "Jane Doe"}
	accepted.NegotiationHistory = []models.NegotiationMessage{{ID: "sys", Author: models.AuthorSystem, Kind: models.KindSystemAccept}}
	w := New(negotiatingRequest(), &fakeResponder{result: &accepted}, nil, nil)

	got, err := w.Submit(context.Background(), validForm())
	require.NoError(t, err)

	assert.Len(t, got.NegotiationHistory, 1, "no second acceptance notice")
	assert.Equal(t, 250000.0, got.AcceptanceTerms.FinalAmount)
}

func TestSubmit_AfterAcceptanceIsTerminal(t *testing.T) {
	responder := &fakeResponder{}
	w := New(negotiatingRequest(), responder, nil, nil)

	_, err := w.Submit(context.Background(), validForm())
	require.NoError(t, err)

	_, err = w.Submit(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTerminalState))
	_, err = w.Decline(context.Background(), "changed my mind")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTerminalState))
	assert.Equal(t, 1, responder.callCount())
}

func TestSubmit_SecondSubmitWhileInFlightMakesNoCall(t *testing.T) {
	responder := &fakeResponder{block: make(chan struct{})}
	w := New(negotiatingRequest(), responder, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), validForm())
		done <- err
	}()
	require.Eventually(t, w.InFlight, time.Second, time.Millisecond)
	assert.False(t, w.CanRespond())

	_, err := w.Submit(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSubmissionInFlight))

	close(responder.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, responder.callCount())
}

func TestSubmit_BusinessRejectionSurfacedVerbatim(t *testing.T) {
	responder := &fakeResponder{
		err: apperrors.NewBusinessRejectedError("respondToRequest", http.StatusConflict, "Request has already been responded to"),
	}
	w := New(negotiatingRequest(), responder, nil, nil)

	_, err := w.Submit(context.Background(), validForm())
	require.Error(t, err)

	assert.True(t, apperrors.IsBusinessRejection(err))
	assert.Equal(t, "Request has already been responded to", w.InlineError())
	assert.Equal(t, models.StatusNegotiating, w.Request().Status, "local state is not advanced")
	assert.Nil(t, w.Request().AcceptanceTerms)
	assert.False(t, w.InFlight())
	assert.True(t, w.CanRespond())
}

func TestSubmit_TransportFailure(t *testing.T) {
	responder := &fakeResponder{err: apperrors.NewTransportError("respondToRequest", errors.New("no route to host"))}
	w := New(negotiatingRequest(), responder, nil, nil)

	_, err := w.Submit(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))
	assert.Equal(t, models.StatusNegotiating, w.Request().Status)
}

func TestSubmit_GuardHeldElsewhere(t *testing.T) {
	responder := &fakeResponder{}
	g := &fakeGuard{err: apperrors.NewSubmissionInFlightError("req-42")}
	w := New(negotiatingRequest(), responder, g, nil)

	_, err := w.Submit(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSubmissionInFlight))
	assert.Equal(t, 0, responder.callCount())
	assert.NotEmpty(t, w.InlineError())
}

func TestSubmit_TerminalRequestIsRejected(t *testing.T) {
	declined := negotiatingRequest()
	declined.Status = models.StatusDeclined
	responder := &fakeResponder{}
	w := New(declined, responder, nil, nil)

	_, err := w.Submit(context.Background(), validForm())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTerminalState))
	assert.Equal(t, 0, responder.callCount())
}

func TestDecline(t *testing.T) {
	responder := &fakeResponder{}
	req := negotiatingRequest()
	req.Status = models.StatusPending
	w := New(req, responder, nil, nil)

	got, err := w.Decline(context.Background(), "  Not in our thesis  ")
	require.NoError(t, err)

	require.Equal(t, 1, responder.callCount())
	assert.Equal(t, models.Response{ResponseStatus: models.ResponseDeclined, Reason: "Not in our thesis"}, responder.calls[0])
	assert.Equal(t, models.StatusDeclined, got.Status)
	assert.Equal(t, "Not in our thesis", got.DeclineReason)
	assert.Nil(t, got.AcceptanceTerms)
	require.NotNil(t, got.RespondedAt)
	assert.Equal(t, models.KindSystemReject, got.NegotiationHistory[len(got.NegotiationHistory)-1].Kind)
}

func TestDecline_WithoutReason(t *testing.T) {
	responder := &fakeResponder{}
	w := New(negotiatingRequest(), responder, nil, nil)

	got, err := w.Decline(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, got.Status)
	assert.Empty(t, responder.calls[0].Reason)
}
