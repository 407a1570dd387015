package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/deals/acceptance"
	"deal-pipeline/internal/deals/journal"
	"deal-pipeline/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarketplace keeps server-side request state and serves both feeds from it.
type fakeMarketplace struct {
	mu       sync.Mutex
	requests []models.FundingRequest
	hidden   map[string]bool
	calls    map[string]int

	pipelineErr error
	flatErr     error
	viewErr     error
	sendErr     error
	respondErr  error
	respondGate chan struct{}
}

func newFakeMarketplace(requests ...models.FundingRequest) *fakeMarketplace {
	return &fakeMarketplace{
		requests: requests,
		hidden:   map[string]bool{},
		calls:    map[string]int{},
	}
}

func (f *fakeMarketplace) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeMarketplace) find(id string) *models.FundingRequest {
	for i := range f.requests {
		if f.requests[i].ID == id {
			return &f.requests[i]
		}
	}
	return nil
}

func (f *fakeMarketplace) FetchPipeline(ctx context.Context) (*models.PipelineResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["pipeline"]++
	if f.pipelineErr != nil {
		return nil, f.pipelineErr
	}

	out := &models.PipelineResponse{Pipeline: models.EmptyPartitions()}
	for _, r := range f.requests {
		if f.hidden[r.ID] {
			continue
		}
		bucket := out.Pipeline.Bucket(models.StageFor(r.Status))
		*bucket = append(*bucket, r.Clone())
	}
	return out, nil
}

func (f *fakeMarketplace) FetchAllRequests(ctx context.Context, filter models.RequestFilter) ([]models.FundingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["flat"]++
	if f.flatErr != nil {
		return nil, f.flatErr
	}

	var out []models.FundingRequest
	for _, r := range f.requests {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *fakeMarketplace) MarkViewed(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["view"]++
	if f.viewErr != nil {
		return f.viewErr
	}
	if r := f.find(requestID); r != nil && r.Status == models.StatusPending {
		r.Status = models.StatusViewed
	}
	return nil
}

func (f *fakeMarketplace) SendNegotiationMessage(ctx context.Context, requestID string, draft models.MessageDraft) ([]models.NegotiationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["send"]++
	if f.sendErr != nil {
		return nil, f.sendErr
	}

	r := f.find(requestID)
	r.NegotiationHistory = append(r.NegotiationHistory, models.NegotiationMessage{
		ID:             "srv-" + time.Now().Format(time.RFC3339Nano),
		Author:         models.AuthorInvestor,
		Text:           draft.Text,
		ProposedAmount: draft.ProposedAmount,
		ProposedEquity: draft.ProposedEquity,
		Timestamp:      time.Now(),
		Kind:           models.KindConversational,
	})
	if r.Status == models.StatusViewed {
		r.Status = models.StatusNegotiating
	}
	return append([]models.NegotiationMessage(nil), r.NegotiationHistory...), nil
}

func (f *fakeMarketplace) RespondToRequest(ctx context.Context, requestID string, resp models.Response) (*models.FundingRequest, error) {
	f.mu.Lock()
	f.calls["respond"]++
	gate := f.respondGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.respondErr != nil {
		return nil, f.respondErr
	}

	r := f.find(requestID)
	if r.Status.IsTerminal() {
		return nil, apperrors.NewBusinessRejectedError("respondToRequest", http.StatusConflict, "Request has already been responded to")
	}
	if resp.ResponseStatus == models.ResponseAccepted {
		r.Status = models.StatusAccepted
		r.AcceptanceTerms = &models.AcceptanceTerms{
			FinalAmount:      resp.AcceptanceTerms.FinalAmount,
			FinalEquity:      resp.AcceptanceTerms.FinalEquity,
			DigitalSignature: resp.AcceptanceTerms.DigitalSignature,
			AcceptedAt:       time.Now(),
		}
	} else {
		r.Status = models.StatusDeclined
		r.DeclineReason = resp.Reason
	}
	out := r.Clone()
	return &out, nil
}

func request(id string, status models.Status, amount, equity float64) models.FundingRequest {
	return models.FundingRequest{
		ID:           id,
		Idea:         models.IdeaRef{ID: "idea-" + id, Title: "Idea " + id},
		Entrepreneur: models.EntrepreneurRef{ID: "ent-" + id, Name: "Founder " + id},
		Amount:       amount,
		Equity:       equity,
		Status:       status,
		CreatedAt:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newTestService(t *testing.T, gw Gateway, j *journal.Journal) *Service {
	svc := NewService(ServiceDependencies{
		Gateway: gw,
		Journal: j,
		Logger:  logger.NewTestLogger(t),
	}, &Config{PendingLimit: 50, RefreshTimeout: time.Second})
	t.Cleanup(svc.Close)
	return svc
}

func openService(t *testing.T, gw *fakeMarketplace) *Service {
	svc := newTestService(t, gw, nil)
	_, err := svc.Open(context.Background())
	require.NoError(t, err)
	return svc
}

func jane() acceptance.Form {
	return acceptance.Form{FinalAmount: 250000, FinalEquity: 10, DigitalSignature: "Jane Doe", Agreed: true}
}

func TestOpen_LoadsPipelineAndCards(t *testing.T) {
	gw := newFakeMarketplace(
		request("r1", models.StatusPending, 200000, 15),
		request("r2", models.StatusNegotiating, 100000, 20),
	)
	svc := openService(t, gw)

	view := svc.Pipeline()
	assert.False(t, view.Unavailable())
	assert.Equal(t, 2, view.Stats.Total)

	cards := svc.Cards(models.StageNew)
	require.Len(t, cards, 1)
	assert.Equal(t, "$1,333,333", cards[0].ValuationLabel)
	assert.True(t, cards[0].CanRespond)

	cards = svc.Cards(models.StageNegotiating)
	require.Len(t, cards, 1)
	assert.Equal(t, 500000.0, cards[0].Valuation)
}

func TestOpen_PendingMissingFromGroupedFeedIsSurfaced(t *testing.T) {
	gw := newFakeMarketplace(
		request("r1", models.StatusPending, 50000, 5),
		request("r2", models.StatusViewed, 80000, 8),
	)
	gw.hidden["r1"] = true
	svc := openService(t, gw)

	r, err := svc.Request("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, 1, svc.Pipeline().Stats.New)
}

func TestOpen_BothFeedsDownIsUnavailable(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 1000, 1))
	gw.pipelineErr = errors.New("down")
	gw.flatErr = errors.New("down")
	svc := newTestService(t, gw, nil)

	view, err := svc.Open(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePipelineUnavailable))
	assert.True(t, view.Unavailable())

	gw.pipelineErr = nil
	gw.flatErr = nil
	view, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, view.Stats.Total)
}

func TestRequest_NotFound(t *testing.T) {
	svc := openService(t, newFakeMarketplace())

	_, err := svc.Request("nope")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRequestNotFound))
}

func TestMarkViewed_MovesPendingAndRefreshes(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 1000, 10))
	svc := openService(t, gw)
	fetchesBefore := gw.count("pipeline")

	updated, err := svc.MarkViewed(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, models.StatusViewed, updated.Status)
	assert.NotNil(t, updated.ViewedAt)
	assert.Equal(t, 1, gw.count("view"))
	assert.Equal(t, fetchesBefore+1, gw.count("pipeline"))

	_, stage, ok := svc.store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, models.StageViewed, stage)
}

func TestMarkViewed_PastPendingMakesNoCall(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusNegotiating, 1000, 10))
	svc := openService(t, gw)

	updated, err := svc.MarkViewed(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNegotiating, updated.Status)
	assert.Equal(t, 0, gw.count("view"))
}

func TestSendMessage_FromPendingViewsThenNegotiates(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 100000, 10))
	svc := openService(t, gw)

	amount := 90000.0
	updated, err := svc.SendMessage(context.Background(), "r1", models.MessageDraft{Text: "Would you take 90k?", ProposedAmount: &amount})
	require.NoError(t, err)

	assert.Equal(t, models.StatusNegotiating, updated.Status)
	require.Len(t, updated.NegotiationHistory, 1)
	assert.Equal(t, amount, *updated.NegotiationHistory[0].ProposedAmount)
	assert.Equal(t, 1, gw.count("view"))
	assert.Equal(t, 1, gw.count("send"))

	r, err := svc.Request("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNegotiating, r.Status)
}

func TestSendMessage_InvalidDraftMakesNoCall(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 100000, 10))
	svc := openService(t, gw)

	_, err := svc.SendMessage(context.Background(), "r1", models.MessageDraft{Text: "   "})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 0, gw.count("view"))
	assert.Equal(t, 0, gw.count("send"))
}

func TestSendMessage_FailureLeavesRequestUnchanged(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusViewed, 100000, 10))
	gw.sendErr = apperrors.NewTransportError("sendNegotiationMessage", errors.New("connection reset"))
	svc := openService(t, gw)

	_, err := svc.SendMessage(context.Background(), "r1", models.MessageDraft{Text: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))

	r, err := svc.Request("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusViewed, r.Status)
	assert.Empty(t, r.NegotiationHistory)
}

func TestSendMessage_FailureAfterViewStillRefreshes(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 100000, 10))
	gw.sendErr = apperrors.NewTransportError("sendNegotiationMessage", errors.New("connection reset"))
	svc := openService(t, gw)
	before := gw.count("pipeline")

	_, err := svc.SendMessage(context.Background(), "r1", models.MessageDraft{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, 1, gw.count("view"))
	assert.Equal(t, before+1, gw.count("pipeline"))

	r, err := svc.Request("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusViewed, r.Status)
}

func TestAccept_JaneDoe(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusNegotiating, 300000, 12))
	svc := openService(t, gw)

	form, err := svc.AcceptanceForm("r1")
	require.NoError(t, err)
	assert.Equal(t, 300000.0, form.FinalAmount)

	accepted, err := svc.Accept(context.Background(), "r1", jane())
	require.NoError(t, err)

	assert.Equal(t, models.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptanceTerms)
	assert.Equal(t, 250000.0, accepted.AcceptanceTerms.FinalAmount)

	view := svc.Pipeline()
	require.Len(t, view.Partitions.Accepted, 1)
	assert.Equal(t, 250000.0, view.Stats.TotalInvested)
	assert.Empty(t, view.Partitions.Negotiating)

	_, err = svc.Accept(context.Background(), "r1", jane())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTerminalState))
	assert.Equal(t, 1, gw.count("respond"))
}

func TestAccept_InvalidFormMakesNoCall(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusViewed, 300000, 12))
	svc := openService(t, gw)

	form := jane()
	form.DigitalSignature = ""
	_, err := svc.Accept(context.Background(), "r1", form)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 0, gw.count("respond"))
}

func TestAccept_SecondSubmitWhileInFlightIsRefused(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusViewed, 300000, 12))
	gw.respondGate = make(chan struct{})
	svc := openService(t, gw)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Accept(context.Background(), "r1", jane())
		done <- err
	}()

	require.Eventually(t, func() bool { return gw.count("respond") == 1 }, time.Second, 5*time.Millisecond)

	_, err := svc.Accept(context.Background(), "r1", jane())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSubmissionInFlight))

	close(gw.respondGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, gw.count("respond"))
}

func TestAccept_RejectionIsSurfacedAndJournaled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gw := newFakeMarketplace(request("r1", models.StatusViewed, 300000, 12))
	gw.respondErr = apperrors.NewBusinessRejectedError("respondToRequest", http.StatusUnprocessableEntity, "Final amount exceeds the requested amount")
	svc := newTestService(t, gw, journal.New(db, logger.NewTestLogger(t)))
	_, err = svc.Open(context.Background())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO deal_events`).
		WithArgs(sqlmock.AnyArg(), "r1", "response_rejected", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = svc.Accept(context.Background(), "r1", jane())
	require.Error(t, err)
	assert.Equal(t, "Final amount exceeds the requested amount", apperrors.UserMessage(err))

	wf, err := svc.BeginAcceptance("r1")
	require.NoError(t, err)
	assert.Equal(t, "Final amount exceeds the requested amount", wf.InlineError())

	r, err := svc.Request("r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusViewed, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccept_JournalsAcceptedTerms(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gw := newFakeMarketplace(request("r1", models.StatusNegotiating, 300000, 12))
	svc := newTestService(t, gw, journal.New(db, logger.NewTestLogger(t)))
	_, err = svc.Open(context.Background())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO deal_events`).
		WithArgs(sqlmock.AnyArg(), "r1", "accepted", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = svc.Accept(context.Background(), "r1", jane())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccept_JournalFailureDoesNotFailAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gw := newFakeMarketplace(request("r1", models.StatusNegotiating, 300000, 12))
	svc := newTestService(t, gw, journal.New(db, logger.NewTestLogger(t)))
	_, err = svc.Open(context.Background())
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO deal_events`).WillReturnError(errors.New("disk full"))

	accepted, err := svc.Accept(context.Background(), "r1", jane())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
}

func TestAccept_RefreshFailureAfterSuccessIsNotAnError(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusNegotiating, 300000, 12))
	svc := openService(t, gw)

	gw.mu.Lock()
	gw.pipelineErr = errors.New("down")
	gw.flatErr = errors.New("down")
	gw.mu.Unlock()

	accepted, err := svc.Accept(context.Background(), "r1", jane())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.True(t, svc.Pipeline().Unavailable())
}

func TestDecline_WithReason(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 300000, 12))
	svc := openService(t, gw)

	declined, err := svc.Decline(context.Background(), "r1", "  Outside our thesis  ")
	require.NoError(t, err)

	assert.Equal(t, models.StatusDeclined, declined.Status)
	assert.Equal(t, "Outside our thesis", declined.DeclineReason)
	require.NotEmpty(t, declined.NegotiationHistory)
	assert.Equal(t, models.KindSystemReject, declined.NegotiationHistory[len(declined.NegotiationHistory)-1].Kind)

	view := svc.Pipeline()
	assert.Len(t, view.Partitions.Declined, 1)
	assert.Empty(t, view.Partitions.New)
}

func TestDisagreementsAreJournaledOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gw := newFakeMarketplace(request("r1", models.StatusAccepted, 300000, 12))
	// The flat list still reports the request as pending.
	stale := request("r1", models.StatusPending, 300000, 12)
	svc := newTestService(t, &staleFlat{fakeMarketplace: gw, pending: stale}, journal.New(db, logger.NewTestLogger(t)))

	mock.ExpectExec(`INSERT INTO deal_events`).
		WithArgs(sqlmock.AnyArg(), "r1", "status_disagreement", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	view, err := svc.Open(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Disagreements, 1)
	assert.Len(t, view.Partitions.Accepted, 1)
	assert.Empty(t, view.Partitions.New)

	_, err = svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type staleFlat struct {
	*fakeMarketplace
	pending models.FundingRequest
}

func (s *staleFlat) FetchAllRequests(ctx context.Context, filter models.RequestFilter) ([]models.FundingRequest, error) {
	return []models.FundingRequest{s.pending.Clone()}, nil
}

func TestClosedServiceRejectsActions(t *testing.T) {
	gw := newFakeMarketplace(request("r1", models.StatusPending, 1000, 10))
	svc := openService(t, gw)
	svc.Close()

	assert.False(t, svc.IsOpen())
	_, err := svc.MarkViewed(context.Background(), "r1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRequestNotFound))
	assert.Equal(t, 0, gw.count("view"))
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, "success", resultOf(nil))
	assert.Equal(t, "invalid", resultOf(apperrors.NewValidationError("text", "required")))
	assert.Equal(t, "rejected", resultOf(apperrors.NewBusinessRejectedError("op", 409, "no")))
	assert.Equal(t, "transport", resultOf(apperrors.NewTransportError("op", errors.New("x"))))
	assert.Equal(t, "error", resultOf(errors.New("plain")))
}
