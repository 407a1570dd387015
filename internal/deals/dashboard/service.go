// Package dashboard is the investor's deal board. It owns the pipeline store for the
// lifetime of a session and routes every user action through the lifecycle rules,
// followed by a full reconciliation refresh.
package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/metrics"
	"deal-pipeline/internal/common/observability"
	"deal-pipeline/internal/deals/acceptance"
	"deal-pipeline/internal/deals/journal"
	"deal-pipeline/internal/deals/negotiation"
	"deal-pipeline/internal/deals/reconciler"
	"deal-pipeline/internal/deals/statemachine"
	"deal-pipeline/internal/deals/store"
	"deal-pipeline/internal/deals/valuation"
	"deal-pipeline/internal/models"
)

const (
	ActionView    = "view"
	ActionMessage = "message"
	ActionAccept  = "accept"
	ActionDecline = "decline"
)

// Gateway is the marketplace API the dashboard talks to.
type Gateway interface {
	reconciler.Source
	negotiation.Sender
	acceptance.Responder
	MarkViewed(ctx context.Context, requestID string) error
}

type Config struct {
	PendingLimit   int
	RefreshTimeout time.Duration
}

type ServiceDependencies struct {
	Gateway       Gateway
	Journal       *journal.Journal
	Guard         acceptance.Guard
	Logger        logger.Logger
	Observability *observability.Observability
}

// Card is one request as shown on the board.
type Card struct {
	Request        models.FundingRequest `json:"request"`
	Stage          models.Stage          `json:"stage"`
	Valuation      float64               `json:"valuation"`
	ValuationLabel string                `json:"valuationLabel"`
	CanRespond     bool                  `json:"canRespond"`
}

type Service struct {
	config  *Config
	gateway Gateway
	store   *store.Store
	journal *journal.Journal
	guard   acceptance.Guard
	logger  logger.Logger
	obs     *observability.Observability
	now     func() time.Time

	mu        sync.Mutex
	workflows map[string]*acceptance.Workflow
	reported  map[reconciler.Disagreement]bool
}

func NewService(deps ServiceDependencies, config *Config) *Service {
	if config == nil {
		config = &Config{}
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	if deps.Journal == nil {
		deps.Journal = journal.New(nil, log)
	}

	rec := reconciler.New(deps.Gateway, reconciler.Config{
		PendingLimit: config.PendingLimit,
		Timeout:      config.RefreshTimeout,
	}, log, deps.Observability)

	return &Service{
		config:    config,
		gateway:   deps.Gateway,
		store:     store.New(rec, log),
		journal:   deps.Journal,
		guard:     deps.Guard,
		logger:    log.WithFields(map[string]interface{}{"component": "dashboard"}),
		obs:       deps.Observability,
		now:       time.Now,
		workflows: map[string]*acceptance.Workflow{},
		reported:  map[reconciler.Disagreement]bool{},
	}
}

// Open enters the dashboard and loads the pipeline.
func (s *Service) Open(ctx context.Context) (reconciler.View, error) {
	view, err := s.store.Open(ctx)
	s.report(ctx, view)
	return view, err
}

// Close leaves the dashboard. Pending refreshes are dropped.
func (s *Service) Close() {
	s.store.Close()

	s.mu.Lock()
	s.workflows = map[string]*acceptance.Workflow{}
	s.reported = map[reconciler.Disagreement]bool{}
	s.mu.Unlock()
}

func (s *Service) IsOpen() bool {
	return s.store.IsOpen()
}

// Refresh re-reconciles both feeds. This is also the retry for an unavailable view.
func (s *Service) Refresh(ctx context.Context) (reconciler.View, error) {
	view, err := s.store.Refresh(ctx)
	if errors.Is(err, store.ErrStale) {
		return view, err
	}
	s.report(ctx, view)
	return view, err
}

// Pipeline returns the current snapshot.
func (s *Service) Pipeline() reconciler.View {
	return s.store.Snapshot()
}

// Request looks a request up in the current snapshot.
func (s *Service) Request(requestID string) (models.FundingRequest, error) {
	r, _, ok := s.store.Get(requestID)
	if !ok {
		return models.FundingRequest{}, apperrors.NewRequestNotFoundError(requestID)
	}
	return r, nil
}

// Cards returns the board cards of one stage in display order.
func (s *Service) Cards(stage models.Stage) []Card {
	view := s.store.Snapshot()
	requests := view.Partitions.Get(stage)
	cards := make([]Card, 0, len(requests))
	for _, r := range requests {
		cards = append(cards, NewCard(r, stage))
	}
	return cards
}

// NewCard builds the card for r shown in stage.
func NewCard(r models.FundingRequest, stage models.Stage) Card {
	v := valuation.ForRequest(r)
	return Card{
		Request:        r,
		Stage:          stage,
		Valuation:      v,
		ValuationLabel: valuation.FormatUSD(v),
		CanRespond:     statemachine.CanRespond(r.Status),
	}
}

// MarkViewed records that the investor opened a request. Requests past pending are
// returned unchanged without a call.
func (s *Service) MarkViewed(ctx context.Context, requestID string) (models.FundingRequest, error) {
	r, err := s.Request(requestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	if r.Status.Canonical() != models.StatusPending {
		return r, nil
	}

	updated, err := s.view(ctx, r)
	if err != nil {
		return models.FundingRequest{}, err
	}
	s.refreshAfter(ctx, ActionView)
	return updated, nil
}

func (s *Service) view(ctx context.Context, r models.FundingRequest) (models.FundingRequest, error) {
	if err := s.gateway.MarkViewed(ctx, r.ID); err != nil {
		s.failed(ctx, ActionView, r, err)
		return models.FundingRequest{}, err
	}

	updated := r.Clone()
	if err := statemachine.Apply(&updated, statemachine.EventView, s.now()); err != nil {
		return models.FundingRequest{}, err
	}
	s.succeeded(ctx, ActionView, updated, journal.Event{
		RequestID:  r.ID,
		Type:       journal.EventViewed,
		FromStatus: r.Status,
		ToStatus:   updated.Status,
	})
	return updated, nil
}

// SendMessage posts an investor message. A pending request is marked viewed first so
// that the first message moves it to negotiating.
func (s *Service) SendMessage(ctx context.Context, requestID string, draft models.MessageDraft) (models.FundingRequest, error) {
	r, err := s.Request(requestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	if err := negotiation.ValidateDraft(draft); err != nil {
		s.count(ctx, ActionMessage, err)
		return models.FundingRequest{}, err
	}

	viewed := false
	if r.Status.Canonical() == models.StatusPending {
		if r, err = s.view(ctx, r); err != nil {
			return models.FundingRequest{}, err
		}
		viewed = true
	}

	thread := negotiation.NewThread(r.ID, r.NegotiationHistory)
	history, err := thread.Send(ctx, s.gateway, models.AuthorInvestor, draft)
	if err != nil {
		s.failed(ctx, ActionMessage, r, err)
		if viewed {
			s.refreshAfter(ctx, ActionView)
		}
		return models.FundingRequest{}, err
	}

	updated := r.Clone()
	updated.NegotiationHistory = history
	if err := statemachine.Apply(&updated, statemachine.EventNegotiate, s.now()); err != nil {
		return models.FundingRequest{}, err
	}

	details := map[string]interface{}{"messages": len(history)}
	if draft.ProposedAmount != nil {
		details["proposedAmount"] = *draft.ProposedAmount
	}
	if draft.ProposedEquity != nil {
		details["proposedEquity"] = *draft.ProposedEquity
	}
	s.succeeded(ctx, ActionMessage, updated, journal.Event{
		RequestID:  r.ID,
		Type:       journal.EventMessageSent,
		FromStatus: r.Status,
		ToStatus:   updated.Status,
		Details:    details,
	})
	s.refreshAfter(ctx, ActionMessage)
	return updated, nil
}

// BeginAcceptance returns the acceptance workflow for a request. Callers acting on the
// same request share one workflow, so a second submission while one is in flight is
// refused.
func (s *Service) BeginAcceptance(requestID string) (*acceptance.Workflow, error) {
	r, err := s.Request(requestID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if wf, ok := s.workflows[requestID]; ok {
		current := wf.Request()
		if wf.InFlight() || (current.Status == r.Status && len(current.NegotiationHistory) == len(r.NegotiationHistory)) {
			return wf, nil
		}
	}

	wf := acceptance.New(r, s.gateway, s.guard, s.logger)
	s.workflows[requestID] = wf
	return wf, nil
}

// AcceptanceForm returns the accept form pre-filled with the requested terms.
func (s *Service) AcceptanceForm(requestID string) (acceptance.Form, error) {
	r, err := s.Request(requestID)
	if err != nil {
		return acceptance.Form{}, err
	}
	return acceptance.NewForm(r), nil
}

// Accept submits the confirmed final terms.
func (s *Service) Accept(ctx context.Context, requestID string, form acceptance.Form) (models.FundingRequest, error) {
	wf, err := s.BeginAcceptance(requestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	before := wf.Request()

	confirmed, err := wf.Submit(ctx, form)
	if err != nil {
		s.failed(ctx, ActionAccept, before, err)
		return models.FundingRequest{}, err
	}

	s.succeeded(ctx, ActionAccept, *confirmed, journal.Event{
		RequestID:  requestID,
		Type:       journal.EventAccepted,
		FromStatus: before.Status,
		ToStatus:   confirmed.Status,
		Details: map[string]interface{}{
			"finalAmount":         form.FinalAmount,
			"finalEquity":         form.FinalEquity,
			"calculatedValuation": form.CalculatedValuation(),
		},
	})
	s.refreshAfter(ctx, ActionAccept)
	return *confirmed, nil
}

// Decline rejects a request with an optional reason.
func (s *Service) Decline(ctx context.Context, requestID, reason string) (models.FundingRequest, error) {
	wf, err := s.BeginAcceptance(requestID)
	if err != nil {
		return models.FundingRequest{}, err
	}
	before := wf.Request()

	confirmed, err := wf.Decline(ctx, reason)
	if err != nil {
		s.failed(ctx, ActionDecline, before, err)
		return models.FundingRequest{}, err
	}

	ev := journal.Event{
		RequestID:  requestID,
		Type:       journal.EventDeclined,
		FromStatus: before.Status,
		ToStatus:   confirmed.Status,
	}
	if confirmed.DeclineReason != "" {
		ev.Details = map[string]interface{}{"reason": confirmed.DeclineReason}
	}
	s.succeeded(ctx, ActionDecline, *confirmed, ev)
	s.refreshAfter(ctx, ActionDecline)
	return *confirmed, nil
}

// History returns the recorded actions on a request, oldest first.
func (s *Service) History(ctx context.Context, requestID string, limit int) ([]journal.Event, error) {
	return s.journal.History(ctx, requestID, limit)
}

func (s *Service) succeeded(ctx context.Context, action string, updated models.FundingRequest, ev journal.Event) {
	s.store.Patch(updated)
	s.journal.RecordQuietly(ctx, ev)
	s.count(ctx, action, nil)

	logger.ForRequest(s.logger, updated.ID).Info("action confirmed", map[string]interface{}{
		"action": action,
		"status": string(updated.Status),
	})
}

func (s *Service) failed(ctx context.Context, action string, r models.FundingRequest, err error) {
	s.count(ctx, action, err)

	if apperrors.IsBusinessRejection(err) {
		s.journal.RecordQuietly(ctx, journal.Event{
			RequestID:  r.ID,
			Type:       journal.EventRejected,
			FromStatus: r.Status,
			Details: map[string]interface{}{
				"action":  action,
				"message": apperrors.UserMessage(err),
			},
		})
	}

	logger.ForRequest(s.logger, r.ID).Warn("action failed", map[string]interface{}{
		"action": action,
		"error":  err.Error(),
	})
}

func (s *Service) count(ctx context.Context, action string, err error) {
	result := resultOf(err)
	metrics.DealActions.WithLabelValues(action, result).Inc()
	s.obs.RecordAction(ctx, action, result)
}

// refreshAfter performs the full refresh that follows every successful action. The
// action already succeeded, so a failed refresh is only logged.
func (s *Service) refreshAfter(ctx context.Context, action string) {
	_, err := s.Refresh(ctx)
	switch {
	case err == nil, errors.Is(err, store.ErrStale), errors.Is(err, store.ErrClosed):
	default:
		s.logger.Warn("refresh after action failed", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
	}
}

// report journals each grouped/flat status disagreement once per session.
func (s *Service) report(ctx context.Context, view reconciler.View) {
	if len(view.Disagreements) == 0 {
		return
	}

	s.mu.Lock()
	var fresh []reconciler.Disagreement
	for _, d := range view.Disagreements {
		if !s.reported[d] {
			s.reported[d] = true
			fresh = append(fresh, d)
		}
	}
	s.mu.Unlock()

	for _, d := range fresh {
		s.journal.RecordQuietly(ctx, journal.Event{
			RequestID:  d.RequestID,
			Type:       journal.EventReconcileAlert,
			FromStatus: models.StatusPending,
			Details:    map[string]interface{}{"groupedStage": string(d.GroupedStage)},
		})
	}
}

func resultOf(err error) string {
	if err == nil {
		return "success"
	}
	stdErr, ok := apperrors.AsStandard(err)
	if !ok {
		return "error"
	}
	switch stdErr.Code {
	case apperrors.ErrCodeValidationFailed:
		return "invalid"
	case apperrors.ErrCodeBusinessRejected:
		return "rejected"
	case apperrors.ErrCodeTransportFailed:
		return "transport"
	case apperrors.ErrCodeSubmissionInFlight:
		return "in_flight"
	case apperrors.ErrCodeTerminalState:
		return "terminal"
	default:
		return "error"
	}
}
