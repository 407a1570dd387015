// Package acceptance gates the terminal responses to a funding request. Accepting
// requires confirmed final terms; each user action results in at most one outbound call.
package acceptance

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/deals/guard"
	"deal-pipeline/internal/deals/negotiation"
	"deal-pipeline/internal/deals/statemachine"
	"deal-pipeline/internal/deals/valuation"
	"deal-pipeline/internal/models"
)

// Responder sends the investor's decision to the marketplace.
type Responder interface {
	RespondToRequest(ctx context.Context, requestID string, resp models.Response) (*models.FundingRequest, error)
}

// Guard serialises submissions for one request across processes.
type Guard interface {
	Acquire(ctx context.Context, requestID string) (func(context.Context) error, error)
}

// Form is what the investor confirms before accepting.
type Form struct {
	FinalAmount      float64 `json:"finalAmount"`
	FinalEquity      float64 `json:"finalEquity"`
	Conditions       string  `json:"conditions,omitempty"`
	DigitalSignature string  `json:"digitalSignature"`
	Agreed           bool    `json:"agreed"`
}

// NewForm pre-fills the final terms with what was requested.
func NewForm(r models.FundingRequest) Form {
	return Form{FinalAmount: r.Amount, FinalEquity: r.Equity}
}

// Validate checks every precondition of an accept submission.
func (f Form) Validate() error {
	if f.FinalAmount <= 0 {
		return apperrors.NewValidationError("finalAmount", "final amount must be greater than 0")
	}
	if f.FinalEquity < 0 || f.FinalEquity > 100 {
		return apperrors.NewValidationError("finalEquity", "final equity must be between 0 and 100")
	}
	if strings.TrimSpace(f.DigitalSignature) == "" {
		return apperrors.NewValidationError("digitalSignature", "type your full legal name to sign")
	}
	if !f.Agreed {
		return apperrors.NewValidationError("agreed", "you must agree to the terms before accepting")
	}
	return nil
}

// CalculatedValuation is the valuation implied by the final terms.
func (f Form) CalculatedValuation() float64 {
	return valuation.ForTerms(f.FinalAmount, f.FinalEquity)
}

func (f Form) Submission() models.AcceptanceSubmission {
	return models.AcceptanceSubmission{
		FinalAmount:      f.FinalAmount,
		FinalEquity:      f.FinalEquity,
		Conditions:       strings.TrimSpace(f.Conditions),
		DigitalSignature: strings.TrimSpace(f.DigitalSignature),
	}
}

// Workflow drives the accept or decline of one request. It is safe for concurrent use;
// while a submission is in flight every further submission is refused without a call.
type Workflow struct {
	responder Responder
	guard     Guard
	logger    logger.Logger
	now       func() time.Time

	mu        sync.Mutex
	request   models.FundingRequest
	inFlight  bool
	inlineErr string
}

func New(request models.FundingRequest, responder Responder, g Guard, log logger.Logger) *Workflow {
	if g == nil {
		g = guard.Noop{}
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Workflow{
		responder: responder,
		guard:     g,
		logger:    logger.ForRequest(log.WithFields(map[string]interface{}{"component": "acceptance"}), request.ID),
		now:       time.Now,
		request:   canonical(request),
	}
}

func canonical(r models.FundingRequest) models.FundingRequest {
	out := r.Clone()
	out.Status = out.Status.Canonical()
	return out
}

// Request returns the last confirmed state of the request.
func (w *Workflow) Request() models.FundingRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.request.Clone()
}

// InFlight reports whether the submit control should be disabled.
func (w *Workflow) InFlight() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

// InlineError is the message to show next to the form, empty when none.
func (w *Workflow) InlineError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inlineErr
}

// CanRespond reports whether accept and decline may be offered.
func (w *Workflow) CanRespond() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return statemachine.CanRespond(w.request.Status) && !w.inFlight
}

// Submit validates form and, when every precondition holds, makes exactly one accept
// call. On failure the request is left in its last confirmed status.
func (w *Workflow) Submit(ctx context.Context, form Form) (*models.FundingRequest, error) {
	if err := form.Validate(); err != nil {
		w.mu.Lock()
		w.inlineErr = apperrors.UserMessage(err)
		w.mu.Unlock()
		return nil, err
	}

	w.logger.Info("submitting acceptance", map[string]interface{}{
		"finalAmount":         form.FinalAmount,
		"finalEquity":         form.FinalEquity,
		"calculatedValuation": form.CalculatedValuation(),
	})

	sub := form.Submission()
	return w.respond(ctx, statemachine.EventAccept, models.Response{
		ResponseStatus:  models.ResponseAccepted,
		AcceptanceTerms: &sub,
	})
}

// Decline makes exactly one decline call with an optional reason.
func (w *Workflow) Decline(ctx context.Context, reason string) (*models.FundingRequest, error) {
	return w.respond(ctx, statemachine.EventDecline, models.Response{
		ResponseStatus: models.ResponseDeclined,
		Reason:         strings.TrimSpace(reason),
	})
}

func (w *Workflow) respond(ctx context.Context, ev statemachine.Event, resp models.Response) (*models.FundingRequest, error) {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return nil, apperrors.NewSubmissionInFlightError(w.request.ID)
	}
	if !statemachine.CanRespond(w.request.Status) {
		err := apperrors.NewTerminalStateError(w.request.ID, string(w.request.Status))
		w.inlineErr = err.Message
		w.mu.Unlock()
		return nil, err
	}
	w.inFlight = true
	w.inlineErr = ""
	current := w.request.Clone()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	release, err := w.guard.Acquire(ctx, current.ID)
	if err != nil {
		w.fail(err)
		return nil, err
	}
	defer func() {
		_ = release(context.WithoutCancel(ctx))
	}()

	updated, err := w.responder.RespondToRequest(ctx, current.ID, resp)
	if err != nil {
		w.logger.Warn("response rejected", map[string]interface{}{
			"responseStatus": string(resp.ResponseStatus),
			"error":          err.Error(),
		})
		w.fail(err)
		return nil, err
	}

	confirmed, err := w.confirm(current, updated, ev, resp)
	if err != nil {
		w.fail(err)
		return nil, err
	}

	w.mu.Lock()
	w.request = confirmed.Clone()
	w.mu.Unlock()

	w.logger.Info("response confirmed", map[string]interface{}{
		"status": string(confirmed.Status),
	})
	return &confirmed, nil
}

// confirm builds the confirmed request from the server's answer, filling in what the
// server left out so an accepted request always carries exactly one set of terms.
func (w *Workflow) confirm(current models.FundingRequest, updated *models.FundingRequest, ev statemachine.Event, resp models.Response) (models.FundingRequest, error) {
	now := w.now()

	out := current
	if updated != nil {
		out = updated.Clone()
	}
	if out.ID == "" {
		out.ID = current.ID
	}
	if out.Status != models.StatusAccepted && out.Status != models.StatusDeclined {
		if out.Status == "" {
			out.Status = current.Status
		}
		if err := statemachine.Apply(&out, ev, now); err != nil {
			return models.FundingRequest{}, err
		}
	}
	if out.RespondedAt == nil {
		ts := now
		out.RespondedAt = &ts
	}

	switch out.Status {
	case models.StatusAccepted:
		if out.AcceptanceTerms == nil && resp.AcceptanceTerms != nil {
			out.AcceptanceTerms = &models.AcceptanceTerms{
				FinalAmount:      resp.AcceptanceTerms.FinalAmount,
				FinalEquity:      resp.AcceptanceTerms.FinalEquity,
				Conditions:       resp.AcceptanceTerms.Conditions,
				DigitalSignature: resp.AcceptanceTerms.DigitalSignature,
				AcceptedAt:       now,
			}
		}
		if out.AcceptanceTerms != nil && !hasKind(out.NegotiationHistory, models.KindSystemAccept) {
			out.NegotiationHistory = append(out.NegotiationHistory, negotiation.AcceptanceNotice(*out.AcceptanceTerms))
		}
	case models.StatusDeclined:
		if out.DeclineReason == "" {
			out.DeclineReason = resp.Reason
		}
		if !hasKind(out.NegotiationHistory, models.KindSystemReject) {
			out.NegotiationHistory = append(out.NegotiationHistory, negotiation.DeclineNotice(out.DeclineReason, now))
		}
	}
	return out, nil
}

func (w *Workflow) fail(err error) {
	w.mu.Lock()
	w.inlineErr = apperrors.UserMessage(err)
	w.mu.Unlock()
}

func hasKind(history []models.NegotiationMessage, kind models.MessageKind) bool {
	for _, m := range history {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
