package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle stage of a funding request. It is the single source of
// truth for which pipeline partition a request belongs to.
type Status string

const (
	StatusPending     Status = "pending"
	StatusViewed      Status = "viewed"
	StatusNegotiating Status = "negotiating"
	StatusAccepted    Status = "accepted"
	StatusDeclined    Status = "declined"

	// statusNew is the marketplace's name for a freshly submitted request.
	statusNew Status = "new"
)

// AllStatuses lists statuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusViewed,
	StatusNegotiating,
	StatusAccepted,
	StatusDeclined,
}

// Canonical folds the "new" alias into pending.
func (s Status) Canonical() Status {
	if s == statusNew {
		return StatusPending
	}
	return s
}

// UnmarshalJSON decodes a status, accepting "new" as pending.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status(raw).Canonical()
	return nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusViewed, StatusNegotiating, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

// IsTerminal reports whether no further status mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusDeclined
}

// FundingStage is the company stage the entrepreneur is raising at.
type FundingStage string

const (
	FundingStageSeed    FundingStage = "seed"
	FundingStageSeriesA FundingStage = "series_a"
	FundingStageSeriesB FundingStage = "series_b"
	FundingStageSeriesC FundingStage = "series_c"
	FundingStageBridge  FundingStage = "bridge"
	FundingStageOther   FundingStage = "other"
)

// InvestmentType is the instrument offered in exchange for capital.
type InvestmentType string

const (
	InvestmentTypeEquity          InvestmentType = "equity"
	InvestmentTypeConvertibleNote InvestmentType = "convertible_note"
	InvestmentTypeSAFE            InvestmentType = "safe"
	InvestmentTypeRevenueShare    InvestmentType = "revenue_share"
	InvestmentTypeOther           InvestmentType = "other"
)

// IdeaRef points at an idea owned by the idea catalog.
type IdeaRef struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

// EntrepreneurRef points at a user owned by the user directory.
type EntrepreneurRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// AcceptanceTerms are the investor-confirmed final terms of an accepted deal.
type AcceptanceTerms struct {
	FinalAmount      float64   `json:"finalAmount"`
	FinalEquity      float64   `json:"finalEquity"`
	Conditions       string    `json:"conditions,omitempty"`
	DigitalSignature string    `json:"digitalSignature"`
	AcceptedAt       time.Time `json:"acceptedAt"`
}

// FundingRequest is one entrepreneur's ask for capital against a specific idea.
type FundingRequest struct {
	ID                 string               `json:"id"`
	Idea               IdeaRef              `json:"idea"`
	Entrepreneur       EntrepreneurRef      `json:"entrepreneur"`
	Amount             float64              `json:"amount"`
	Equity             float64              `json:"equity"`
	Valuation          *float64             `json:"valuation,omitempty"`
	FundingStage       FundingStage         `json:"fundingStage,omitempty"`
	InvestmentType     InvestmentType       `json:"investmentType,omitempty"`
	Message            string               `json:"message,omitempty"`
	Status             Status               `json:"status"`
	NegotiationHistory []NegotiationMessage `json:"negotiationHistory,omitempty"`
	AcceptanceTerms    *AcceptanceTerms     `json:"acceptanceTerms,omitempty"`
	DeclineReason      string               `json:"declineReason,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	ViewedAt           *time.Time           `json:"viewedAt,omitempty"`
	RespondedAt        *time.Time           `json:"respondedAt,omitempty"`
}

// InvestedAmount is the capital committed by an accepted request: the confirmed final
// amount when present, otherwise the requested amount.
func (r FundingRequest) InvestedAmount() float64 {
	if r.AcceptanceTerms != nil && r.AcceptanceTerms.FinalAmount > 0 {
		return r.AcceptanceTerms.FinalAmount
	}
	return r.Amount
}

// Clone returns a copy that shares no mutable state with r.
func (r FundingRequest) Clone() FundingRequest {
	out := r
	if r.Valuation != nil {
		v := *r.Valuation
		out.Valuation = &v
	}
	if r.AcceptanceTerms != nil {
		terms := *r.AcceptanceTerms
		out.AcceptanceTerms = &terms
	}
	if r.ViewedAt != nil {
		ts := *r.ViewedAt
		out.ViewedAt = &ts
	}
	if r.RespondedAt != nil {
		ts := *r.RespondedAt
		out.RespondedAt = &ts
	}
	if r.NegotiationHistory != nil {
		out.NegotiationHistory = make([]NegotiationMessage, len(r.NegotiationHistory))
		for i, m := range r.NegotiationHistory {
			out.NegotiationHistory[i] = m.Clone()
		}
	}
	return out
}

// RequestFilter narrows the flat request listing.
type RequestFilter struct {
	Status Status `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
