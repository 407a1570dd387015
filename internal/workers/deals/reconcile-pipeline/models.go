// internal/workers/deals/reconcile-pipeline/models.go
package reconcilepipeline

import (
	"deal-pipeline/internal/common/validation"
	"deal-pipeline/internal/models"
)

type Input struct {
	IncludeRequests bool   `json:"includeRequests"`
	Stage           string `json:"stage,omitempty"`
}

type Output struct {
	Outcome       string        `json:"outcome"`
	Degraded      bool          `json:"degraded"`
	CountOnly     bool          `json:"countOnly"`
	Stats         models.Stats  `json:"stats"`
	Surfaced      int           `json:"surfaced"`
	Disagreements int           `json:"disagreements"`
	Warnings      []string      `json:"warnings,omitempty"`
	ReconciledAt  string        `json:"reconciledAt"`
	Requests      []RequestCard `json:"requests,omitempty"`
}

// RequestCard is the flattened card handed to the process for each request.
type RequestCard struct {
	RequestID      string  `json:"requestId"`
	Title          string  `json:"title"`
	Entrepreneur   string  `json:"entrepreneur"`
	Stage          string  `json:"stage"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	Equity         float64 `json:"equity"`
	Valuation      float64 `json:"valuation"`
	ValuationLabel string  `json:"valuationLabel"`
	CanRespond     bool    `json:"canRespond"`
}

// Job variables carry the whole process scope, so unknown properties are allowed.
var inputSchema = validation.MustCompile("reconcile-pipeline input", `{
	"type": "object",
	"properties": {
		"includeRequests": {"type": "boolean"},
		"stage": {"enum": ["new", "viewed", "negotiating", "accepted", "declined"]}
	}
}`)
