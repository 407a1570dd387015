// internal/workers/deals/respond-to-request/models.go
package respondtorequest

import "deal-pipeline/internal/common/validation"

const (
	DecisionAccepted = "accepted"
	DecisionDeclined = "declined"
)

// Input is the investor's decision. Final terms left out of an accept default to the
// requested amount and equity.
type Input struct {
	RequestID        string   `json:"requestId"`
	Decision         string   `json:"decision"`
	FinalAmount      *float64 `json:"finalAmount,omitempty"`
	FinalEquity      *float64 `json:"finalEquity,omitempty"`
	Conditions       string   `json:"conditions,omitempty"`
	DigitalSignature string   `json:"digitalSignature,omitempty"`
	Agreed           bool     `json:"agreed,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

type Output struct {
	RequestID           string  `json:"requestId"`
	Status              string  `json:"status"`
	FinalAmount         float64 `json:"finalAmount,omitempty"`
	FinalEquity         float64 `json:"finalEquity,omitempty"`
	CalculatedValuation float64 `json:"calculatedValuation,omitempty"`
	ValuationLabel      string  `json:"valuationLabel,omitempty"`
	DeclineReason       string  `json:"declineReason,omitempty"`
	RespondedAt         string  `json:"respondedAt,omitempty"`
}

var inputSchema = validation.MustCompile("respond-to-request input", `{
	"type": "object",
	"required": ["requestId", "decision"],
	"properties": {
		"requestId": {"type": "string", "minLength": 1},
		"decision": {"enum": ["accepted", "declined"]},
		"finalAmount": {"type": "number"},
		"finalEquity": {"type": "number"},
		"conditions": {"type": "string"},
		"digitalSignature": {"type": "string"},
		"agreed": {"type": "boolean"},
		"reason": {"type": "string"}
	}
}`)
