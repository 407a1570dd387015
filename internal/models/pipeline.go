package models

// Stage is a pipeline partition. Pending requests are shown as "new".
type Stage string

const (
	StageNew         Stage = "new"
	StageViewed      Stage = "viewed"
	StageNegotiating Stage = "negotiating"
	StageAccepted    Stage = "accepted"
	StageDeclined    Stage = "declined"
)

// Stages lists partitions in lifecycle order.
var Stages = []Stage{StageNew, StageViewed, StageNegotiating, StageAccepted, StageDeclined}

// StageFor maps a status onto its partition. Unknown statuses land in new.
func StageFor(s Status) Stage {
	switch s {
	case StatusViewed:
		return StageViewed
	case StatusNegotiating:
		return StageNegotiating
	case StatusAccepted:
		return StageAccepted
	case StatusDeclined:
		return StageDeclined
	default:
		return StageNew
	}
}

// Partitions holds every visible request bucketed by stage.
type Partitions struct {
	New         []FundingRequest `json:"new"`
	Viewed      []FundingRequest `json:"viewed"`
	Negotiating []FundingRequest `json:"negotiating"`
	Accepted    []FundingRequest `json:"accepted"`
	Declined    []FundingRequest `json:"declined"`
}

// EmptyPartitions returns partitions with non-nil empty buckets.
func EmptyPartitions() Partitions {
	return Partitions{
		New:         []FundingRequest{},
		Viewed:      []FundingRequest{},
		Negotiating: []FundingRequest{},
		Accepted:    []FundingRequest{},
		Declined:    []FundingRequest{},
	}
}

// Bucket returns a pointer to the slice backing stage.
func (p *Partitions) Bucket(stage Stage) *[]FundingRequest {
	switch stage {
	case StageViewed:
		return &p.Viewed
	case StageNegotiating:
		return &p.Negotiating
	case StageAccepted:
		return &p.Accepted
	case StageDeclined:
		return &p.Declined
	default:
		return &p.New
	}
}

// Get returns the requests in stage.
func (p Partitions) Get(stage Stage) []FundingRequest {
	return *p.Bucket(stage)
}

// Count returns the total number of requests across all partitions.
func (p Partitions) Count() int {
	return len(p.New) + len(p.Viewed) + len(p.Negotiating) + len(p.Accepted) + len(p.Declined)
}

// Stats are the aggregate figures shown above the deal board.
type Stats struct {
	Total         int     `json:"total"`
	New           int     `json:"new"`
	Viewed        int     `json:"viewed"`
	Negotiating   int     `json:"negotiating"`
	Accepted      int     `json:"accepted"`
	Declined      int     `json:"declined"`
	TotalInvested float64 `json:"totalInvested"`
}

// PipelineResponse is the grouped pipeline feed.
type PipelineResponse struct {
	Pipeline Partitions `json:"pipeline"`
	Stats    *Stats     `json:"stats,omitempty"`
}

// ResponseStatus is the investor's terminal decision on a request.
type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "accepted"
	ResponseDeclined ResponseStatus = "declined"
)

// AcceptanceSubmission is the payload of an accept call.
type AcceptanceSubmission struct {
	FinalAmount      float64 `json:"finalAmount"`
	FinalEquity      float64 `json:"finalEquity"`
	Conditions       string  `json:"conditions,omitempty"`
	DigitalSignature string  `json:"digitalSignature"`
}

// Response is the body of respondToRequest. Exactly one of AcceptanceTerms or Reason
// is meaningful, depending on ResponseStatus.
type Response struct {
	ResponseStatus  ResponseStatus        `json:"responseStatus"`
	AcceptanceTerms *AcceptanceSubmission `json:"acceptanceTerms,omitempty"`
	Reason          string                `json:"reason,omitempty"`
}
