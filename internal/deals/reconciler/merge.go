package reconciler

import (
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/models"
)

// Outcome names the source combination a view was built from.
type Outcome string

const (
	OutcomeMerged      Outcome = "merged"
	OutcomeGroupedOnly Outcome = "grouped_only"
	OutcomeFlatOnly    Outcome = "flat_only"
	OutcomeUnavailable Outcome = "unavailable"
)

// Disagreement is a request the flat list reports as pending while the grouped feed
// has already classified it into a later stage. The grouped stage is kept.
type Disagreement struct {
	RequestID    string
	GroupedStage models.Stage
}

// View is one reconciled, partitioned snapshot of the investor's deals.
type View struct {
	Partitions    models.Partitions
	Stats         models.Stats
	Outcome       Outcome
	Warnings      []*apperrors.StandardError
	CountOnly     bool
	Surfaced      int
	Disagreements []Disagreement
	Err           error
	Generation    uint64
	ReconciledAt  time.Time
}

// Unavailable reports whether neither source could be loaded. An unavailable view has
// empty partitions and zero stats, which must not be read as "no deals".
func (v View) Unavailable() bool {
	return v.Outcome == OutcomeUnavailable
}

// Degraded reports whether the view was built from a single source.
func (v View) Degraded() bool {
	return len(v.Warnings) > 0
}

// Find returns the request with id and the stage it is in.
func (v View) Find(id string) (models.FundingRequest, models.Stage, bool) {
	for _, stage := range models.Stages {
		for _, r := range v.Partitions.Get(stage) {
			if r.ID == id {
				return r, stage, true
			}
		}
	}
	return models.FundingRequest{}, "", false
}

// Clone returns a deep copy of v.
func (v View) Clone() View {
	out := v
	out.Partitions = clonePartitions(v.Partitions)
	out.Warnings = append([]*apperrors.StandardError(nil), v.Warnings...)
	out.Disagreements = append([]Disagreement(nil), v.Disagreements...)
	return out
}

// UnavailableView is the explicit empty state returned when both fetches fail.
func UnavailableView(err error) View {
	return View{
		Partitions: models.EmptyPartitions(),
		Outcome:    OutcomeUnavailable,
		Err:        err,
	}
}

// Merge reconciles the grouped pipeline feed with the flat list of pending requests.
// Either input may carry an error. Merge is pure: identical inputs always produce an
// identical view, independent of the order in which the fetches completed.
func Merge(grouped *models.PipelineResponse, groupedErr error, flat []models.FundingRequest, flatErr error) (View, error) {
	if groupedErr == nil && grouped == nil {
		grouped = &models.PipelineResponse{}
	}

	switch {
	case groupedErr != nil && flatErr != nil:
		err := apperrors.NewPipelineUnavailableError(groupedErr, flatErr)
		return UnavailableView(err), err

	case flatErr != nil:
		parts := dedupeGrouped(grouped.Pipeline)
		view := View{
			Partitions: parts,
			Stats:      groupedStats(grouped.Stats, parts),
			Outcome:    OutcomeGroupedOnly,
			Warnings: []*apperrors.StandardError{
				apperrors.NewPipelinePartialError("pending requests", flatErr),
			},
		}
		return view, nil

	case groupedErr != nil:
		parts := models.EmptyPartitions()
		parts.New = dedupeFlat(flat)
		view := View{
			Partitions: parts,
			Stats:      models.Stats{Total: len(parts.New), New: len(parts.New)},
			Outcome:    OutcomeFlatOnly,
			CountOnly:  true,
			Warnings: []*apperrors.StandardError{
				apperrors.NewPipelinePartialError("grouped pipeline", groupedErr),
			},
		}
		return view, nil
	}

	parts := dedupeGrouped(grouped.Pipeline)
	seen := make(map[string]models.Stage, parts.Count())
	for _, stage := range models.Stages {
		for _, r := range parts.Get(stage) {
			if r.ID != "" {
				seen[r.ID] = stage
			}
		}
	}

	var surfaced []models.FundingRequest
	var disagreements []Disagreement
	for _, r := range flat {
		if r.Status.Canonical() != models.StatusPending {
			continue
		}
		if stage, ok := seen[r.ID]; ok {
			if stage != models.StageNew {
				disagreements = append(disagreements, Disagreement{RequestID: r.ID, GroupedStage: stage})
			}
			continue
		}
		surfaced = append(surfaced, r.Clone())
		if r.ID != "" {
			seen[r.ID] = models.StageNew
		}
	}
	if len(surfaced) > 0 {
		parts.New = append(surfaced, parts.New...)
	}

	stats := groupedStats(grouped.Stats, parts)
	stats.New = len(parts.New)
	stats.Total = parts.Count()

	return View{
		Partitions:    parts,
		Stats:         stats,
		Outcome:       OutcomeMerged,
		Surfaced:      len(surfaced),
		Disagreements: disagreements,
	}, nil
}

// TotalInvested sums, over accepted requests, the final amount when present else the
// requested amount.
func TotalInvested(accepted []models.FundingRequest) float64 {
	var total float64
	for _, r := range accepted {
		total += r.InvestedAmount()
	}
	return total
}

// DeriveStats computes every figure from the partitions.
func DeriveStats(p models.Partitions) models.Stats {
	return models.Stats{
		Total:         p.Count(),
		New:           len(p.New),
		Viewed:        len(p.Viewed),
		Negotiating:   len(p.Negotiating),
		Accepted:      len(p.Accepted),
		Declined:      len(p.Declined),
		TotalInvested: TotalInvested(p.Accepted),
	}
}

// groupedStats keeps server stats when supplied, filling totalInvested when the server
// left it absent or zero.
func groupedStats(server *models.Stats, p models.Partitions) models.Stats {
	if server == nil {
		return DeriveStats(p)
	}
	stats := *server
	if stats.TotalInvested == 0 {
		stats.TotalInvested = TotalInvested(p.Accepted)
	}
	return stats
}

// mostAdvancedFirst is the order in which duplicate ids inside the grouped feed are
// resolved. Status only moves forward, so the later stage is the newer read.
var mostAdvancedFirst = []models.Stage{
	models.StageDeclined,
	models.StageAccepted,
	models.StageNegotiating,
	models.StageViewed,
	models.StageNew,
}

func dedupeGrouped(in models.Partitions) models.Partitions {
	out := models.EmptyPartitions()
	seen := make(map[string]bool)
	for _, stage := range mostAdvancedFirst {
		bucket := out.Bucket(stage)
		for _, r := range in.Get(stage) {
			if r.ID != "" {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
			}
			*bucket = append(*bucket, r.Clone())
		}
	}
	return out
}

func dedupeFlat(in []models.FundingRequest) []models.FundingRequest {
	out := make([]models.FundingRequest, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		out = append(out, r.Clone())
	}
	return out
}

func clonePartitions(p models.Partitions) models.Partitions {
	out := models.EmptyPartitions()
	for _, stage := range models.Stages {
		bucket := out.Bucket(stage)
		for _, r := range p.Get(stage) {
			*bucket = append(*bucket, r.Clone())
		}
	}
	return out
}
