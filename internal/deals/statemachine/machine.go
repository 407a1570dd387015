// Package statemachine holds the funding request lifecycle graph and its guards.
//
//	pending -> viewed -> negotiating
//	pending | viewed | negotiating -> accepted | declined
//
// Transitions are one-way and accepted/declined are terminal.
package statemachine

import (
	"time"

	apperrors "deal-pipeline/internal/common/errors"
	"deal-pipeline/internal/models"
)

// Event is a user or counterparty action that may move a request.
type Event string

const (
	EventView      Event = "view"
	EventNegotiate Event = "negotiate"
	EventAccept    Event = "accept"
	EventDecline   Event = "decline"
)

var edges = map[models.Status][]models.Status{
	models.StatusPending:     {models.StatusViewed, models.StatusAccepted, models.StatusDeclined},
	models.StatusViewed:      {models.StatusNegotiating, models.StatusAccepted, models.StatusDeclined},
	models.StatusNegotiating: {models.StatusAccepted, models.StatusDeclined},
}

// CanTransition reports whether from -> to is a single edge of the graph.
func CanTransition(from, to models.Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be reached from from in zero or more steps.
func Reachable(from, to models.Status) bool {
	if from == to {
		return true
	}
	seen := map[models.Status]bool{from: true}
	queue := []models.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// CanRespond reports whether accept/decline may be offered for a request in s.
func CanRespond(s models.Status) bool {
	s = s.Canonical()
	return s == models.StatusPending || s == models.StatusViewed || s == models.StatusNegotiating
}

// Next returns the status that results from applying ev in from. Idempotent events
// return from unchanged with a nil error.
func Next(from models.Status, ev Event) (models.Status, error) {
	from = from.Canonical()
	if !from.Valid() {
		return from, apperrors.NewInvalidTransitionError(string(from), string(ev))
	}

	switch ev {
	case EventView:
		if from == models.StatusPending {
			return models.StatusViewed, nil
		}
		// Already viewed or further along.
		return from, nil

	case EventNegotiate:
		switch from {
		case models.StatusViewed:
			return models.StatusNegotiating, nil
		case models.StatusPending:
			return from, apperrors.NewInvalidTransitionError(string(from), string(models.StatusNegotiating))
		default:
			// Negotiating stays put; terminal requests keep their status while the
			// transcript grows for audit.
			return from, nil
		}

	case EventAccept, EventDecline:
		target := models.StatusAccepted
		if ev == EventDecline {
			target = models.StatusDeclined
		}
		if from.IsTerminal() {
			return from, apperrors.NewTerminalStateError("", string(from))
		}
		if !CanTransition(from, target) {
			return from, apperrors.NewInvalidTransitionError(string(from), string(target))
		}
		return target, nil
	}

	return from, apperrors.NewInvalidTransitionError(string(from), string(ev))
}

// Apply moves r according to ev, stamping viewedAt/respondedAt as needed.
func Apply(r *models.FundingRequest, ev Event, now time.Time) error {
	r.Status = r.Status.Canonical()
	next, err := Next(r.Status, ev)
	if err != nil {
		if stdErr, ok := apperrors.AsStandard(err); ok && stdErr.Code == apperrors.ErrCodeTerminalState {
			return apperrors.NewTerminalStateError(r.ID, string(r.Status))
		}
		return err
	}
	if next == r.Status {
		return nil
	}

	if next == models.StatusViewed && r.ViewedAt == nil {
		ts := now
		r.ViewedAt = &ts
	}
	if next.IsTerminal() {
		ts := now
		r.RespondedAt = &ts
	}
	r.Status = next
	return nil
}
