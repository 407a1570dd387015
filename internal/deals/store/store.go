// Package store holds the process-wide reconciled pipeline. It is opened when the
// dashboard is entered and closed when it is left; every reader sees the same snapshot.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"

	"deal-pipeline/internal/common/logger"
	"deal-pipeline/internal/common/metrics"
	"deal-pipeline/internal/deals/reconciler"
	"deal-pipeline/internal/deals/statemachine"
	"deal-pipeline/internal/models"
)

var (
	// ErrClosed is returned by operations on a store that is not open.
	ErrClosed = errors.New("pipeline store is closed")
	// ErrStale is returned by Refresh when its result was superseded by a newer refresh
	// or by Close, and was therefore not applied.
	ErrStale = errors.New("pipeline refresh superseded")
)

// Reconciler produces a fresh view of the pipeline.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconciler.View, error)
}

type slot struct {
	stage models.Stage
	pos   int
}

type Store struct {
	rec    Reconciler
	logger logger.Logger

	mu         sync.RWMutex
	open       bool
	baseCtx    context.Context
	cancel     context.CancelFunc
	generation uint64
	view       reconciler.View
	index      map[string]slot
}

func New(rec Reconciler, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Store{
		rec:    rec,
		logger: log.WithFields(map[string]interface{}{"component": "pipeline-store"}),
		view:   emptyView(),
		index:  map[string]slot{},
	}
}

func emptyView() reconciler.View {
	return reconciler.View{Partitions: models.EmptyPartitions()}
}

// Open starts the store lifecycle and performs the initial refresh. Opening an open
// store only refreshes it.
func (s *Store) Open(ctx context.Context) (reconciler.View, error) {
	s.mu.Lock()
	if !s.open {
		s.open = true
		s.baseCtx, s.cancel = context.WithCancel(context.Background())
		s.logger.Info("pipeline store opened", nil)
	}
	s.mu.Unlock()

	return s.Refresh(ctx)
}

// Close ends the lifecycle. In-flight refreshes are cancelled and their results dropped.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return
	}
	s.open = false
	s.generation++
	s.cancel()
	s.view = emptyView()
	s.index = map[string]slot{}
	s.logger.Info("pipeline store closed", nil)
}

func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Generation returns the number of the most recently started refresh.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Refresh reconciles and, when no newer refresh has started meanwhile, replaces the
// snapshot. An unavailable result is applied too, so readers see the explicit
// unavailable state instead of the previous data.
func (s *Store) Refresh(ctx context.Context) (reconciler.View, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return reconciler.View{}, ErrClosed
	}
	s.generation++
	gen := s.generation
	base := s.baseCtx
	s.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(base, cancel)
	defer stop()

	view, err := s.rec.Reconcile(rctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open || gen != s.generation {
		metrics.StaleRefreshesDropped.Inc()
		s.logger.Debug("dropping stale refresh", map[string]interface{}{
			"generation": gen,
			"latest":     s.generation,
			"open":       s.open,
		})
		return s.view.Clone(), ErrStale
	}

	view.Generation = gen
	s.apply(view)
	return s.view.Clone(), err
}

// Snapshot returns a copy of the current view.
func (s *Store) Snapshot() reconciler.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.Clone()
}

// Get looks up a request by id in O(1).
func (s *Store) Get(id string) (models.FundingRequest, models.Stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.index[id]
	if !ok {
		return models.FundingRequest{}, "", false
	}
	return s.view.Partitions.Get(loc.stage)[loc.pos].Clone(), loc.stage, true
}

// Patch applies a server-returned request to the snapshot without a refetch. Updates
// that would move a request backwards in its lifecycle are ignored. Patch reports
// whether the snapshot changed.
func (s *Store) Patch(r models.FundingRequest) bool {
	if r.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open || s.view.Unavailable() {
		return false
	}

	target := models.StageFor(r.Status)
	parts := &s.view.Partitions

	loc, ok := s.index[r.ID]
	if !ok {
		bucket := parts.Bucket(target)
		*bucket = append([]models.FundingRequest{r.Clone()}, *bucket...)
		s.reindex(target)
		s.adjustStats("", models.FundingRequest{}, r)
		s.publishGauges()
		return true
	}

	current := parts.Get(loc.stage)[loc.pos]
	if !statemachine.Reachable(statusFor(loc.stage), r.Status) {
		s.logger.Debug("ignoring backwards patch", map[string]interface{}{
			"requestId": r.ID,
			"stage":     string(loc.stage),
			"status":    string(r.Status),
		})
		return false
	}

	if loc.stage == target {
		(*parts.Bucket(target))[loc.pos] = r.Clone()
		s.adjustStats(loc.stage, current, r)
		return true
	}

	from := parts.Bucket(loc.stage)
	*from = slices.Delete(*from, loc.pos, loc.pos+1)
	to := parts.Bucket(target)
	*to = append([]models.FundingRequest{r.Clone()}, *to...)
	s.reindex(loc.stage)
	s.reindex(target)
	s.adjustStats(loc.stage, current, r)
	s.publishGauges()
	return true
}

func (s *Store) apply(view reconciler.View) {
	s.view = view
	s.index = make(map[string]slot, view.Partitions.Count())
	for _, stage := range models.Stages {
		s.reindex(stage)
	}
	s.publishGauges()
}

func (s *Store) reindex(stage models.Stage) {
	for i, r := range s.view.Partitions.Get(stage) {
		if r.ID != "" {
			s.index[r.ID] = slot{stage: stage, pos: i}
		}
	}
}

// adjustStats moves one request between stage counters. from is empty for inserts.
func (s *Store) adjustStats(from models.Stage, before, after models.FundingRequest) {
	stats := &s.view.Stats
	if s.view.CountOnly {
		stats.Total = s.view.Partitions.Count()
		stats.New = len(s.view.Partitions.New)
		return
	}

	if from == "" {
		stats.Total++
	} else {
		*counter(stats, from)--
		if from == models.StageAccepted {
			stats.TotalInvested -= before.InvestedAmount()
		}
	}
	to := models.StageFor(after.Status)
	*counter(stats, to)++
	if to == models.StageAccepted {
		stats.TotalInvested += after.InvestedAmount()
	}
}

func (s *Store) publishGauges() {
	for _, stage := range models.Stages {
		metrics.PipelineRequests.WithLabelValues(string(stage)).Set(float64(len(s.view.Partitions.Get(stage))))
	}
}

func counter(stats *models.Stats, stage models.Stage) *int {
	switch stage {
	case models.StageViewed:
		return &stats.Viewed
	case models.StageNegotiating:
		return &stats.Negotiating
	case models.StageAccepted:
		return &stats.Accepted
	case models.StageDeclined:
		return &stats.Declined
	default:
		return &stats.New
	}
}

func statusFor(stage models.Stage) models.Status {
	switch stage {
	case models.StageViewed:
		return models.StatusViewed
	case models.StageNegotiating:
		return models.StatusNegotiating
	case models.StageAccepted:
		return models.StatusAccepted
	case models.StageDeclined:
		return models.StatusDeclined
	default:
		return models.StatusPending
	}
}
