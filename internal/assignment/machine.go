// Package assignment drives each delivery job through its offer lifecycle:
// unassigned, offering (re-offered on decline or timeout), and finally
// assigned, unassignable or cancelled. Every transition is a conditional
// write, so concurrent callers for the same job settle on one winner.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-assignment/internal/dispatch"
	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/observability"
	"github.com/example/rider-assignment/internal/ranking"
	"github.com/example/rider-assignment/internal/retry"
	"github.com/example/rider-assignment/internal/storage"
)

var (
	ErrOfferNotPending = errors.New("assignment: offer is no longer pending")
	ErrJobTerminal     = errors.New("assignment: job is already terminal")
	ErrWrongRider      = errors.New("assignment: offer belongs to another rider")
	ErrInvalidRider    = errors.New("assignment: rider id required")
	// ErrConflict means the job kept changing underneath us; the caller may retry.
	ErrConflict = errors.New("assignment: too many concurrent updates")
)

const maxCASAttempts = 5

type Ranker interface {
	Rank(ctx context.Context, job *models.DeliveryJob, exclude []string) (*ranking.Candidates, error)
}

// EventSink receives terminal assignment outcomes for admin tooling.
type EventSink interface {
	PublishAssignment(ctx context.Context, ev models.AssignmentEvent) error
}

type Config struct {
	OfferTimeout time.Duration
	Retry        retry.Policy
}

func DefaultConfig() Config {
	return Config{OfferTimeout: 30 * time.Second, Retry: retry.DefaultPolicy()}
}

type Machine struct {
	Store    storage.Store
	Ranker   Ranker
	Notifier dispatch.Notifier
	Events   EventSink
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(store storage.Store, ranker Ranker, notifier dispatch.Notifier, cfg Config, logger *slog.Logger) *Machine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultConfig().OfferTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		Store:    store,
		Ranker:   ranker,
		Notifier: notifier,
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CreateJob records a job announced by upstream as ready for assignment. A
// job whose id already exists is returned unchanged with created=false.
func (m *Machine) CreateJob(ctx context.Context, ev models.JobEvent) (*models.DeliveryJob, bool, error) {
	now := m.now()
	job := &models.DeliveryJob{
		ID:          ev.JobID,
		Kind:        ev.Kind,
		ExternalRef: ev.ExternalRef,
		Pickup:      ev.Pickup,
		CreatedAt:   now,
		UpdatedAt:   now,
		State:       models.JobUnassigned,
	}
	if job.ID == "" {
		job.ID = m.NewID()
	}
	// a retry after a write that landed but timed out reports ErrDuplicate
	err := retry.Do(ctx, m.Config.Retry, func(ctx context.Context) error {
		err := m.Store.CreateJob(ctx, job)
		if errors.Is(err, storage.ErrDuplicate) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, storage.ErrDuplicate) {
		existing, gerr := m.getJob(ctx, job.ID)
		return existing, false, gerr
	}
	if err != nil {
		return nil, false, fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return job, true, nil
}

// TryAssign offers the job to the best eligible rider. It does nothing for
// terminal jobs and for jobs that already hold a pending offer.
func (m *Machine) TryAssign(ctx context.Context, jobID string) error {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	if job.CurrentOfferID != "" {
		settled, err := m.reconcile(ctx, job)
		if err != nil || !settled {
			return err
		}
		return m.TryAssign(ctx, jobID)
	}

	log := m.Logger.With("job_id", job.ID)
	if job.Pickup == nil || !job.Pickup.Valid() || !job.Kind.Valid() {
		log.Warn("invalid job data", "kind", job.Kind, "pickup", job.Pickup)
		return m.finish(ctx, job, models.JobUnassignable, models.ReasonInvalidJobData, "")
	}

	cands, err := m.Ranker.Rank(ctx, job, nil)
	if errors.Is(err, ranking.ErrInvalidPickup) {
		return m.finish(ctx, job, models.JobUnassignable, models.ReasonInvalidJobData, "")
	}
	if err != nil {
		return fmt.Errorf("rank job %s: %w", job.ID, err)
	}

	for {
		cand, ok := cands.Next()
		if !ok {
			if err := cands.Err(); err != nil {
				return fmt.Errorf("rank job %s: %w", job.ID, err)
			}
			reason := models.ReasonCandidatesExhausted
			if job.State == models.JobUnassigned {
				reason = models.ReasonNoEligibleRiders
			}
			log.Info("no candidate for job", "reason", reason, "excluded", len(job.ExcludedRiders))
			return m.finish(ctx, job, models.JobUnassignable, reason, "")
		}

		now := m.now()
		offer := &models.Offer{
			ID:        m.NewID(),
			JobID:     job.ID,
			RiderID:   cand.RiderID,
			OfferedAt: now,
			ExpiresAt: now.Add(m.Config.OfferTimeout),
			Outcome:   models.OfferPending,
		}
		err := m.Store.CreateOffer(ctx, offer)
		switch {
		case errors.Is(err, storage.ErrRiderBusy):
			// rider picked up another offer since ranking
			continue
		case errors.Is(err, storage.ErrOfferExists):
			return nil
		case err != nil:
			return fmt.Errorf("create offer for job %s: %w", job.ID, err)
		}

		won, err := m.transition(ctx, job, models.JobOffering, storage.JobPatch{
			CurrentOfferID: storage.String(offer.ID),
			CurrentRiderID: storage.String(cand.RiderID),
		})
		if err != nil || !won {
			if !won {
				observability.CASConflicts.WithLabelValues("job").Inc()
			}
			m.supersede(ctx, offer)
			return err
		}
		observability.OffersTotal.WithLabelValues(string(models.OfferPending)).Inc()
		log.Info("offer created", "offer_id", offer.ID, "rider_id", cand.RiderID,
			"distance_km", geo.RoundKm(cand.DistanceKm), "ring", cand.Ring.String(), "expires_at", offer.ExpiresAt)
		m.notify(ctx, job, offer, cand.DistanceKm)
		return nil
	}
}

// reconcile settles a job whose recorded current offer is no longer pending,
// which happens when a caller stopped between the offer write and the job
// write. It reports whether the job is free for a new offer.
func (m *Machine) reconcile(ctx context.Context, job *models.DeliveryJob) (bool, error) {
	offer, err := m.getOffer(ctx, job.CurrentOfferID)
	if errors.Is(err, storage.ErrNotFound) {
		return m.release(ctx, &models.Offer{ID: job.CurrentOfferID, JobID: job.ID}, false)
	}
	if err != nil {
		return false, err
	}
	switch offer.Outcome {
	case models.OfferPending:
		return false, nil
	case models.OfferAccepted:
		_, err := m.completeAccept(ctx, offer)
		return false, err
	case models.OfferSuperseded:
		return m.release(ctx, offer, false)
	default:
		return m.release(ctx, offer, true)
	}
}

// release clears offer from its job and, when exclude is set, adds the rider
// to the job's exclude list. It reports whether the job can be offered again.
func (m *Machine) release(ctx context.Context, offer *models.Offer, exclude bool) (bool, error) {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := m.getJob(ctx, offer.JobID)
		if err != nil {
			return false, err
		}
		if job.State.Terminal() {
			return false, nil
		}
		current := job.CurrentOfferID == offer.ID
		needsExclude := exclude && offer.RiderID != "" && !job.Excludes(offer.RiderID)
		if !current && !needsExclude {
			return job.CurrentOfferID == "", nil
		}
		patch := storage.JobPatch{}
		if current {
			patch.CurrentOfferID = storage.String("")
			patch.CurrentRiderID = storage.String("")
		}
		if needsExclude {
			patch.AppendExcluded = offer.RiderID
		}
		won, err := m.transition(ctx, job, job.State, patch)
		if err != nil {
			return false, err
		}
		if won {
			return current || job.CurrentOfferID == "", nil
		}
		observability.CASConflicts.WithLabelValues("job").Inc()
	}
	return false, ErrConflict
}

// finish moves a job into a terminal state. Losing the CAS means another
// caller advanced the job first, which is not an error.
func (m *Machine) finish(ctx context.Context, job *models.DeliveryJob, state models.JobState, reason, riderID string) error {
	patch := storage.JobPatch{Reason: storage.String(reason)}
	if state == models.JobAssigned {
		patch.AssignedRiderID = storage.String(riderID)
	} else {
		patch.CurrentOfferID = storage.String("")
		patch.CurrentRiderID = storage.String("")
	}
	won, err := m.transition(ctx, job, state, patch)
	if err != nil {
		return err
	}
	if !won {
		observability.CASConflicts.WithLabelValues("job").Inc()
		return nil
	}
	m.terminal(ctx, job, state, reason, riderID)
	return nil
}

// terminal records metrics and publishes the outcome of a job that just
// reached a terminal state.
func (m *Machine) terminal(ctx context.Context, job *models.DeliveryJob, state models.JobState, reason, riderID string) {
	now := m.now()
	observability.JobsTerminalTotal.WithLabelValues(string(state), reason).Inc()
	if state == models.JobAssigned && !job.CreatedAt.IsZero() {
		observability.TimeToAssign.Observe(now.Sub(job.CreatedAt).Seconds())
	}
	m.Logger.Info("job terminal", "job_id", job.ID, "state", state, "reason", reason, "rider_id", riderID)
	if m.Events == nil {
		return
	}
	ev := models.AssignmentEvent{
		JobID:       job.ID,
		Kind:        job.Kind,
		ExternalRef: job.ExternalRef,
		State:       state,
		RiderID:     riderID,
		Reason:      reason,
		At:          now,
	}
	if offers, err := m.Store.ListOffers(ctx, job.ID); err == nil {
		ev.OfferCount = len(offers)
	}
	err := retry.Do(ctx, m.Config.Retry, func(ctx context.Context) error {
		return m.Events.PublishAssignment(ctx, ev)
	})
	if err != nil {
		m.Logger.Error("publish assignment event failed", "job_id", job.ID, "state", state, "error", err)
	}
}

func (m *Machine) notify(ctx context.Context, job *models.DeliveryJob, offer *models.Offer, distanceKm float64) {
	if m.Notifier == nil {
		return
	}
	summary := models.JobSummary{
		JobID:      job.ID,
		OfferID:    offer.ID,
		Kind:       job.Kind,
		Pickup:     *job.Pickup,
		DistanceKm: geo.RoundKm(distanceKm),
		ExpiresAt:  offer.ExpiresAt,
	}
	var res dispatch.DeliveryResult
	err := retry.Do(ctx, m.Config.Retry, func(ctx context.Context) error {
		var err error
		res, err = m.Notifier.PushJobOffer(ctx, offer.RiderID, summary, offer.ExpiresAt)
		return err
	})
	if err != nil {
		// the expiry sweep re-offers; nothing else to do here
		observability.NotificationFailures.WithLabelValues(res.Channel).Inc()
		m.Logger.Warn("offer push failed", "job_id", job.ID, "offer_id", offer.ID, "rider_id", offer.RiderID, "channel", res.Channel, "error", err)
	}
}

// supersede retires a pending offer that lost its race. Failure to win means
// the offer already reached another outcome.
func (m *Machine) supersede(ctx context.Context, offer *models.Offer) bool {
	won, err := m.Store.ConditionalUpdateOfferOutcome(ctx, offer.ID, models.OfferPending, models.OfferSuperseded, m.now())
	if err != nil {
		m.Logger.Error("supersede offer failed", "offer_id", offer.ID, "job_id", offer.JobID, "error", err)
		return false
	}
	if won {
		observability.OffersTotal.WithLabelValues(string(models.OfferSuperseded)).Inc()
	}
	return won
}

func (m *Machine) transition(ctx context.Context, job *models.DeliveryJob, next models.JobState, patch storage.JobPatch) (bool, error) {
	won, err := m.Store.ConditionalUpdateJobState(ctx, storage.JobTransition{
		JobID:           job.ID,
		ExpectedState:   job.State,
		ExpectedVersion: job.Version,
		NewState:        next,
		Patch:           patch,
		At:              m.now(),
	})
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return won, nil
}

func (m *Machine) getJob(ctx context.Context, id string) (*models.DeliveryJob, error) {
	var job *models.DeliveryJob
	err := retry.Do(ctx, m.Config.Retry, func(ctx context.Context) error {
		var err error
		job, err = m.Store.GetJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (m *Machine) getOffer(ctx context.Context, id string) (*models.Offer, error) {
	var offer *models.Offer
	err := retry.Do(ctx, m.Config.Retry, func(ctx context.Context) error {
		var err error
		offer, err = m.Store.GetOffer(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return offer, nil
}
