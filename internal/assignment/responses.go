package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/observability"
	"github.com/example/rider-assignment/internal/storage"
)

// Accept records the rider's acceptance. It loses to an expiry or
// cancellation that was written first, in which case ErrOfferNotPending is
// returned and the job moves on without this rider.
func (m *Machine) Accept(ctx context.Context, offerID, riderID string) (*models.DeliveryJob, error) {
	offer, err := m.respondable(ctx, offerID, riderID)
	if err != nil {
		return nil, err
	}
	job, err := m.getJob(ctx, offer.JobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return job, ErrJobTerminal
	}
	if job.CurrentOfferID != "" && job.CurrentOfferID != offer.ID {
		return job, ErrOfferNotPending
	}

	won, err := m.Store.ConditionalUpdateOfferOutcome(ctx, offer.ID, models.OfferPending, models.OfferAccepted, m.now())
	if err != nil {
		return nil, fmt.Errorf("accept offer %s: %w", offer.ID, err)
	}
	if !won {
		observability.CASConflicts.WithLabelValues("offer").Inc()
		return job, ErrOfferNotPending
	}
	observability.OffersTotal.WithLabelValues(string(models.OfferAccepted)).Inc()
	m.Logger.Info("offer accepted", "offer_id", offer.ID, "job_id", offer.JobID, "rider_id", riderID)
	return m.completeAccept(ctx, offer)
}

// completeAccept moves the job of an accepted offer to assigned.
func (m *Machine) completeAccept(ctx context.Context, offer *models.Offer) (*models.DeliveryJob, error) {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := m.getJob(ctx, offer.JobID)
		if err != nil {
			return nil, err
		}
		if job.State == models.JobAssigned && job.AssignedRiderID == offer.RiderID {
			return job, nil
		}
		if job.State.Terminal() {
			m.Logger.Error("accepted offer on terminal job", "offer_id", offer.ID, "job_id", job.ID, "state", job.State)
			return job, ErrJobTerminal
		}
		if err := m.finish(ctx, job, models.JobAssigned, "", offer.RiderID); err != nil {
			return nil, err
		}
	}
	return nil, ErrConflict
}

// Decline records the rider's refusal and re-offers the job.
func (m *Machine) Decline(ctx context.Context, offerID, riderID string) error {
	offer, err := m.respondable(ctx, offerID, riderID)
	if err != nil {
		return err
	}
	won, err := m.Store.ConditionalUpdateOfferOutcome(ctx, offer.ID, models.OfferPending, models.OfferDeclined, m.now())
	if err != nil {
		return fmt.Errorf("decline offer %s: %w", offer.ID, err)
	}
	if !won {
		observability.CASConflicts.WithLabelValues("offer").Inc()
		return ErrOfferNotPending
	}
	observability.OffersTotal.WithLabelValues(string(models.OfferDeclined)).Inc()
	m.Logger.Info("offer declined", "offer_id", offer.ID, "job_id", offer.JobID, "rider_id", riderID)
	return m.advance(ctx, offer)
}

// Expire times out a pending offer whose expiry has passed. Expiring an offer
// that already has an outcome is a no-op.
func (m *Machine) Expire(ctx context.Context, offer *models.Offer) error {
	now := m.now()
	if !now.After(offer.ExpiresAt) {
		return nil
	}
	won, err := m.Store.ConditionalUpdateOfferOutcome(ctx, offer.ID, models.OfferPending, models.OfferExpired, now)
	if err != nil {
		return fmt.Errorf("expire offer %s: %w", offer.ID, err)
	}
	if !won {
		return nil
	}
	observability.OffersTotal.WithLabelValues(string(models.OfferExpired)).Inc()
	m.Logger.Info("offer expired", "offer_id", offer.ID, "job_id", offer.JobID, "rider_id", offer.RiderID)
	return m.advance(ctx, offer)
}

// advance excludes the offer's rider from the job and tries the next candidate.
func (m *Machine) advance(ctx context.Context, offer *models.Offer) error {
	free, err := m.release(ctx, offer, true)
	if err != nil {
		return err
	}
	if !free {
		return nil
	}
	return m.TryAssign(ctx, offer.JobID)
}

func (m *Machine) respondable(ctx context.Context, offerID, riderID string) (*models.Offer, error) {
	if riderID == "" {
		return nil, ErrInvalidRider
	}
	offer, err := m.getOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.RiderID != riderID {
		return nil, ErrWrongRider
	}
	if offer.Outcome != models.OfferPending {
		return nil, ErrOfferNotPending
	}
	return offer, nil
}

// Cancel withdraws a job on behalf of upstream. A pending offer is superseded
// first; if the rider's acceptance already won, the job stays assigned and
// ErrJobTerminal is returned. Cancelling a cancelled job is a no-op.
func (m *Machine) Cancel(ctx context.Context, jobID string) (*models.DeliveryJob, error) {
	for i := 0; i < maxCASAttempts; i++ {
		job, err := m.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State == models.JobCancelled {
			return job, nil
		}
		if job.State.Terminal() {
			return job, ErrJobTerminal
		}
		if accepted, err := m.withdrawPending(ctx, job.ID); err != nil {
			return nil, err
		} else if accepted != nil {
			job, err := m.completeAccept(ctx, accepted)
			if err != nil && !errors.Is(err, ErrJobTerminal) {
				return nil, err
			}
			return job, ErrJobTerminal
		}

		won, err := m.transition(ctx, job, models.JobCancelled, storage.JobPatch{
			Reason:         storage.String(models.ReasonCancelled),
			CurrentOfferID: storage.String(""),
			CurrentRiderID: storage.String(""),
		})
		if err != nil {
			return nil, err
		}
		if won {
			m.terminal(ctx, job, models.JobCancelled, models.ReasonCancelled, "")
			return m.getJob(ctx, job.ID)
		}
		observability.CASConflicts.WithLabelValues("job").Inc()
	}
	return nil, ErrConflict
}

// ManualAssign is the admin override: it assigns the job to riderID as if the
// rider had accepted an offer. Allowed while unassigned, offering or
// unassignable.
func (m *Machine) ManualAssign(ctx context.Context, jobID, riderID string) (*models.DeliveryJob, error) {
	if riderID == "" {
		return nil, ErrInvalidRider
	}
	for i := 0; i < maxCASAttempts; i++ {
		job, err := m.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State == models.JobAssigned && job.AssignedRiderID == riderID {
			return job, nil
		}
		if job.State == models.JobAssigned || job.State == models.JobCancelled {
			return job, ErrJobTerminal
		}
		if accepted, err := m.withdrawPending(ctx, job.ID); err != nil {
			return nil, err
		} else if accepted != nil {
			job, err := m.completeAccept(ctx, accepted)
			if err != nil && !errors.Is(err, ErrJobTerminal) {
				return nil, err
			}
			return job, ErrJobTerminal
		}

		now := m.now()
		offer := &models.Offer{
			ID:          m.NewID(),
			JobID:       job.ID,
			RiderID:     riderID,
			OfferedAt:   now,
			ExpiresAt:   now,
			Outcome:     models.OfferAccepted,
			RespondedAt: &now,
		}
		// the record exists before the job points at it
		if err := m.Store.CreateOffer(ctx, offer); err != nil {
			return nil, fmt.Errorf("record manual offer for job %s: %w", job.ID, err)
		}
		won, err := m.transition(ctx, job, models.JobAssigned, storage.JobPatch{
			CurrentOfferID:  storage.String(offer.ID),
			CurrentRiderID:  storage.String(riderID),
			AssignedRiderID: storage.String(riderID),
			Reason:          storage.String(models.ReasonManualDispatch),
		})
		if err != nil {
			return nil, err
		}
		if !won {
			m.discardManualOffer(ctx, offer)
			observability.CASConflicts.WithLabelValues("job").Inc()
			continue
		}
		observability.OffersTotal.WithLabelValues(string(models.OfferAccepted)).Inc()
		m.terminal(ctx, job, models.JobAssigned, models.ReasonManualDispatch, riderID)
		return m.getJob(ctx, job.ID)
	}
	return nil, ErrConflict
}

// discardManualOffer retires an accepted record whose job write lost so it
// does not count toward the rider's recent deliveries.
func (m *Machine) discardManualOffer(ctx context.Context, offer *models.Offer) {
	ok, err := m.Store.ConditionalUpdateOfferOutcome(ctx, offer.ID, models.OfferAccepted, models.OfferSuperseded, m.now())
	if err != nil || !ok {
		m.Logger.Warn("discard manual offer failed", "offer_id", offer.ID, "job_id", offer.JobID, "error", err)
	}
}

// withdrawPending supersedes the job's pending offer, if any. When the offer
// was accepted before it could be withdrawn, the accepted offer is returned.
func (m *Machine) withdrawPending(ctx context.Context, jobID string) (*models.Offer, error) {
	pending, err := m.Store.PendingOfferForJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending offer for job %s: %w", jobID, err)
	}
	if m.supersede(ctx, pending) {
		m.Logger.Info("offer superseded", "offer_id", pending.ID, "job_id", jobID, "rider_id", pending.RiderID)
		return nil, nil
	}
	current, err := m.getOffer(ctx, pending.ID)
	if err != nil {
		return nil, err
	}
	if current.Outcome == models.OfferAccepted {
		return current, nil
	}
	return nil, nil
}
