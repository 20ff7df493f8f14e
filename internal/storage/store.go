package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrOfferExists is returned when a job already holds a pending offer.
	ErrOfferExists = errors.New("storage: job already has a pending offer")
	// ErrRiderBusy is returned when the rider already holds a pending offer for any job.
	ErrRiderBusy = errors.New("storage: rider already has a pending offer")
	ErrDuplicate = errors.New("storage: duplicate id")
)

// LocationStore is the slice of the store the geospatial index needs.
type LocationStore interface {
	GetRiderLocation(ctx context.Context, riderID string) (models.RiderLocation, error)
	UpsertRiderLocation(ctx context.Context, loc models.RiderLocation) error
	// QueryRidersInBuckets returns riders whose geohash starts with any of the
	// given prefixes. An empty prefix matches every rider.
	QueryRidersInBuckets(ctx context.Context, prefixes []string) ([]models.RiderLocation, error)
}

// Store defines persistence operations for riders, jobs and offers. State
// changes on jobs and offers are conditional writes so concurrent schedulers
// never need a distributed lock.
type Store interface {
	LocationStore

	CreateJob(ctx context.Context, job *models.DeliveryJob) error
	GetJob(ctx context.Context, id string) (*models.DeliveryJob, error)
	// ConditionalUpdateJobState applies t only if the job is still in
	// t.ExpectedState at t.ExpectedVersion. It reports whether the write won.
	ConditionalUpdateJobState(ctx context.Context, t JobTransition) (bool, error)
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.DeliveryJob, error)

	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, jobID string) ([]*models.Offer, error)
	PendingOfferForJob(ctx context.Context, jobID string) (*models.Offer, error)
	ConditionalUpdateOfferOutcome(ctx context.Context, offerID string, expected, next models.OfferOutcome, at time.Time) (bool, error)
	ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error)

	// RidersWithPendingOffers returns the subset of riderIDs currently holding a pending offer.
	RidersWithPendingOffers(ctx context.Context, riderIDs []string) (map[string]bool, error)
	// RecentDeliveryCounts counts accepted offers per rider since the given time.
	RecentDeliveryCounts(ctx context.Context, riderIDs []string, since time.Time) (map[string]int, error)
}

// JobTransition is a compare-and-swap on a job's (state, version) pair.
type JobTransition struct {
	JobID           string
	ExpectedState   models.JobState
	ExpectedVersion int64
	NewState        models.JobState
	Patch           JobPatch
	At              time.Time
}

// JobPatch lists the optional field updates applied with a transition. Nil
// pointers leave the field untouched.
type JobPatch struct {
	CurrentOfferID  *string
	CurrentRiderID  *string
	AppendExcluded  string
	AssignedRiderID *string
	Reason          *string
}

func String(s string) *string { return &s }
