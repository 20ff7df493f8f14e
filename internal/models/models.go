package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a finite coordinate inside the WGS84 range.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type RiderStatus string

const (
	RiderOffline RiderStatus = "offline"
	RiderOnline  RiderStatus = "online"
	RiderBusy    RiderStatus = "busy"
)

func (s RiderStatus) Valid() bool {
	switch s {
	case RiderOffline, RiderOnline, RiderBusy:
		return true
	}
	return false
}

// RiderLocation is the last position a rider's client reported.
type RiderLocation struct {
	RiderID   string      `json:"rider_id"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Geohash   string      `json:"geohash"`
	Status    RiderStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (l RiderLocation) Coord() Coord { return Coord{Lat: l.Lat, Lng: l.Lng} }

// EffectiveStatus treats a rider whose last ping is older than freshness as offline.
func (l RiderLocation) EffectiveStatus(now time.Time, freshness time.Duration) RiderStatus {
	if freshness > 0 && now.Sub(l.UpdatedAt) > freshness {
		return RiderOffline
	}
	return l.Status
}

type JobKind string

const (
	JobOrder  JobKind = "order"
	JobParcel JobKind = "parcel"
)

func (k JobKind) Valid() bool { return k == JobOrder || k == JobParcel }

type JobState string

const (
	JobUnassigned   JobState = "unassigned"
	JobOffering     JobState = "offering"
	JobAssigned     JobState = "assigned"
	JobUnassignable JobState = "unassignable"
	JobCancelled    JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobAssigned || s == JobUnassignable || s == JobCancelled
}

// Terminal reasons recorded on jobs.
const (
	ReasonNoEligibleRiders    = "no eligible riders"
	ReasonCandidatesExhausted = "candidates exhausted"
	ReasonInvalidJobData      = "invalid job data"
	ReasonCancelled           = "cancelled by upstream"
	ReasonManualDispatch      = "manual dispatch"
)

// DeliveryJob is a unit of work waiting for a rider. Version is bumped on
// every state write and guards conditional updates.
type DeliveryJob struct {
	ID              string    `json:"id"`
	Kind            JobKind   `json:"kind"`
	ExternalRef     string    `json:"external_ref,omitempty"`
	Pickup          *Coord    `json:"pickup,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	State           JobState  `json:"state"`
	Version         int64     `json:"version"`
	CurrentOfferID  string    `json:"current_offer_id,omitempty"`
	CurrentRiderID  string    `json:"current_rider_id,omitempty"`
	ExcludedRiders  []string  `json:"excluded_riders,omitempty"`
	AssignedRiderID string    `json:"assigned_rider_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

func (j *DeliveryJob) Excludes(riderID string) bool {
	for _, id := range j.ExcludedRiders {
		if id == riderID {
			return true
		}
	}
	return false
}

type OfferOutcome string

const (
	OfferPending    OfferOutcome = "pending"
	OfferAccepted   OfferOutcome = "accepted"
	OfferDeclined   OfferOutcome = "declined"
	OfferExpired    OfferOutcome = "expired"
	OfferSuperseded OfferOutcome = "superseded"
)

type Offer struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	RiderID     string       `json:"rider_id"`
	OfferedAt   time.Time    `json:"offered_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Outcome     OfferOutcome `json:"outcome"`
	RespondedAt *time.Time   `json:"responded_at,omitempty"`
}

// JobSummary is the payload pushed to a rider's device with an offer.
type JobSummary struct {
	JobID      string    `json:"job_id"`
	OfferID    string    `json:"offer_id"`
	Kind       JobKind   `json:"kind"`
	Pickup     Coord     `json:"pickup"`
	DistanceKm float64   `json:"distance_km"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AssignmentEvent is published when a job reaches a terminal state.
type AssignmentEvent struct {
	JobID       string    `json:"job_id"`
	Kind        JobKind   `json:"kind"`
	ExternalRef string    `json:"external_ref,omitempty"`
	State       JobState  `json:"state"`
	RiderID     string    `json:"rider_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OfferCount  int       `json:"offer_count"`
	At          time.Time `json:"at"`
}

// JobEvent is the upstream domain event consumed from the order and parcel modules.
type JobEvent struct {
	Type        string  `json:"type"`
	JobID       string  `json:"job_id,omitempty"`
	Kind        JobKind `json:"kind,omitempty"`
	ExternalRef string  `json:"external_ref,omitempty"`
	Pickup      *Coord  `json:"pickup,omitempty"`
}

const (
	EventJobReady     = "job_ready"
	EventJobCancelled = "job_cancelled"
)

// LocationPing is what rider clients send.
type LocationPing struct {
	RiderID   string      `json:"rider_id"`
	Lat       float64     `json:"lat"`
	Lng       float64     `json:"lng"`
	Status    RiderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}
