package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

// Notifier pushes a job offer to one rider's device.
type Notifier interface {
	PushJobOffer(ctx context.Context, riderID string, summary models.JobSummary, expiresAt time.Time) (DeliveryResult, error)
}

// DeliveryResult reports which channel carried the offer.
type DeliveryResult struct {
	Channel   string
	Delivered bool
}

var ErrNoSession = errors.New("dispatch: no ws session")

// OfferMessage is the envelope riders receive for a job offer.
type OfferMessage struct {
	Type      string            `json:"type"`
	RiderID   string            `json:"rider_id"`
	Offer     models.JobSummary `json:"offer"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func newOfferMessage(riderID string, s models.JobSummary, expiresAt time.Time) OfferMessage {
	return OfferMessage{Type: "job_offer", RiderID: riderID, Offer: s, ExpiresAt: expiresAt}
}

// LogNotifier only logs offers. Used when no push channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) PushJobOffer(_ context.Context, riderID string, s models.JobSummary, expiresAt time.Time) (DeliveryResult, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dispatch offer", "rider_id", riderID, "job_id", s.JobID, "offer_id", s.OfferID, "distance_km", s.DistanceKm, "expires_at", expiresAt)
	return DeliveryResult{Channel: "log", Delivered: true}, nil
}
