package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

// Fallback tries the rider's live socket first and falls back to the push
// provider when the rider has no session or the write fails.
type Fallback struct {
	WS   Notifier
	Push Notifier
}

func NewFallback(ws, push Notifier) *Fallback { return &Fallback{WS: ws, Push: push} }

func (f *Fallback) PushJobOffer(ctx context.Context, riderID string, s models.JobSummary, expiresAt time.Time) (DeliveryResult, error) {
	var wsErr error
	if f.WS != nil {
		res, err := f.WS.PushJobOffer(ctx, riderID, s, expiresAt)
		if err == nil {
			return res, nil
		}
		wsErr = err
	}
	if f.Push == nil {
		if wsErr == nil {
			wsErr = ErrNoSession
		}
		return DeliveryResult{Channel: "ws"}, wsErr
	}
	res, err := f.Push.PushJobOffer(ctx, riderID, s, expiresAt)
	if err != nil && wsErr != nil && !errors.Is(wsErr, ErrNoSession) {
		return res, errors.Join(wsErr, err)
	}
	return res, err
}
