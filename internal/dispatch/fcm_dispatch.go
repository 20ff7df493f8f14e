package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

// HTTPPush posts FCM-style JSON messages to a push provider endpoint,
// addressing the rider by topic.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (h *HTTPPush) PushJobOffer(ctx context.Context, riderID string, s models.JobSummary, expiresAt time.Time) (DeliveryResult, error) {
	res := DeliveryResult{Channel: "push"}
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic": "rider-" + riderID,
			"data":  pushData(newOfferMessage(riderID, s, expiresAt)),
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Key != "" {
		req.Header.Set("Authorization", "Bearer "+h.Key)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("dispatch: push provider returned %d", resp.StatusCode)
	}
	res.Delivered = true
	return res, nil
}

// pushData flattens an offer into FCM data, which only carries string values.
func pushData(m OfferMessage) map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]string{
		"type":        m.Type,
		"rider_id":    m.RiderID,
		"job_id":      m.Offer.JobID,
		"offer_id":    m.Offer.OfferID,
		"kind":        string(m.Offer.Kind),
		"pickup_lat":  f(m.Offer.Pickup.Lat),
		"pickup_lng":  f(m.Offer.Pickup.Lng),
		"distance_km": f(m.Offer.DistanceKm),
		"expires_at":  m.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
