package ranking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/storage"
)

var pickup = models.Coord{Lat: 0.347, Lng: 32.582}

type fixture struct {
	store  *storage.MemoryStore
	ranker *Ranker
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &fixture{
		store: store,
		now:   now,
		ranker: &Ranker{
			Geo:    geo.NewIndex(store, 7),
			Store:  store,
			Config: DefaultConfig(),
			Now:    func() time.Time { return now },
		},
	}
}

func (f *fixture) rider(t *testing.T, id string, lat, lng float64, status models.RiderStatus, age time.Duration) {
	t.Helper()
	loc := models.RiderLocation{RiderID: id, Lat: lat, Lng: lng, Status: status, UpdatedAt: f.now.Add(-age)}
	if err := f.ranker.Geo.UpsertLocation(context.Background(), loc); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

func (f *fixture) delivered(t *testing.T, riderID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		jobID := fmt.Sprintf("done-%s-%d", riderID, i)
		_ = f.store.CreateJob(ctx, &models.DeliveryJob{ID: jobID, Kind: models.JobOrder, State: models.JobAssigned, CreatedAt: f.now})
		offerID := "o-" + jobID
		if err := f.store.CreateOffer(ctx, &models.Offer{ID: offerID, JobID: jobID, RiderID: riderID, OfferedAt: f.now, ExpiresAt: f.now.Add(30 * time.Second), Outcome: models.OfferPending}); err != nil {
			t.Fatalf("offer: %v", err)
		}
		if ok, _ := f.store.ConditionalUpdateOfferOutcome(ctx, offerID, models.OfferPending, models.OfferAccepted, f.now.Add(-time.Hour)); !ok {
			t.Fatalf("accept %s", offerID)
		}
	}
}

func job() *models.DeliveryJob {
	p := pickup
	return &models.DeliveryJob{ID: "J", Kind: models.JobOrder, Pickup: &p, State: models.JobUnassigned}
}

func drain(c *Candidates) []string {
	var ids []string
	for {
		cand, ok := c.Next()
		if !ok {
			return ids
		}
		ids = append(ids, cand.RiderID)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRank_NearestFirst(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "B", 0.360, 32.590, models.RiderOnline, time.Minute)
	f.rider(t, "A", 0.349, 32.583, models.RiderOnline, time.Minute)

	c, err := f.ranker.Rank(context.Background(), job(), nil)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 candidates in first ring, got %d", c.Len())
	}
	first, _ := c.Next()
	if first.RiderID != "A" || geo.RoundKm(first.DistanceKm) != 0.2 || first.Ring != Radius(2) {
		t.Fatalf("unexpected first candidate %+v", first)
	}
	if got := append([]string{first.RiderID}, drain(c)...); !equal(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}
}

func TestRank_EligibilityFilter(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "A", 0.349, 32.583, models.RiderOnline, time.Minute)
	f.rider(t, "B", 0.360, 32.590, models.RiderOnline, time.Minute)
	f.rider(t, "stale", 0.348, 32.582, models.RiderOnline, 11*time.Minute)
	f.rider(t, "busy", 0.348, 32.583, models.RiderBusy, time.Minute)
	f.rider(t, "off", 0.348, 32.584, models.RiderOffline, time.Minute)
	f.rider(t, "holding", 0.3475, 32.582, models.RiderOnline, time.Minute)

	ctx := context.Background()
	_ = f.store.CreateJob(ctx, &models.DeliveryJob{ID: "other", Kind: models.JobParcel, State: models.JobOffering})
	if err := f.store.CreateOffer(ctx, &models.Offer{ID: "o-other", JobID: "other", RiderID: "holding", OfferedAt: f.now, ExpiresAt: f.now.Add(30 * time.Second), Outcome: models.OfferPending}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	c, err := f.ranker.Rank(ctx, job(), []string{"A"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if got := drain(c); !equal(got, []string{"B"}) {
		t.Fatalf("expected only B, got %v", got)
	}

	j := job()
	j.ExcludedRiders = []string{"B"}
	c, _ = f.ranker.Rank(ctx, j, nil)
	if got := drain(c); !equal(got, []string{"A"}) {
		t.Fatalf("job exclude list ignored, got %v", got)
	}
}

func TestRank_RingExpansion(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "F", 0.410, 32.582, models.RiderOnline, time.Minute) // ~7km

	c, err := f.ranker.Rank(context.Background(), job(), nil)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	cand, ok := c.Next()
	if !ok || cand.RiderID != "F" || cand.Ring != Radius(10) {
		t.Fatalf("expected F from the 10km ring, got %+v ok=%v", cand, ok)
	}
}

func TestRank_LazyContinuesIntoLaterRings(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "A", 0.349, 32.583, models.RiderOnline, time.Minute)
	f.rider(t, "F", 0.410, 32.582, models.RiderOnline, time.Minute)
	f.rider(t, "far", -1.286, 36.817, models.RiderOnline, time.Minute)

	c, _ := f.ranker.Rank(context.Background(), job(), nil)
	if c.Len() != 1 {
		t.Fatalf("only the first ring should be evaluated up front, got %d", c.Len())
	}
	if got := drain(c); !equal(got, []string{"A", "F", "far"}) {
		t.Fatalf("expected [A F far], got %v", got)
	}
	if _, ok := c.Next(); ok {
		t.Fatal("sequence must not restart")
	}
}

func TestRank_IneligibleRidersDoNotCrowdOutEligible(t *testing.T) {
	f := newFixture(t)
	f.ranker.Config.MaxResults = 3
	f.rider(t, "off1", 0.3471, 32.5821, models.RiderOffline, time.Minute)
	f.rider(t, "off2", 0.3472, 32.5821, models.RiderOffline, time.Minute)
	f.rider(t, "stale", 0.3471, 32.5822, models.RiderOnline, time.Hour)
	f.rider(t, "gone", 0.3472, 32.5822, models.RiderOnline, time.Minute)
	f.rider(t, "A", 0.349, 32.583, models.RiderOnline, time.Minute)

	c, err := f.ranker.Rank(context.Background(), job(), []string{"gone"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if got := drain(c); !equal(got, []string{"A"}) {
		t.Fatalf("expected [A], got %v", got)
	}
}

func TestRank_CapDefersExtraRidersToNextRing(t *testing.T) {
	f := newFixture(t)
	f.ranker.Config.MaxResults = 1
	f.rider(t, "A", 0.349, 32.583, models.RiderOnline, time.Minute)
	f.rider(t, "B", 0.360, 32.590, models.RiderOnline, time.Minute)

	c, _ := f.ranker.Rank(context.Background(), job(), nil)
	if c.Len() != 1 {
		t.Fatalf("expected the ring truncated to 1, got %d", c.Len())
	}
	if got := drain(c); !equal(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}
}

func TestRank_Empty(t *testing.T) {
	f := newFixture(t)
	f.rider(t, "off", 0.349, 32.583, models.RiderOffline, time.Minute)
	c, err := f.ranker.Rank(context.Background(), job(), nil)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty ranking, got %d", c.Len())
	}
	if _, ok := c.Next(); ok {
		t.Fatal("expected no candidates")
	}
}

func TestRank_TieBreakByRecentDeliveries(t *testing.T) {
	f := newFixture(t)
	// same spot, distances tie exactly
	f.rider(t, "C", 0.349, 32.583, models.RiderOnline, time.Minute)
	f.rider(t, "D", 0.349, 32.583, models.RiderOnline, 2*time.Minute)
	f.rider(t, "E", 0.349, 32.583, models.RiderOnline, time.Minute)
	f.delivered(t, "C", 2)
	f.delivered(t, "E", 1)

	c, _ := f.ranker.Rank(context.Background(), job(), nil)
	if got := drain(c); !equal(got, []string{"D", "E", "C"}) {
		t.Fatalf("expected fewest deliveries first [D E C], got %v", got)
	}
}

func TestRank_InvalidPickup(t *testing.T) {
	f := newFixture(t)
	j := job()
	j.Pickup = nil
	if _, err := f.ranker.Rank(context.Background(), j, nil); !errors.Is(err, ErrInvalidPickup) {
		t.Fatalf("expected ErrInvalidPickup, got %v", err)
	}
}

func TestOrder_EpsilonGroups(t *testing.T) {
	cands := []Candidate{
		{RiderID: "z", DistanceKm: 1.000, RecentDeliveries: 0},
		{RiderID: "b", DistanceKm: 1.005, RecentDeliveries: 0},
		{RiderID: "a", DistanceKm: 1.008, RecentDeliveries: 3},
		{RiderID: "far", DistanceKm: 1.5},
	}
	Order(cands, 0.01)
	var got []string
	for _, c := range cands {
		got = append(got, c.RiderID)
	}
	if !equal(got, []string{"b", "z", "a", "far"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestParseRings(t *testing.T) {
	rings, err := ParseRings("2, 5km,10,platform")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := DefaultRings()
	if len(rings) != len(want) {
		t.Fatalf("got %v", rings)
	}
	for i := range want {
		if rings[i] != want[i] {
			t.Fatalf("ring %d: got %v want %v", i, rings[i], want[i])
		}
	}
	for _, bad := range []string{"", "5,2", "platform,2", "x", "-1"} {
		if _, err := ParseRings(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	if PlatformWide().Km() != geo.PlatformWideKm || Radius(2).String() != "2km" {
		t.Fatal("unexpected ring helpers")
	}
}
