package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

func newJob(id string, at time.Time) *models.DeliveryJob {
	return &models.DeliveryJob{
		ID:        id,
		Kind:      models.JobOrder,
		Pickup:    &models.Coord{Lat: 0.347, Lng: 32.582},
		CreatedAt: at,
		UpdatedAt: at,
		State:     models.JobUnassigned,
	}
}

func pendingOffer(id, jobID, riderID string, at time.Time) *models.Offer {
	return &models.Offer{ID: id, JobID: jobID, RiderID: riderID, OfferedAt: at, ExpiresAt: at.Add(30 * time.Second), Outcome: models.OfferPending}
}

func TestConditionalUpdateJobState_VersionGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	if err := s.CreateJob(ctx, newJob("j1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := s.ConditionalUpdateJobState(ctx, JobTransition{
		JobID: "j1", ExpectedState: models.JobUnassigned, ExpectedVersion: 0,
		NewState: models.JobOffering, Patch: JobPatch{CurrentOfferID: String("o1"), CurrentRiderID: String("A")}, At: now,
	})
	if err != nil || !ok {
		t.Fatalf("expected first transition to win, ok=%v err=%v", ok, err)
	}
	// same expectation again must lose
	ok, err = s.ConditionalUpdateJobState(ctx, JobTransition{
		JobID: "j1", ExpectedState: models.JobUnassigned, ExpectedVersion: 0, NewState: models.JobCancelled, At: now,
	})
	if err != nil || ok {
		t.Fatalf("expected stale transition to lose, ok=%v err=%v", ok, err)
	}
	j, _ := s.GetJob(ctx, "j1")
	if j.State != models.JobOffering || j.Version != 1 || j.CurrentOfferID != "o1" || j.CurrentRiderID != "A" {
		t.Fatalf("unexpected job after transition: %+v", j)
	}

	ok, _ = s.ConditionalUpdateJobState(ctx, JobTransition{
		JobID: "j1", ExpectedState: models.JobOffering, ExpectedVersion: 1, NewState: models.JobOffering,
		Patch: JobPatch{AppendExcluded: "A", CurrentOfferID: String(""), CurrentRiderID: String("")}, At: now,
	})
	if !ok {
		t.Fatal("expected self-loop transition to win")
	}
	j, _ = s.GetJob(ctx, "j1")
	if !j.Excludes("A") || j.CurrentOfferID != "" || j.Version != 2 {
		t.Fatalf("unexpected job after exclude: %+v", j)
	}
}

func TestConditionalUpdateJobState_Missing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ConditionalUpdateJobState(context.Background(), JobTransition{JobID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOffer_OnePendingPerJobAndRider(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_ = s.CreateJob(ctx, newJob("j1", now))
	_ = s.CreateJob(ctx, newJob("j2", now))

	if err := s.CreateOffer(ctx, pendingOffer("o1", "j1", "A", now)); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := s.CreateOffer(ctx, pendingOffer("o2", "j1", "B", now)); !errors.Is(err, ErrOfferExists) {
		t.Fatalf("expected ErrOfferExists, got %v", err)
	}
	if err := s.CreateOffer(ctx, pendingOffer("o3", "j2", "A", now)); !errors.Is(err, ErrRiderBusy) {
		t.Fatalf("expected ErrRiderBusy, got %v", err)
	}

	ok, err := s.ConditionalUpdateOfferOutcome(ctx, "o1", models.OfferPending, models.OfferDeclined, now)
	if err != nil || !ok {
		t.Fatalf("decline: ok=%v err=%v", ok, err)
	}
	if err := s.CreateOffer(ctx, pendingOffer("o3", "j2", "A", now)); err != nil {
		t.Fatalf("rider should be free after decline: %v", err)
	}
	if err := s.CreateOffer(ctx, pendingOffer("o4", "j1", "B", now)); err != nil {
		t.Fatalf("job should accept a new offer after decline: %v", err)
	}
}

func TestConditionalUpdateOfferOutcome_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_ = s.CreateJob(ctx, newJob("j1", now))
	_ = s.CreateOffer(ctx, pendingOffer("o1", "j1", "A", now))

	outcomes := []models.OfferOutcome{models.OfferAccepted, models.OfferExpired, models.OfferSuperseded, models.OfferDeclined}
	var wg sync.WaitGroup
	wins := make(chan models.OfferOutcome, len(outcomes)*4)
	for i := 0; i < 4; i++ {
		for _, oc := range outcomes {
			wg.Add(1)
			go func(next models.OfferOutcome) {
				defer wg.Done()
				if ok, _ := s.ConditionalUpdateOfferOutcome(ctx, "o1", models.OfferPending, next, now); ok {
					wins <- next
				}
			}(oc)
		}
	}
	wg.Wait()
	close(wins)
	n := 0
	var winner models.OfferOutcome
	for w := range wins {
		n++
		winner = w
	}
	if n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
	o, _ := s.GetOffer(ctx, "o1")
	if o.Outcome != winner || o.RespondedAt == nil {
		t.Fatalf("stored outcome %s does not match winner %s", o.Outcome, winner)
	}
	if s.CountPending("j1") != 0 || s.CountPendingForRider("A") != 0 {
		t.Fatal("pending indexes not released")
	}
}

func TestListExpiredPendingOffers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now()
	_ = s.CreateJob(ctx, newJob("j1", base))
	_ = s.CreateJob(ctx, newJob("j2", base))
	_ = s.CreateOffer(ctx, pendingOffer("o1", "j1", "A", base))
	_ = s.CreateOffer(ctx, pendingOffer("o2", "j2", "B", base.Add(20*time.Second)))

	got, _ := s.ListExpiredPendingOffers(ctx, base.Add(30*time.Second), 10)
	if len(got) != 0 {
		t.Fatalf("offer expiring exactly now is not expired yet, got %d", len(got))
	}
	got, _ = s.ListExpiredPendingOffers(ctx, base.Add(31*time.Second), 10)
	if len(got) != 1 || got[0].ID != "o1" {
		t.Fatalf("expected o1 only, got %+v", got)
	}
	got, _ = s.ListExpiredPendingOffers(ctx, base.Add(time.Minute), 10)
	if len(got) != 2 || got[0].ID != "o1" {
		t.Fatalf("expected o1,o2 ordered by expiry, got %+v", got)
	}
}

func TestQueryRidersInBuckets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	_ = s.UpsertRiderLocation(ctx, models.RiderLocation{RiderID: "A", Geohash: "kzf0abc", Status: models.RiderOnline, UpdatedAt: now})
	_ = s.UpsertRiderLocation(ctx, models.RiderLocation{RiderID: "B", Geohash: "kzf1xyz", Status: models.RiderOnline, UpdatedAt: now})
	_ = s.UpsertRiderLocation(ctx, models.RiderLocation{RiderID: "C", Geohash: "u4pruyd", Status: models.RiderOnline, UpdatedAt: now})

	got, _ := s.QueryRidersInBuckets(ctx, []string{"kzf0", "kzf"})
	if len(got) != 2 {
		t.Fatalf("expected A and B once each, got %+v", got)
	}
	// moving a rider removes it from its old buckets
	_ = s.UpsertRiderLocation(ctx, models.RiderLocation{RiderID: "A", Geohash: "u4pruyz", Status: models.RiderOnline, UpdatedAt: now})
	got, _ = s.QueryRidersInBuckets(ctx, []string{"kzf"})
	if len(got) != 1 || got[0].RiderID != "B" {
		t.Fatalf("expected only B under kzf, got %+v", got)
	}
	got, _ = s.QueryRidersInBuckets(ctx, []string{""})
	if len(got) != 3 {
		t.Fatalf("empty prefix should match all riders, got %d", len(got))
	}
}

func TestRecentDeliveryCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	for i, id := range []string{"j1", "j2", "j3"} {
		_ = s.CreateJob(ctx, newJob(id, now))
		oid := "o" + id
		_ = s.CreateOffer(ctx, pendingOffer(oid, id, "A", now))
		at := now
		if i == 0 {
			at = now.Add(-48 * time.Hour)
		}
		_, _ = s.ConditionalUpdateOfferOutcome(ctx, oid, models.OfferPending, models.OfferAccepted, at)
	}
	got, _ := s.RecentDeliveryCounts(ctx, []string{"A", "B"}, now.Add(-24*time.Hour))
	if got["A"] != 2 || got["B"] != 0 {
		t.Fatalf("unexpected counts %+v", got)
	}
}
