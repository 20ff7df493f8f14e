package geo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/rider-assignment/internal/models"
)

func TestRedisGeoQueryNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	g := NewRedisGeo(client, "riders:geo", 7)
	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, r := range []models.RiderLocation{
		{RiderID: "B", Lat: 0.360, Lng: 32.590, Status: models.RiderOnline, UpdatedAt: now},
		{RiderID: "A", Lat: 0.349, Lng: 32.583, Status: models.RiderBusy, UpdatedAt: now},
		{RiderID: "far", Lat: 0.700, Lng: 33.000, Status: models.RiderOnline, UpdatedAt: now},
	} {
		if err := g.UpsertLocation(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := g.QueryNearby(ctx, pickup, 2, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].Location.RiderID != "A" || got[1].Location.RiderID != "B" {
		t.Fatalf("expected [A B], got %+v", got)
	}
	if got[0].Location.Status != models.RiderBusy || !got[0].Location.UpdatedAt.Equal(now) {
		t.Fatalf("metadata not round-tripped: %+v", got[0].Location)
	}

	all, err := g.QueryNearby(ctx, pickup, 0, 0)
	if err != nil {
		t.Fatalf("platform query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all riders, got %d", len(all))
	}
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
