package geo

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/storage"
)

const (
	EarthRadiusKm = 6371.0
	// PlatformWideKm is half the Earth's circumference; any radius at or past
	// it covers every rider.
	PlatformWideKm = math.Pi * EarthRadiusKm

	DefaultPrecision uint = 7
	kmPerDegree           = math.Pi * EarthRadiusKm / 180
)

// Geo is the minimal interface required by the ranker and handlers.
type Geo interface {
	UpsertLocation(ctx context.Context, loc models.RiderLocation) error
	// QueryNearby returns riders within radiusKm of point, nearest first.
	QueryNearby(ctx context.Context, point models.Coord, radiusKm float64, maxResults int) ([]Nearby, error)
}

// Nearby pairs a rider location with its great-circle distance to the query point.
type Nearby struct {
	Location   models.RiderLocation
	DistanceKm float64
}

// Index answers proximity queries from geohash buckets kept in a LocationStore.
type Index struct {
	store     storage.LocationStore
	precision uint
}

func NewIndex(store storage.LocationStore, precision uint) *Index {
	if precision == 0 || precision > 12 {
		precision = DefaultPrecision
	}
	return &Index{store: store, precision: precision}
}

// UpsertLocation recomputes the rider's bucket key and overwrites the record.
func (g *Index) UpsertLocation(ctx context.Context, loc models.RiderLocation) error {
	if !loc.Coord().Valid() {
		return fmt.Errorf("geo: invalid coordinate %f,%f for rider %s", loc.Lat, loc.Lng, loc.RiderID)
	}
	loc.Geohash = geohash.EncodeWithPrecision(loc.Lat, loc.Lng, g.precision)
	return g.store.UpsertRiderLocation(ctx, loc)
}

func (g *Index) QueryNearby(ctx context.Context, point models.Coord, radiusKm float64, maxResults int) ([]Nearby, error) {
	if !point.Valid() {
		return nil, fmt.Errorf("geo: invalid query point %f,%f", point.Lat, point.Lng)
	}
	locs, err := g.store.QueryRidersInBuckets(ctx, Buckets(point, radiusKm, g.precision))
	if err != nil {
		return nil, err
	}
	platformWide := radiusKm <= 0 || radiusKm >= PlatformWideKm
	out := make([]Nearby, 0, len(locs))
	for _, loc := range locs {
		d := HaversineKm(point.Lat, point.Lng, loc.Lat, loc.Lng)
		if !platformWide && d > radiusKm {
			continue
		}
		out = append(out, Nearby{Location: loc, DistanceKm: d})
	}
	SortNearby(out)
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// Buckets returns the geohash prefixes covering a disc of radiusKm around
// point: the finest cell whose short side is at least the radius, plus its
// eight neighbours. A non-positive or platform-wide radius yields the empty
// prefix, which matches every bucket.
func Buckets(point models.Coord, radiusKm float64, maxPrecision uint) []string {
	if radiusKm <= 0 || radiusKm >= PlatformWideKm {
		return []string{""}
	}
	cosLat := math.Cos(point.Lat * math.Pi / 180)
	for p := maxPrecision; p >= 1; p-- {
		hash := geohash.EncodeWithPrecision(point.Lat, point.Lng, p)
		box := geohash.BoundingBox(hash)
		h := (box.MaxLat - box.MinLat) * kmPerDegree
		w := (box.MaxLng - box.MinLng) * kmPerDegree * cosLat
		if math.Min(h, w) < radiusKm {
			continue
		}
		cells := append([]string{hash}, geohash.Neighbors(hash)...)
		return dedupe(cells)
	}
	return []string{""}
}

// SortNearby orders by unrounded distance, then rider id.
func SortNearby(ns []Nearby) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].DistanceKm != ns[j].DistanceKm {
			return ns[i].DistanceKm < ns[j].DistanceKm
		}
		return ns[i].Location.RiderID < ns[j].Location.RiderID
	})
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// RoundKm rounds to one decimal place. Display only; never sort on it.
func RoundKm(d float64) float64 { return math.Round(d*10) / 10 }

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
