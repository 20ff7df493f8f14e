package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"

	"github.com/example/rider-assignment/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, with rider status and
// freshness kept in a metadata hash next to the sorted set.
type RedisGeo struct {
	client    *redis.Client
	key       string
	precision uint
}

func NewRedisGeo(client *redis.Client, key string, precision uint) *RedisGeo {
	if precision == 0 || precision > 12 {
		precision = DefaultPrecision
	}
	return &RedisGeo{client: client, key: key, precision: precision}
}

func (r *RedisGeo) UpsertLocation(ctx context.Context, loc models.RiderLocation) error {
	loc.Geohash = geohash.EncodeWithPrecision(loc.Lat, loc.Lng, r.precision)
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lng, Latitude: loc.Lat, Name: loc.RiderID})
	pipe.HSet(ctx, metaKey(loc.RiderID), map[string]interface{}{
		"status":  string(loc.Status),
		"updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"geohash": loc.Geohash,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) QueryNearby(ctx context.Context, point models.Coord, radiusKm float64, maxResults int) ([]Nearby, error) {
	if radiusKm <= 0 || radiusKm >= PlatformWideKm {
		radiusKm = PlatformWideKm
	}
	res, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     maxResults,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make([]Nearby, 0, len(res))
	for i, g := range res {
		loc := models.RiderLocation{RiderID: g.Name, Lat: g.Latitude, Lng: g.Longitude, Status: models.RiderOffline}
		m := metas[i].Val()
		if v, ok := m["status"]; ok {
			loc.Status = models.RiderStatus(v)
		}
		if v, ok := m["updated"]; ok {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				loc.UpdatedAt = t
			}
		}
		loc.Geohash = m["geohash"]
		// Redis uses a slightly different Earth radius; keep distances consistent with Index.
		out = append(out, Nearby{Location: loc, DistanceKm: HaversineKm(point.Lat, point.Lng, loc.Lat, loc.Lng)})
	}
	SortNearby(out)
	return out, nil
}

// Ping reports whether the backing Redis is reachable.
func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "rider:meta:" + id }

// FormatKm renders a distance for logs and payloads.
func FormatKm(d float64) string { return strconv.FormatFloat(RoundKm(d), 'f', 1, 64) }
