package ranking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/models"
)

var ErrInvalidPickup = errors.New("ranking: job has no valid pickup coordinate")

// Store is the slice of persistence the ranker reads from.
type Store interface {
	RidersWithPendingOffers(ctx context.Context, riderIDs []string) (map[string]bool, error)
	RecentDeliveryCounts(ctx context.Context, riderIDs []string, since time.Time) (map[string]int, error)
}

type Config struct {
	Rings          []Ring
	Freshness      time.Duration
	TieEpsilonKm   float64
	FairnessWindow time.Duration
	// MaxResults caps each ring query; <= 0 means unbounded.
	MaxResults int
}

func DefaultConfig() Config {
	return Config{
		Rings:          DefaultRings(),
		Freshness:      10 * time.Minute,
		TieEpsilonKm:   0.01,
		FairnessWindow: 24 * time.Hour,
		MaxResults:     200,
	}
}

type Candidate struct {
	RiderID          string
	DistanceKm       float64
	Location         models.RiderLocation
	RecentDeliveries int
	Ring             Ring
}

type Ranker struct {
	Geo    geo.Geo
	Store  Store
	Config Config
	Now    func() time.Time
}

func (r *Ranker) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Ranker) rings() []Ring {
	if len(r.Config.Rings) == 0 {
		return DefaultRings()
	}
	return r.Config.Rings
}

// Rank walks the ring sequence until one ring yields an eligible rider. The
// returned sequence is empty when no ring does. Later rings are only queried
// if the caller drains the first non-empty one.
func (r *Ranker) Rank(ctx context.Context, job *models.DeliveryJob, exclude []string) (*Candidates, error) {
	if job == nil || job.Pickup == nil || !job.Pickup.Valid() {
		return nil, ErrInvalidPickup
	}
	c := &Candidates{
		ranker:  r,
		ctx:     ctx,
		point:   *job.Pickup,
		exclude: make(map[string]struct{}, len(exclude)+len(job.ExcludedRiders)),
		seen:    make(map[string]struct{}),
	}
	for _, id := range exclude {
		c.exclude[id] = struct{}{}
	}
	for _, id := range job.ExcludedRiders {
		c.exclude[id] = struct{}{}
	}
	for len(c.buf) == 0 && c.next < len(r.rings()) {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Candidates is a finite, forward-only sequence of riders for one job.
type Candidates struct {
	ranker  *Ranker
	ctx     context.Context
	point   models.Coord
	exclude map[string]struct{}
	seen    map[string]struct{}
	next    int
	buf     []Candidate
	err     error
}

// Next returns the next candidate, expanding to the following ring once the
// current one is drained. It returns false at the end or after an error.
func (c *Candidates) Next() (Candidate, bool) {
	rings := c.ranker.rings()
	for len(c.buf) == 0 {
		if c.err != nil || c.next >= len(rings) {
			return Candidate{}, false
		}
		if err := c.fill(); err != nil {
			c.err = err
			return Candidate{}, false
		}
	}
	cand := c.buf[0]
	c.buf = c.buf[1:]
	return cand, true
}

// Len is the number of candidates left in the current ring.
func (c *Candidates) Len() int { return len(c.buf) }

func (c *Candidates) Err() error { return c.err }

func (c *Candidates) fill() error {
	r := c.ranker
	ring := r.rings()[c.next]
	c.next++

	// Ineligible riders are never deleted from the index, so a capped query can
	// be filled entirely by them. Widen the cap until enough eligible riders
	// turn up or the ring is exhausted.
	limit := r.Config.MaxResults
	var free []Candidate
	for {
		nearby, err := r.Geo.QueryNearby(c.ctx, c.point, ring.Km(), limit)
		if err != nil {
			return err
		}
		free, err = c.eligible(nearby, ring)
		if err != nil {
			return err
		}
		if limit <= 0 || len(nearby) < limit || len(free) >= r.Config.MaxResults {
			break
		}
		limit *= 4
	}
	if len(free) == 0 {
		return nil
	}

	window := r.Config.FairnessWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	ids := make([]string, len(free))
	for i, cand := range free {
		ids[i] = cand.RiderID
	}
	counts, err := r.Store.RecentDeliveryCounts(c.ctx, ids, r.now().Add(-window))
	if err != nil {
		return err
	}
	for i := range free {
		free[i].RecentDeliveries = counts[free[i].RiderID]
	}
	Order(free, r.Config.TieEpsilonKm)
	if n := r.Config.MaxResults; n > 0 && len(free) > n {
		free = free[:n]
	}
	// riders cut off here stay unseen and come back in the next ring
	for _, cand := range free {
		c.seen[cand.RiderID] = struct{}{}
	}
	c.buf = free
	return nil
}

// eligible keeps riders that are online and fresh, not excluded, not already
// returned by an earlier ring and not holding a pending offer.
func (c *Candidates) eligible(nearby []geo.Nearby, ring Ring) ([]Candidate, error) {
	r := c.ranker
	now := r.now()
	cands := make([]Candidate, 0, len(nearby))
	ids := make([]string, 0, len(nearby))
	for _, n := range nearby {
		id := n.Location.RiderID
		if _, ok := c.seen[id]; ok {
			continue
		}
		if _, ok := c.exclude[id]; ok {
			continue
		}
		if n.Location.EffectiveStatus(now, r.Config.Freshness) != models.RiderOnline {
			continue
		}
		cands = append(cands, Candidate{RiderID: id, DistanceKm: n.DistanceKm, Location: n.Location, Ring: ring})
		ids = append(ids, id)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	busy, err := r.Store.RidersWithPendingOffers(c.ctx, ids)
	if err != nil {
		return nil, err
	}
	free := cands[:0]
	for _, cand := range cands {
		if !busy[cand.RiderID] {
			free = append(free, cand)
		}
	}
	return free, nil
}

// Order sorts by distance. Riders within epsilonKm of the first rider of a
// group are treated as tied and ordered by fewer recent deliveries, then id.
func Order(cands []Candidate, epsilonKm float64) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].DistanceKm != cands[j].DistanceKm {
			return cands[i].DistanceKm < cands[j].DistanceKm
		}
		return cands[i].RiderID < cands[j].RiderID
	})
	for start := 0; start < len(cands); {
		end := start + 1
		for end < len(cands) && cands[end].DistanceKm-cands[start].DistanceKm <= epsilonKm {
			end++
		}
		group := cands[start:end]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].RecentDeliveries != group[j].RecentDeliveries {
				return group[i].RecentDeliveries < group[j].RecentDeliveries
			}
			return group[i].RiderID < group[j].RiderID
		})
		start = end
	}
}
