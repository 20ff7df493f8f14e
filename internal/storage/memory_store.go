package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/rider-assignment/internal/models"
)

// MemoryStore keeps everything in process. It enforces the same uniqueness
// rules as the PostgreSQL schema so tests exercise the real invariants.
type MemoryStore struct {
	mu sync.RWMutex

	riders  map[string]models.RiderLocation
	buckets map[string]map[string]struct{} // geohash prefix -> rider ids

	jobs           map[string]*models.DeliveryJob
	offers         map[string]*models.Offer
	jobOffers      map[string][]string
	pendingByJob   map[string]string
	pendingByRider map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:         make(map[string]models.RiderLocation),
		buckets:        make(map[string]map[string]struct{}),
		jobs:           make(map[string]*models.DeliveryJob),
		offers:         make(map[string]*models.Offer),
		jobOffers:      make(map[string][]string),
		pendingByJob:   make(map[string]string),
		pendingByRider: make(map[string]string),
	}
}

func (m *MemoryStore) GetRiderLocation(_ context.Context, riderID string) (models.RiderLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.riders[riderID]
	if !ok {
		return models.RiderLocation{}, ErrNotFound
	}
	return loc, nil
}

func (m *MemoryStore) UpsertRiderLocation(_ context.Context, loc models.RiderLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.riders[loc.RiderID]; ok {
		m.unbucket(prev)
	}
	m.riders[loc.RiderID] = loc
	for i := 1; i <= len(loc.Geohash); i++ {
		p := loc.Geohash[:i]
		set, ok := m.buckets[p]
		if !ok {
			set = make(map[string]struct{})
			m.buckets[p] = set
		}
		set[loc.RiderID] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) unbucket(loc models.RiderLocation) {
	for i := 1; i <= len(loc.Geohash); i++ {
		p := loc.Geohash[:i]
		if set, ok := m.buckets[p]; ok {
			delete(set, loc.RiderID)
			if len(set) == 0 {
				delete(m.buckets, p)
			}
		}
	}
}

func (m *MemoryStore) QueryRidersInBuckets(_ context.Context, prefixes []string) ([]models.RiderLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []models.RiderLocation
	for _, p := range prefixes {
		if p == "" {
			for id, loc := range m.riders {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					out = append(out, loc)
				}
			}
			continue
		}
		for id := range m.buckets[p] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, m.riders[id])
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, job *models.DeliveryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicate
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*models.DeliveryJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ConditionalUpdateJobState(_ context.Context, t JobTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[t.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.State != t.ExpectedState || j.Version != t.ExpectedVersion {
		return false, nil
	}
	j.State = t.NewState
	j.Version++
	j.UpdatedAt = t.At
	p := t.Patch
	if p.CurrentOfferID != nil {
		j.CurrentOfferID = *p.CurrentOfferID
	}
	if p.CurrentRiderID != nil {
		j.CurrentRiderID = *p.CurrentRiderID
	}
	if p.AppendExcluded != "" && !j.Excludes(p.AppendExcluded) {
		j.ExcludedRiders = append(j.ExcludedRiders, p.AppendExcluded)
	}
	if p.AssignedRiderID != nil {
		j.AssignedRiderID = *p.AssignedRiderID
	}
	if p.Reason != nil {
		j.Reason = *p.Reason
	}
	return true, nil
}

func (m *MemoryStore) ListJobsByState(_ context.Context, state models.JobState, limit int) ([]*models.DeliveryJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DeliveryJob
	for _, j := range m.jobs {
		if j.State == state {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return ErrDuplicate
	}
	if o.Outcome == models.OfferPending {
		if _, ok := m.pendingByJob[o.JobID]; ok {
			return ErrOfferExists
		}
		if _, ok := m.pendingByRider[o.RiderID]; ok {
			return ErrRiderBusy
		}
		m.pendingByJob[o.JobID] = o.ID
		m.pendingByRider[o.RiderID] = o.ID
	}
	cp := *o
	m.offers[o.ID] = &cp
	m.jobOffers[o.JobID] = append(m.jobOffers[o.JobID], o.ID)
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, jobID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.jobOffers[jobID]
	out := make([]*models.Offer, 0, len(ids))
	for _, id := range ids {
		cp := *m.offers[id]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].OfferedAt.Before(out[b].OfferedAt) })
	return out, nil
}

func (m *MemoryStore) PendingOfferForJob(_ context.Context, jobID string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.pendingByJob[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.offers[id]
	return &cp, nil
}

func (m *MemoryStore) ConditionalUpdateOfferOutcome(_ context.Context, offerID string, expected, next models.OfferOutcome, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return false, ErrNotFound
	}
	if o.Outcome != expected {
		return false, nil
	}
	o.Outcome = next
	t := at
	o.RespondedAt = &t
	if expected == models.OfferPending && next != models.OfferPending {
		delete(m.pendingByJob, o.JobID)
		delete(m.pendingByRider, o.RiderID)
	}
	return true, nil
}

func (m *MemoryStore) ListExpiredPendingOffers(_ context.Context, now time.Time, limit int) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Offer
	for _, id := range m.pendingByJob {
		o := m.offers[id]
		if now.After(o.ExpiresAt) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(out[b].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RidersWithPendingOffers(_ context.Context, riderIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range riderIDs {
		if _, ok := m.pendingByRider[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) RecentDeliveryCounts(_ context.Context, riderIDs []string, since time.Time) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]struct{}, len(riderIDs))
	for _, id := range riderIDs {
		want[id] = struct{}{}
	}
	out := make(map[string]int)
	for _, o := range m.offers {
		if o.Outcome != models.OfferAccepted || o.RespondedAt == nil || o.RespondedAt.Before(since) {
			continue
		}
		if _, ok := want[o.RiderID]; ok {
			out[o.RiderID]++
		}
	}
	return out, nil
}

// CountPending returns the number of pending offers for a job. Used by tests
// to check the single-pending-offer invariant.
func (m *MemoryStore) CountPending(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.jobOffers[jobID] {
		if m.offers[id].Outcome == models.OfferPending {
			n++
		}
	}
	return n
}

// CountPendingForRider is the per-rider counterpart of CountPending.
func (m *MemoryStore) CountPendingForRider(riderID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.offers {
		if o.RiderID == riderID && o.Outcome == models.OfferPending {
			n++
		}
	}
	return n
}

func cloneJob(j *models.DeliveryJob) *models.DeliveryJob {
	cp := *j
	if j.Pickup != nil {
		p := *j.Pickup
		cp.Pickup = &p
	}
	cp.ExcludedRiders = append([]string(nil), j.ExcludedRiders...)
	return &cp
}
