// Package scheduler feeds jobs to the assignment state machine. New jobs are
// pushed in with Submit and routed to a worker partition by job id; a
// periodic sweep hands overdue offers to the same partitions for expiry and
// recovers jobs whose hint was lost.
package scheduler

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-assignment/internal/lock"
	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/observability"
)

type Assigner interface {
	TryAssign(ctx context.Context, jobID string) error
	Expire(ctx context.Context, offer *models.Offer) error
}

type Store interface {
	ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error)
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.DeliveryJob, error)
}

type Config struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
	// StaleJobGrace is how long an open job may go without a state write
	// before the sweep resubmits it.
	StaleJobGrace time.Duration
	ClaimTTL      time.Duration
	SweepBatch    int
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     256,
		SweepInterval: 5 * time.Second,
		StaleJobGrace: 15 * time.Second,
		ClaimTTL:      10 * time.Second,
		SweepBatch:    500,
	}
}

type Scheduler struct {
	assigner Assigner
	store    Store
	locker   lock.Locker
	cfg      Config
	logger   *slog.Logger
	queues   []chan task

	// Now is overridable for tests.
	Now func() time.Time
}

func New(assigner Assigner, store Store, locker lock.Locker, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	queues := make([]chan task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan task, cfg.QueueSize)
	}
	return &Scheduler{assigner: assigner, store: store, locker: locker, cfg: cfg, logger: logger, queues: queues, Now: time.Now}
}

// task is one unit of partition work: an assignment attempt for jobID, or the
// expiry of offer when it is set.
type task struct {
	jobID string
	offer *models.Offer
}

// Submit hands a job to its partition. It never blocks; a full queue drops the
// hint and the sweep picks the job up later.
func (s *Scheduler) Submit(jobID string) bool {
	return s.enqueue(task{jobID: jobID})
}

func (s *Scheduler) enqueue(t task) bool {
	select {
	case s.queues[s.partition(t.jobID)] <- t:
		return true
	default:
		observability.SchedulerDropped.Inc()
		s.logger.Warn("scheduler queue full, dropping hint", "job_id", t.jobID, "expiry", t.offer != nil)
		return false
	}
}

func (s *Scheduler) partition(jobID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

// Run starts the workers and the sweep loop and blocks until ctx is done and
// every worker has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, q := range s.queues {
		wg.Add(1)
		go func(id int, q <-chan task) {
			defer wg.Done()
			s.worker(ctx, id, q)
		}(i, q)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "workers", len(s.queues), "sweep_interval", s.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, id int, q <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q:
			s.withClaim(ctx, t.jobID, func(ctx context.Context) error {
				if t.offer != nil {
					return s.assigner.Expire(ctx, t.offer)
				}
				return s.assigner.TryAssign(ctx, t.jobID)
			})
		}
	}
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	// Expired counts overdue offers handed to a worker for expiry.
	Expired     int
	Resubmitted int
}

// Sweep queues every overdue pending offer for expiry on its job's partition,
// then resubmits open jobs that have seen no state write for longer than the
// grace period. A resubmitted job holding a pending offer is a no-op for
// TryAssign; one whose current offer already settled gets reconciled. Sweep
// itself never runs the state machine, so a slow job cannot hold up others.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	now := s.Now()
	offers, err := s.store.ListExpiredPendingOffers(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	expiring := make(map[string]struct{}, len(offers))
	for _, o := range offers {
		if s.enqueue(task{jobID: o.JobID, offer: o}) {
			expiring[o.JobID] = struct{}{}
			res.Expired++
		}
	}

	cutoff := now.Add(-s.cfg.StaleJobGrace)
	for _, state := range []models.JobState{models.JobUnassigned, models.JobOffering} {
		jobs, err := s.store.ListJobsByState(ctx, state, s.cfg.SweepBatch)
		if err != nil {
			return res, err
		}
		for _, j := range jobs {
			if _, ok := expiring[j.ID]; ok || j.UpdatedAt.After(cutoff) {
				continue
			}
			if s.Submit(j.ID) {
				res.Resubmitted++
			}
		}
	}
	if res.Expired > 0 || res.Resubmitted > 0 {
		s.logger.Info("sweep", "expired", res.Expired, "resubmitted", res.Resubmitted)
	}
	return res, nil
}

// withClaim runs fn while holding the job's claim token. It reports whether fn
// ran. A claim held by another worker skips the job; a failing locker does
// not.
func (s *Scheduler) withClaim(ctx context.Context, jobID string, fn func(ctx context.Context) error) bool {
	key := "job:" + jobID
	token, ok, err := s.locker.Acquire(ctx, key, s.cfg.ClaimTTL)
	switch {
	case err != nil:
		s.logger.Warn("claim failed, processing unclaimed", "job_id", jobID, "error", err)
	case !ok:
		observability.ClaimsSkipped.Inc()
		s.logger.Debug("job claimed elsewhere", "job_id", jobID)
		return false
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.logger.Warn("release claim failed", "job_id", jobID, "error", err)
			}
		}()
	}
	if err := fn(ctx); err != nil {
		s.logger.Error("job processing failed", "job_id", jobID, "error", err)
	}
	return true
}
