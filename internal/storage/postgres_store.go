package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/rider-assignment/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore implements Store on PostgreSQL. Conditional writes are single
// UPDATE statements guarded by the expected state/version or outcome, and the
// one-pending-offer rules are partial unique indexes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded SQL files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

const riderColumns = `rider_id, lat, lng, geohash, status, updated_at`

func (p *PostgresStore) GetRiderLocation(ctx context.Context, riderID string) (models.RiderLocation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+riderColumns+` FROM rider_locations WHERE rider_id = $1`, riderID)
	loc, err := scanRider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiderLocation{}, ErrNotFound
	}
	return loc, err
}

func (p *PostgresStore) UpsertRiderLocation(ctx context.Context, loc models.RiderLocation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rider_locations (rider_id, lat, lng, geohash, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rider_id) DO UPDATE
		SET lat = EXCLUDED.lat, lng = EXCLUDED.lng, geohash = EXCLUDED.geohash,
		    status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		loc.RiderID, loc.Lat, loc.Lng, loc.Geohash, string(loc.Status), loc.UpdatedAt)
	return err
}

func (p *PostgresStore) QueryRidersInBuckets(ctx context.Context, prefixes []string) ([]models.RiderLocation, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(prefixes))
	for i, pfx := range prefixes {
		patterns[i] = pfx + "%"
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+riderColumns+` FROM rider_locations WHERE geohash LIKE ANY($1)`, pq.Array(patterns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RiderLocation
	for rows.Next() {
		loc, err := scanRider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

const jobColumns = `id, kind, external_ref, pickup_lat, pickup_lng, created_at, updated_at, state, version,
	current_offer_id, current_rider_id, excluded_riders, assigned_rider_id, reason`

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.DeliveryJob) error {
	var lat, lng sql.NullFloat64
	if j.Pickup != nil {
		lat = sql.NullFloat64{Float64: j.Pickup.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: j.Pickup.Lng, Valid: true}
	}
	excluded := j.ExcludedRiders
	if excluded == nil {
		excluded = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO delivery_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, string(j.Kind), j.ExternalRef, lat, lng, j.CreatedAt, j.UpdatedAt, string(j.State), j.Version,
		j.CurrentOfferID, j.CurrentRiderID, pq.Array(excluded), j.AssignedRiderID, j.Reason)
	if isUniqueViolation(err, "delivery_jobs_pkey") {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.DeliveryJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (p *PostgresStore) ConditionalUpdateJobState(ctx context.Context, t JobTransition) (bool, error) {
	sets := []string{"state = $1", "version = version + 1", "updated_at = $2"}
	args := []any{string(t.NewState), t.At}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if t.Patch.CurrentOfferID != nil {
		add("current_offer_id = $%d", *t.Patch.CurrentOfferID)
	}
	if t.Patch.CurrentRiderID != nil {
		add("current_rider_id = $%d", *t.Patch.CurrentRiderID)
	}
	if t.Patch.AppendExcluded != "" {
		args = append(args, t.Patch.AppendExcluded)
		n := len(args)
		sets = append(sets, fmt.Sprintf(
			"excluded_riders = CASE WHEN $%d = ANY(excluded_riders) THEN excluded_riders ELSE array_append(excluded_riders, $%d) END", n, n))
	}
	if t.Patch.AssignedRiderID != nil {
		add("assigned_rider_id = $%d", *t.Patch.AssignedRiderID)
	}
	if t.Patch.Reason != nil {
		add("reason = $%d", *t.Patch.Reason)
	}
	args = append(args, t.JobID, string(t.ExpectedState), t.ExpectedVersion)
	n := len(args)
	query := fmt.Sprintf(`UPDATE delivery_jobs SET %s WHERE id = $%d AND state = $%d AND version = $%d`,
		strings.Join(sets, ", "), n-2, n-1, n)
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	// Distinguish a lost race from a missing job.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_jobs WHERE id = $1)`, t.JobID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *PostgresStore) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.DeliveryJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE state = $1 ORDER BY created_at, id LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DeliveryJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const offerColumns = `id, job_id, rider_id, offered_at, expires_at, outcome, responded_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers (`+offerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.JobID, o.RiderID, o.OfferedAt, o.ExpiresAt, string(o.Outcome), o.RespondedAt)
	switch {
	case isUniqueViolation(err, "offers_one_pending_per_job"):
		return ErrOfferExists
	case isUniqueViolation(err, "offers_one_pending_per_rider"):
		return ErrRiderBusy
	case isUniqueViolation(err, "offers_pkey"):
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, jobID string) ([]*models.Offer, error) {
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE job_id = $1 ORDER BY offered_at, id`, jobID)
}

func (p *PostgresStore) PendingOfferForJob(ctx context.Context, jobID string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE job_id = $1 AND outcome = 'pending'`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ConditionalUpdateOfferOutcome(ctx context.Context, offerID string, expected, next models.OfferOutcome, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET outcome = $1, responded_at = $2 WHERE id = $3 AND outcome = $4`,
		string(next), at, offerID, string(expected))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}
	if _, err := p.GetOffer(ctx, offerID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) ListExpiredPendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE outcome = 'pending' AND expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
}

func (p *PostgresStore) RidersWithPendingOffers(ctx context.Context, riderIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(riderIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT rider_id FROM offers WHERE outcome = 'pending' AND rider_id = ANY($1)`, pq.Array(riderIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecentDeliveryCounts(ctx context.Context, riderIDs []string, since time.Time) (map[string]int, error) {
	out := make(map[string]int)
	if len(riderIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT rider_id, COUNT(*) FROM offers
		WHERE outcome = 'accepted' AND responded_at >= $1 AND rider_id = ANY($2)
		GROUP BY rider_id`, since, pq.Array(riderIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...any) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRider(s scanner) (models.RiderLocation, error) {
	var loc models.RiderLocation
	var status string
	if err := s.Scan(&loc.RiderID, &loc.Lat, &loc.Lng, &loc.Geohash, &status, &loc.UpdatedAt); err != nil {
		return models.RiderLocation{}, err
	}
	loc.Status = models.RiderStatus(status)
	return loc, nil
}

func scanJob(s scanner) (*models.DeliveryJob, error) {
	var j models.DeliveryJob
	var kind, state string
	var lat, lng sql.NullFloat64
	var excluded pq.StringArray
	err := s.Scan(&j.ID, &kind, &j.ExternalRef, &lat, &lng, &j.CreatedAt, &j.UpdatedAt, &state, &j.Version,
		&j.CurrentOfferID, &j.CurrentRiderID, &excluded, &j.AssignedRiderID, &j.Reason)
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.State = models.JobState(state)
	if lat.Valid && lng.Valid {
		j.Pickup = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	j.ExcludedRiders = []string(excluded)
	return &j, nil
}

func scanOffer(s scanner) (*models.Offer, error) {
	var o models.Offer
	var outcome string
	var responded sql.NullTime
	if err := s.Scan(&o.ID, &o.JobID, &o.RiderID, &o.OfferedAt, &o.ExpiresAt, &outcome, &responded); err != nil {
		return nil, err
	}
	o.Outcome = models.OfferOutcome(outcome)
	if responded.Valid {
		t := responded.Time
		o.RespondedAt = &t
	}
	return &o, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && pqErr.Constraint == constraint
	}
	return false
}
