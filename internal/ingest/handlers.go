package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-assignment/internal/assignment"
	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/observability"
	"github.com/example/rider-assignment/internal/retry"
)

// JobIntake is the part of the state machine upstream job events drive.
type JobIntake interface {
	CreateJob(ctx context.Context, ev models.JobEvent) (*models.DeliveryJob, bool, error)
	Cancel(ctx context.Context, jobID string) (*models.DeliveryJob, error)
}

type Submitter interface {
	Submit(jobID string) bool
}

// LocationFromPing validates a rider ping. A missing status means online; a
// missing or future timestamp is replaced by now.
func LocationFromPing(p models.LocationPing, now time.Time) (models.RiderLocation, error) {
	if p.RiderID == "" {
		return models.RiderLocation{}, fmt.Errorf("%w: rider_id required", ErrInvalidMessage)
	}
	if !(models.Coord{Lat: p.Lat, Lng: p.Lng}).Valid() {
		return models.RiderLocation{}, fmt.Errorf("%w: coordinate %f,%f out of range", ErrInvalidMessage, p.Lat, p.Lng)
	}
	status := p.Status
	if status == "" {
		status = models.RiderOnline
	}
	if !status.Valid() {
		return models.RiderLocation{}, fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, p.Status)
	}
	ts := p.Timestamp
	if ts.IsZero() || ts.After(now) {
		ts = now
	}
	return models.RiderLocation{RiderID: p.RiderID, Lat: p.Lat, Lng: p.Lng, Status: status, UpdatedAt: ts}, nil
}

// UpdateLocation writes a validated ping to the index, retrying transient failures.
func UpdateLocation(ctx context.Context, g geo.Geo, policy retry.Policy, p models.LocationPing, now time.Time) error {
	loc, err := LocationFromPing(p, now)
	if err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return err
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return g.UpsertLocation(ctx, loc)
	})
	if err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		return fmt.Errorf("update location for rider %s: %w", p.RiderID, err)
	}
	observability.LocationUpdates.WithLabelValues("ok").Inc()
	return nil
}

// LocationHandler consumes rider pings.
func LocationHandler(g geo.Geo, policy retry.Policy) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var p models.LocationPing
		if err := json.Unmarshal(msg.Value, &p); err != nil {
			observability.LocationUpdates.WithLabelValues("invalid").Inc()
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return UpdateLocation(ctx, g, policy, p, time.Now())
	}
}

// JobEventHandler consumes job_ready and job_cancelled events from the order
// and parcel modules.
func JobEventHandler(intake JobIntake, sched Submitter, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev models.JobEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return HandleJobEvent(ctx, intake, sched, logger, ev)
	}
}

func HandleJobEvent(ctx context.Context, intake JobIntake, sched Submitter, logger *slog.Logger, ev models.JobEvent) error {
	switch ev.Type {
	case models.EventJobReady:
		job, created, err := intake.CreateJob(ctx, ev)
		if err != nil {
			return err
		}
		if !created {
			logger.Info("duplicate job event", "job_id", job.ID, "state", job.State)
		}
		if !job.State.Terminal() {
			sched.Submit(job.ID)
		}
		return nil
	case models.EventJobCancelled:
		if ev.JobID == "" {
			return fmt.Errorf("%w: job_id required", ErrInvalidMessage)
		}
		_, err := intake.Cancel(ctx, ev.JobID)
		if errors.Is(err, assignment.ErrJobTerminal) {
			logger.Info("cancel ignored for terminal job", "job_id", ev.JobID)
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidMessage, ev.Type)
	}
}
