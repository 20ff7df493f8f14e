package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-assignment/internal/assignment"
	"github.com/example/rider-assignment/internal/dispatch"
	"github.com/example/rider-assignment/internal/geo"
	"github.com/example/rider-assignment/internal/ingest"
	"github.com/example/rider-assignment/internal/models"
	"github.com/example/rider-assignment/internal/observability"
	"github.com/example/rider-assignment/internal/retry"
	"github.com/example/rider-assignment/internal/storage"
)

// Assigner is the state machine surface exposed over HTTP.
type Assigner interface {
	CreateJob(ctx context.Context, ev models.JobEvent) (*models.DeliveryJob, bool, error)
	Accept(ctx context.Context, offerID, riderID string) (*models.DeliveryJob, error)
	Decline(ctx context.Context, offerID, riderID string) error
	Cancel(ctx context.Context, jobID string) (*models.DeliveryJob, error)
	ManualAssign(ctx context.Context, jobID, riderID string) (*models.DeliveryJob, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Deps struct {
	Geo       geo.Geo
	Store     storage.Store
	Machine   Assigner
	Scheduler ingest.Submitter
	// Kafka is optional; when set, accepted pings are also published.
	Kafka LocationPublisher
	WSReg *dispatch.WSRegistry
	// Ready is an optional readiness check, e.g. a Redis ping.
	Ready func(ctx context.Context) error
	Retry retry.Policy
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.WSReg == nil {
		deps.WSReg = dispatch.NewWSRegistry()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/riders/{rider_id}/location", s.handleRiderLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs", s.handleCreateJob).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}", s.handleGetJob).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/cancel", s.handleCancelJob).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/assign", s.handleManualAssign).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{offer_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{rider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	p.RiderID = mux.Vars(r)["rider_id"]
	if err := ingest.UpdateLocation(r.Context(), s.Geo, s.Retry, p, time.Now()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(r.Context(), p); err != nil {
			s.logger.Warn("publish location failed", "rider_id", p.RiderID, "error", err)
		}
	}
	w.WriteHeader(204)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var ev models.JobEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ev.Type = models.EventJobReady
	job, created, err := s.Machine.CreateJob(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !job.State.Terminal() {
		s.Scheduler.Submit(job.ID)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job)
}

type jobView struct {
	Job    *models.DeliveryJob `json:"job"`
	Offers []*models.Offer     `json:"offers"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["job_id"]
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offers, err := s.Store.ListOffers(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []*models.Offer{}
	}
	writeJSON(w, 200, jobView{Job: job, Offers: offers})
}

// handleListJobs backs the admin view of jobs awaiting manual dispatch.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := models.JobState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.JobUnassignable
	}
	switch state {
	case models.JobUnassigned, models.JobOffering, models.JobAssigned, models.JobUnassignable, models.JobCancelled:
	default:
		http.Error(w, "unknown state", 400)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	jobs, err := s.Store.ListJobsByState(r.Context(), state, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.DeliveryJob{}
	}
	writeJSON(w, 200, map[string]any{"jobs": jobs})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Machine.Cancel(r.Context(), mux.Vars(r)["job_id"])
	if err != nil {
		s.writeErrorWithJob(w, r, err, job)
		return
	}
	writeJSON(w, 200, job)
}

type riderBody struct {
	RiderID string `json:"rider_id"`
}

func decodeRider(r *http.Request) (string, error) {
	var b riderBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return "", err
	}
	return b.RiderID, nil
}

func (s *Server) handleManualAssign(w http.ResponseWriter, r *http.Request) {
	riderID, err := decodeRider(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	job, err := s.Machine.ManualAssign(r.Context(), mux.Vars(r)["job_id"], riderID)
	if err != nil {
		s.writeErrorWithJob(w, r, err, job)
		return
	}
	writeJSON(w, 200, job)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	riderID, err := decodeRider(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	job, err := s.Machine.Accept(r.Context(), mux.Vars(r)["offer_id"], riderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, 200, job)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	riderID, err := decodeRider(r)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.Machine.Decline(r.Context(), mux.Vars(r)["offer_id"], riderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", 503)
			return
		}
	}
	w.WriteHeader(200)
	_, _ = w.Write([]byte("ready"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assignment.ErrOfferNotPending), errors.Is(err, assignment.ErrJobTerminal), errors.Is(err, assignment.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, assignment.ErrWrongRider):
		return http.StatusForbidden
	case errors.Is(err, assignment.ErrInvalidRider), errors.Is(err, ingest.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorWithJob(w, r, err, nil)
}

func (s *Server) writeErrorWithJob(w http.ResponseWriter, r *http.Request, err error, job *models.DeliveryJob) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, status, map[string]any{"error": "internal error"})
		return
	}
	body := map[string]any{"error": err.Error()}
	if job != nil {
		body["job"] = job
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

var upgrader = websocket.Upgrader{}

// wsCommand is what a rider client sends back over its offer channel.
type wsCommand struct {
	Type    string `json:"type"`
	OfferID string `json:"offer_id"`
}

type wsReply struct {
	Type    string              `json:"type"`
	OfferID string              `json:"offer_id,omitempty"`
	Job     *models.DeliveryJob `json:"job,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// handleWS registers the rider's offer channel and serves accept/decline
// commands on it until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "rider_id", id, "error", err)
		return
	}
	sess := s.WSReg.Add(id, conn)
	observability.RidersOnline.Inc()
	defer func() {
		s.WSReg.Remove(id, conn)
		observability.RidersOnline.Dec()
		_ = conn.Close()
	}()

	ctx := context.WithoutCancel(r.Context())
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		reply := wsReply{Type: "ack", OfferID: cmd.OfferID}
		switch cmd.Type {
		case "accept":
			reply.Job, err = s.Machine.Accept(ctx, cmd.OfferID, id)
		case "decline":
			err = s.Machine.Decline(ctx, cmd.OfferID, id)
		default:
			err = errors.New("unknown command")
		}
		if err != nil {
			reply.Type = "error"
			reply.Error = err.Error()
		}
		if err := sess.Send(ctx, reply); err != nil {
			return
		}
	}
}
