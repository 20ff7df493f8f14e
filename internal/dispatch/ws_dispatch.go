package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-assignment/internal/models"
)

const defaultWriteWait = 5 * time.Second

// WSSession represents a connected rider session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

// WSRegistry holds rider sessions, one per rider. A newer connection replaces
// the older one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for the rider. The connection's own writes must go
// through the returned session so they serialise with pushed offers.
func (r *WSRegistry) Add(riderID string, conn *websocket.Conn) *WSSession {
	sess := &WSSession{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[riderID] = sess
	return sess
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(riderID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[riderID]; ok && s.conn == conn {
		delete(r.sessions, riderID)
	}
}

func (r *WSRegistry) Connected(riderID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[riderID]
	return ok
}

func (r *WSRegistry) PushJobOffer(ctx context.Context, riderID string, s models.JobSummary, expiresAt time.Time) (DeliveryResult, error) {
	res := DeliveryResult{Channel: "ws"}
	r.mu.RLock()
	sess, ok := r.sessions[riderID]
	r.mu.RUnlock()
	if !ok {
		return res, ErrNoSession
	}
	if err := sess.Send(ctx, newOfferMessage(riderID, s, expiresAt)); err != nil {
		r.Remove(riderID, sess.conn)
		return res, err
	}
	res.Delivered = true
	return res, nil
}
