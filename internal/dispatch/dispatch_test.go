package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-assignment/internal/models"
)

var summary = models.JobSummary{JobID: "J", OfferID: "O", Kind: models.JobOrder, Pickup: models.Coord{Lat: 0.347, Lng: 32.582}, DistanceKm: 0.2}

type fakeNotifier struct {
	channel string
	err     error
	calls   int
}

func (f *fakeNotifier) PushJobOffer(context.Context, string, models.JobSummary, time.Time) (DeliveryResult, error) {
	f.calls++
	if f.err != nil {
		return DeliveryResult{Channel: f.channel}, f.err
	}
	return DeliveryResult{Channel: f.channel, Delivered: true}, nil
}

func TestHTTPPush(t *testing.T) {
	var topic string
	var data map[string]string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		// FCM rejects data maps with non-string values
		var body struct {
			Message struct {
				Topic string            `json:"topic"`
				Data  map[string]string `json:"data"`
			} `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		topic, data = body.Message.Topic, body.Message.Data
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPPush(srv.URL, "secret")
	exp := time.Now().Add(30 * time.Second).UTC().Truncate(time.Second)
	res, err := p.PushJobOffer(context.Background(), "A", summary, exp)
	if err != nil || !res.Delivered || res.Channel != "push" {
		t.Fatalf("push: res=%+v err=%v", res, err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if topic != "rider-A" || data["type"] != "job_offer" || data["job_id"] != "J" || data["rider_id"] != "A" {
		t.Fatalf("unexpected payload topic=%s data=%v", topic, data)
	}
	if data["expires_at"] != exp.Format(time.RFC3339) || data["pickup_lat"] == "" || data["distance_km"] == "" {
		t.Fatalf("missing offer fields: %v", data)
	}
}

func TestHTTPPush_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	res, err := NewHTTPPush(srv.URL, "").PushJobOffer(context.Background(), "A", summary, time.Now())
	if err == nil || res.Delivered {
		t.Fatalf("expected failure, got res=%+v err=%v", res, err)
	}
}

func TestWSRegistry(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("A", conn)
		defer reg.Remove("A", conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	if _, err := reg.PushJobOffer(context.Background(), "A", summary, time.Now()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !reg.Connected("A") {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := reg.PushJobOffer(context.Background(), "A", summary, time.Now())
	if err != nil || !res.Delivered || res.Channel != "ws" {
		t.Fatalf("push: res=%+v err=%v", res, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg OfferMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.RiderID != "A" || msg.Offer.OfferID != "O" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestWSSessionSerialisesRepliesWithPushes(t *testing.T) {
	reg := NewWSRegistry()
	sessions := make(chan *WSSession, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions <- reg.Add("A", conn)
		defer reg.Remove("A", conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var sess *WSSession
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("session never registered")
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := reg.PushJobOffer(context.Background(), "A", summary, time.Now()); err != nil {
				t.Errorf("push: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := sess.Send(context.Background(), map[string]string{"type": "ack"}); err != nil {
				t.Errorf("reply: %v", err)
			}
		}()
	}

	counts := map[string]int{}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2*n; i++ {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		counts[msg.Type]++
	}
	wg.Wait()
	if counts["job_offer"] != n || counts["ack"] != n {
		t.Fatalf("unexpected message mix %v", counts)
	}
}

func TestFallback(t *testing.T) {
	ctx := context.Background()
	ws := &fakeNotifier{channel: "ws"}
	push := &fakeNotifier{channel: "push"}
	f := NewFallback(ws, push)

	res, err := f.PushJobOffer(ctx, "A", summary, time.Now())
	if err != nil || res.Channel != "ws" || push.calls != 0 {
		t.Fatalf("expected ws delivery, res=%+v err=%v push=%d", res, err, push.calls)
	}

	ws.err = ErrNoSession
	res, err = f.PushJobOffer(ctx, "A", summary, time.Now())
	if err != nil || res.Channel != "push" || push.calls != 1 {
		t.Fatalf("expected push fallback, res=%+v err=%v", res, err)
	}

	push.err = errors.New("provider down")
	if _, err := f.PushJobOffer(ctx, "A", summary, time.Now()); !errors.Is(err, push.err) {
		t.Fatalf("expected provider error, got %v", err)
	}

	wsOnly := NewFallback(&fakeNotifier{channel: "ws", err: ErrNoSession}, nil)
	if _, err := wsOnly.PushJobOffer(ctx, "A", summary, time.Now()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	res, err := (&LogNotifier{}).PushJobOffer(context.Background(), "A", summary, time.Now())
	if err != nil || !res.Delivered || res.Channel != "log" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}
