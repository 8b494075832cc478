package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func newTestHub(t *testing.T, cfg *Config) *Hub {
	t.Helper()
	if cfg == nil {
		cfg = &Config{
			SessionTTL:  600 * time.Second,
			RoomTimeout: time.Hour,
		}
	}
	return NewHub(cfg, log.New(io.Discard, "", 0))
}

// backdate rewrites a session's creation time on the room's own loop so
// expiry can be tested without sleeping through a real TTL.
func backdate(t *testing.T, r *Room, key string, createdAt time.Time) {
	t.Helper()
	if err := r.do(func() {
		s, ok := r.sessions[key]
		if !ok {
			t.Errorf("no session %q to backdate", key)
			return
		}
		s.CreatedAt = createdAt
	}); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestCreateOfferGeneratesKey(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	k1, err := r.CreateOffer("", json.RawMessage(`{"sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if k1 == "" {
		t.Fatal("expected a generated key")
	}
	k2, err := r.CreateOffer("", json.RawMessage(`{"sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("generated keys must differ, got %q twice", k1)
	}

	k3, err := r.CreateOffer("mine", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if k3 != "mine" {
		t.Fatalf("caller-supplied key not honored, got %q", k3)
	}
}

func TestRoundTrip(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	offer := json.RawMessage(`{"sdp":"offer"}`)
	answer := json.RawMessage(`{"sdp":"answer"}`)

	key, err := r.CreateOffer("", offer)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	sess, err := r.ReadSession(key)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if string(sess.Offer) != string(offer) {
		t.Fatalf("offer = %s, want %s", sess.Offer, offer)
	}
	if sess.Answer != nil {
		t.Fatalf("answer should be absent before submission, got %s", sess.Answer)
	}

	if err := r.SubmitAnswer(key, answer); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	sess, err = r.ReadSession(key)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if string(sess.Offer) != string(offer) || string(sess.Answer) != string(answer) {
		t.Fatalf("got offer=%s answer=%s", sess.Offer, sess.Answer)
	}
}

func TestOverwriteResetsAnswer(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	key, err := r.CreateOffer("k", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := r.SubmitAnswer(key, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}

	if _, err := r.CreateOffer("k", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("CreateOffer overwrite: %v", err)
	}
	sess, err := r.ReadSession("k")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if string(sess.Offer) != `{"v":2}` {
		t.Fatalf("offer not replaced, got %s", sess.Offer)
	}
	if sess.Answer != nil {
		t.Fatalf("answer should be reset on overwrite, got %s", sess.Answer)
	}
}

func TestAnswerWithoutOffer(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	if err := r.SubmitAnswer("ghost", json.RawMessage(`{}`)); err != ErrNoOffer {
		t.Fatalf("err = %v, want ErrNoOffer", err)
	}
	// The failed submission must not have created a record.
	if _, err := r.ReadSession("ghost"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReadUnknownKey(t *testing.T) {
	r := newTestHub(t, nil).Room("a")
	if _, err := r.ReadSession("nope"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNilAnswerTolerated(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	key, err := r.CreateOffer("", json.RawMessage(`{"sdp":"v=0"}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := r.SubmitAnswer(key, nil); err != nil {
		t.Fatalf("SubmitAnswer(nil): %v", err)
	}
	sess, err := r.ReadSession(key)
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if sess.Answer != nil {
		t.Fatalf("answer = %s, want nil", sess.Answer)
	}
}

func TestSessionTTLExpiry(t *testing.T) {
	ttl := 600 * time.Second
	h := newTestHub(t, &Config{SessionTTL: ttl, RoomTimeout: time.Hour})
	r := h.Room("a")

	key, err := r.CreateOffer("", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	// Just inside the TTL: still retrievable.
	backdate(t, r, key, time.Now().Add(-ttl+time.Second))
	if _, err := r.ReadSession(key); err != nil {
		t.Fatalf("session expired too early: %v", err)
	}

	// Just past the TTL: swept on the next access.
	backdate(t, r, key, time.Now().Add(-ttl-time.Second))
	if _, err := r.ReadSession(key); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound past TTL", err)
	}
}

func TestExpiredOfferRejectsAnswer(t *testing.T) {
	ttl := 600 * time.Second
	h := newTestHub(t, &Config{SessionTTL: ttl, RoomTimeout: time.Hour})
	r := h.Room("a")

	key, err := r.CreateOffer("", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	backdate(t, r, key, time.Now().Add(-ttl-time.Second))
	if err := r.SubmitAnswer(key, json.RawMessage(`{}`)); err != ErrNoOffer {
		t.Fatalf("err = %v, want ErrNoOffer on expired session", err)
	}
}

func TestRoomIsolation(t *testing.T) {
	h := newTestHub(t, nil)
	alpha, beta := h.Room("alpha"), h.Room("beta")

	if _, err := alpha.CreateOffer("shared", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := beta.ReadSession("shared"); err != ErrNotFound {
		t.Fatalf("key leaked across rooms: err = %v, want ErrNotFound", err)
	}
}

func TestRoomReclaimAfterIdle(t *testing.T) {
	h := newTestHub(t, &Config{SessionTTL: 600 * time.Second, RoomTimeout: 30 * time.Millisecond})
	r := h.Room("a")
	if _, err := r.CreateOffer("k", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ActiveRooms() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room was not reclaimed after idle timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The next reference gets a fresh, empty instance.
	if _, err := h.Room("a").ReadSession("k"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound in recreated room", err)
	}
}

func TestOpsOnDisposedRoom(t *testing.T) {
	h := newTestHub(t, nil)
	r := h.Room("a")
	r.Dispose()

	deadline := time.Now().Add(2 * time.Second)
	for !r.stopped() {
		if time.Now().After(deadline) {
			t.Fatal("room did not stop after Dispose")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.CreateOffer("", json.RawMessage(`{}`)); err != ErrRoomClosed {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}
	if err := r.SubmitAnswer("k", nil); err != ErrRoomClosed {
		t.Fatalf("err = %v, want ErrRoomClosed", err)
	}

	// The hub hands out a live replacement.
	if _, err := h.Room("a").CreateOffer("", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CreateOffer on recreated room: %v", err)
	}
}

func TestConcurrentSameRoom(t *testing.T) {
	r := newTestHub(t, nil).Room("a")

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if _, err := r.CreateOffer(key, json.RawMessage(`{}`)); err != nil {
				t.Errorf("CreateOffer %q: %v", key, err)
				return
			}
			if err := r.SubmitAnswer(key, json.RawMessage(`{"i":1}`)); err != nil {
				t.Errorf("SubmitAnswer %q: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		sess, err := r.ReadSession(key)
		if err != nil {
			t.Fatalf("ReadSession %q: %v", key, err)
		}
		if sess.Answer == nil {
			t.Fatalf("session %q lost its answer", key)
		}
	}
}
