package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Predefined common errors.
var (
	// ErrNotFound indicates that no live session exists for a key.
	ErrNotFound = errors.New("session not found")

	// ErrNoOffer indicates an answer was submitted against a key that has
	// no offer. Indistinguishable from "expired" on purpose.
	ErrNoOffer = errors.New("no offer for key")

	// ErrRoomClosed indicates the room instance was reclaimed while the
	// operation was in flight.
	ErrRoomClosed = errors.New("room is closed")
)

// Session is one handshake record: an offer published by one peer and,
// eventually, the answer published by the other. Payloads are opaque;
// they're stored and returned verbatim.
type Session struct {
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	CreatedAt time.Time       `json:"-"`
}

// Room owns one room's session table. All access is funneled through the
// op channel and executed by the run goroutine, so operations on the same
// room are serialized while distinct rooms run in parallel.
type Room struct {
	ID string

	hub      *Hub
	sessions map[string]*Session

	op         chan func()
	disposeSig chan struct{}
	done       chan struct{}
}

// newRoom returns a new instance of Room. The caller must start its
// run() loop on a goroutine.
func newRoom(id string, h *Hub) *Room {
	return &Room{
		ID:         id,
		hub:        h,
		sessions:   make(map[string]*Session),
		op:         make(chan func()),
		disposeSig: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// CreateOffer inserts (or overwrites) the session record for key with a
// fresh offer and no answer, and returns the key used. An empty key gets
// a server-generated random UUID.
func (r *Room) CreateOffer(key string, offer json.RawMessage) (string, error) {
	if key == "" {
		key = uuid.NewString()
	}
	err := r.do(func() {
		r.sessions[key] = &Session{
			Offer:     offer,
			CreatedAt: time.Now(),
		}
	})
	return key, err
}

// SubmitAnswer sets the answer on an existing session. The record must
// exist and hold an offer; otherwise ErrNoOffer. A nil answer is legal.
func (r *Room) SubmitAnswer(key string, answer json.RawMessage) error {
	var opErr error
	if err := r.do(func() {
		s, ok := r.sessions[key]
		if !ok || len(s.Offer) == 0 {
			opErr = ErrNoOffer
			return
		}
		s.Answer = answer
	}); err != nil {
		return err
	}
	return opErr
}

// ReadSession returns a copy of the session for key, or ErrNotFound if
// it doesn't exist or has expired.
func (r *Room) ReadSession(key string) (Session, error) {
	var (
		out   Session
		opErr error
	)
	if err := r.do(func() {
		s, ok := r.sessions[key]
		if !ok {
			opErr = ErrNotFound
			return
		}
		out = *s
	}); err != nil {
		return Session{}, err
	}
	return out, opErr
}

// Dispose signals the room to stop its run loop and remove itself from
// the hub.
func (r *Room) Dispose() {
	select {
	case r.disposeSig <- struct{}{}:
	case <-r.done:
	}
}

// do queues fn on the room's run loop and waits for it to execute.
// Every operation is preceded by an expiry sweep of the session table.
func (r *Room) do(fn func()) error {
	var wg sync.WaitGroup
	wg.Add(1)
	select {
	case r.op <- func() {
		defer wg.Done()
		r.gc(time.Now())
		fn()
	}:
	case <-r.done:
		return ErrRoomClosed
	}
	wg.Wait()
	return nil
}

// gc removes every session older than the TTL. Invoked on the run loop
// at the top of every operation; cost is linear in the table size, which
// stays small for handshake traffic.
func (r *Room) gc(now time.Time) {
	cutoff := now.Add(-r.hub.cfg.SessionTTL)
	for k, s := range r.sessions {
		if s.CreatedAt.IsZero() || s.CreatedAt.Before(cutoff) {
			delete(r.sessions, k)
		}
	}
}

// stopped reports whether the room's run loop has exited.
func (r *Room) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// run is the blocking event loop that executes all of the room's
// operations. The room disposes of itself after RoomTimeout of
// inactivity; the hub then recreates it on the next reference. This
// should be invoked as a goroutine.
func (r *Room) run() {
loop:
	for {
		select {
		case op := <-r.op:
			op()

		case <-r.disposeSig:
			break loop

		case <-time.After(r.hub.cfg.RoomTimeout):
			break loop
		}
	}

	close(r.done)
	r.hub.removeRoom(r)
	r.hub.log.Printf("stopped room: %v", r.ID)
}
