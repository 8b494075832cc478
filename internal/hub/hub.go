package hub

import (
	"log"
	"sync"
	"time"
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	SessionTTL     time.Duration `koanf:"session_ttl"`
	RoomTimeout    time.Duration `koanf:"room_timeout"`
	MaxRequestSize int64         `koanf:"max_request_size"`
	Storage        string        `koanf:"storage"`
}

// Hub is the registry of room instances. Rooms are created lazily on
// first reference and remove themselves from the hub when their run
// loop exits.
type Hub struct {
	rooms map[string]*Room

	cfg *Config
	mut sync.RWMutex
	log *log.Logger
}

// NewHub returns a new instance of Hub.
func NewHub(cfg *Config, l *log.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]*Room),

		cfg: cfg,
		log: l,
	}
}

// Room returns the room instance for the given ID, creating and starting
// one if it doesn't exist. A room that has stopped (idle disposal) is
// replaced with a fresh instance.
func (h *Hub) Room(id string) *Room {
	h.mut.RLock()
	r, ok := h.rooms[id]
	h.mut.RUnlock()
	if ok && !r.stopped() {
		return r
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	if r, ok := h.rooms[id]; ok && !r.stopped() {
		return r
	}
	r = newRoom(id, h)
	h.rooms[id] = r
	go r.run()
	return r
}

// ActiveRooms returns the number of rooms currently alive on the hub.
func (h *Hub) ActiveRooms() int {
	h.mut.RLock()
	defer h.mut.RUnlock()
	return len(h.rooms)
}

// removeRoom removes a room from the hub. The room being removed may
// already have been replaced by a newer instance under the same ID.
func (h *Hub) removeRoom(r *Room) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if cur, ok := h.rooms[r.ID]; ok && cur == r {
		delete(h.rooms, r.ID)
	}
}
