package chat

import (
	"hash/fnv"
	"sync"

	"parley/internal/models"
)

const bucketCount = 64

type roomLock struct {
	mu   sync.Mutex
	refs int
}

type bucket struct {
	mu    sync.RWMutex
	rooms map[RoomKey]*Room
	locks map[RoomKey]*roomLock
}

// Router holds room membership. Rooms are spread over buckets by key, each
// with its own lock, so traffic in unrelated rooms does not serialize.
type Router struct {
	buckets [bucketCount]*bucket
}

func NewRouter() *Router {
	r := &Router{}
	for i := range r.buckets {
		r.buckets[i] = &bucket{
			rooms: make(map[RoomKey]*Room),
			locks: make(map[RoomKey]*roomLock),
		}
	}
	return r
}

func (r *Router) bucket(key RoomKey) *bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return r.buckets[h.Sum32()%bucketCount]
}

// Join subscribes s to the room and reports whether it was not subscribed yet.
func (r *Router) Join(key RoomKey, s Subscriber) bool {
	b := r.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[key]
	if !ok {
		room = newRoom(key)
		b.rooms[key] = room
	}
	return room.add(s)
}

// Leave unsubscribes the subscriber. A room left without subscribers is dropped.
func (r *Router) Leave(key RoomKey, subscriberID string) bool {
	b := r.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.rooms[key]
	if !ok {
		return false
	}
	removed := room.remove(subscriberID)
	if len(room.subscribers) == 0 {
		delete(b.rooms, key)
	}
	return removed
}

// LeaveAll removes the subscriber from every room it joined and returns the
// rooms it left.
func (r *Router) LeaveAll(subscriberID string) []RoomKey {
	var left []RoomKey
	for _, b := range r.buckets {
		b.mu.Lock()
		for key, room := range b.rooms {
			if !room.remove(subscriberID) {
				continue
			}
			left = append(left, key)
			if len(room.subscribers) == 0 {
				delete(b.rooms, key)
			}
		}
		b.mu.Unlock()
	}
	return left
}

func (r *Router) IsSubscribed(key RoomKey, subscriberID string) bool {
	b := r.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()

	room, ok := b.rooms[key]
	return ok && room.has(subscriberID)
}

func (r *Router) subscriberCount(key RoomKey) int {
	b := r.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()

	if room, ok := b.rooms[key]; ok {
		return len(room.subscribers)
	}
	return 0
}

// Broadcast hands the event to every subscriber of the room except the one
// with id except, and returns how many accepted it.
func (r *Router) Broadcast(key RoomKey, event models.ServerEvent, except string) int {
	b := r.bucket(key)
	b.mu.RLock()
	room, ok := b.rooms[key]
	var subs []Subscriber
	if ok {
		subs = room.snapshot(except)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if s.Deliver(event) {
			delivered++
		}
	}
	return delivered
}

// Lock takes the send lock of the room and returns its release function.
// Sends into one room are serialized while different rooms proceed in parallel.
func (r *Router) Lock(key RoomKey) func() {
	b := r.bucket(key)
	b.mu.Lock()
	l, ok := b.locks[key]
	if !ok {
		l = &roomLock{}
		b.locks[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}
