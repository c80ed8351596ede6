// Package presence keeps track of which users have live connections.
package presence

import (
	"hash/fnv"
	"slices"

	"github.com/c-pro/geche"
)

const shardCount = 32

type connSet map[string]struct{}

// Registry maps a user id to the set of live connection ids of that user.
// A user is online iff the set is not empty; empty sets are never stored.
// Users are spread over shards so unrelated users do not contend on a lock.
type Registry struct {
	shards [shardCount]*geche.Locker[string, connSet]
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = geche.NewLocker[string, connSet](geche.NewMapCache[string, connSet]())
	}
	return r
}

func shardOf(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % shardCount)
}

// Connect adds the connection to the user's set and reports whether it is the
// user's first live connection.
func (r *Registry) Connect(userID, connID string) bool {
	tx := r.shards[shardOf(userID)].Lock()
	defer tx.Unlock()

	conns, err := tx.Get(userID)
	if err != nil {
		conns = make(connSet)
	}
	first := len(conns) == 0
	conns[connID] = struct{}{}
	tx.Set(userID, conns)
	return first
}

// Disconnect removes the connection and reports whether it was the user's
// last one. Unknown connections are ignored.
func (r *Registry) Disconnect(userID, connID string) bool {
	tx := r.shards[shardOf(userID)].Lock()
	defer tx.Unlock()

	conns, err := tx.Get(userID)
	if err != nil {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}
	_ = tx.Del(userID)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	tx := r.shards[shardOf(userID)].RLock()
	defer tx.Unlock()
	_, err := tx.Get(userID)
	return err == nil
}

// OnlineUserIDs returns the sorted ids of every online user.
func (r *Registry) OnlineUserIDs() []string {
	ids := []string{}
	for _, shard := range r.shards {
		tx := shard.RLock()
		for id := range tx.Snapshot() {
			ids = append(ids, id)
		}
		tx.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// OnlineAmong reports the presence of every given user as of one instant:
// all involved shards are held together, always locked in ascending order.
func (r *Registry) OnlineAmong(userIDs []string) map[string]bool {
	idx := make([]int, 0, len(userIDs))
	for _, id := range userIDs {
		idx = append(idx, shardOf(id))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	txs := make(map[int]*geche.Tx[string, connSet], len(idx))
	for _, i := range idx {
		txs[i] = r.shards[i].RLock()
	}
	defer func() {
		for _, tx := range txs {
			tx.Unlock()
		}
	}()

	online := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		_, err := txs[shardOf(id)].Get(id)
		online[id] = err == nil
	}
	return online
}
