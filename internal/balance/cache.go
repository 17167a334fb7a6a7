// Package balance implements the balance snapshot cache: the last known
// authoritative profile and balance per user, read by multiple surfaces
// (dashboard, payment form) and written only by the reconciler.
//
// Readers never mutate in place; writers replace the whole snapshot.
// Concurrent refreshes are ordered by fetch timestamp (last-write-wins),
// which is safe because every value is a full authoritative snapshot, never
// a delta.
package balance

import (
	"sync"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// Cache holds one snapshot per user. Safe for concurrent use.
type Cache struct {
	mu   sync.RWMutex
	byID map[string]domain.BalanceSnapshot
}

// NewCache returns an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{byID: make(map[string]domain.BalanceSnapshot)}
}

// Get returns a copy of the user's snapshot. The second return value is
// false when no snapshot exists (not logged in, or evicted at logout).
func (c *Cache) Get(userID string) (domain.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[userID]
	return s, ok
}

// Put stores a snapshot, unless a strictly newer one (by FetchedAt) is
// already present. Returns true when the snapshot was stored. A background
// poll that raced behind a just-completed reconcile is dropped here.
func (c *Cache) Put(s domain.BalanceSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.byID[s.UserID]; ok && prev.FetchedAt.After(s.FetchedAt) {
		return false
	}
	c.byID[s.UserID] = s
	return true
}

// Drop removes the user's snapshot (logout teardown).
func (c *Cache) Drop(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, userID)
}

// Len reports the number of cached snapshots. Used by metrics and tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
