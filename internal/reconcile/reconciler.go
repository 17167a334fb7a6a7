// Package reconcile implements the balance reconciler: the single writer of
// the balance snapshot cache. A balance is only ever replaced by a fresh
// authoritative fetch from the Identity service, never advanced by local
// subtraction, because other activity (other devices, admin adjustments) can
// change it concurrently.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-tuition-backend/internal/balance"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// ProfileFetcher is the slice of the Identity client the reconciler uses.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, token string) (upstream.Profile, error)
}

// Reconciler refreshes balance snapshots from the authoritative source.
// Safe for concurrent use.
type Reconciler struct {
	identity ProfileFetcher
	cache    *balance.Cache
	now      func() time.Time
	log      zerolog.Logger
}

// New wires a Reconciler around the Identity client and the snapshot cache.
func New(identity ProfileFetcher, cache *balance.Cache, log zerolog.Logger) *Reconciler {
	return &Reconciler{identity: identity, cache: cache, now: time.Now, log: log}
}

// SetClock overrides the time source (tests).
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Refresh fetches the authoritative profile and overwrites the cached
// snapshot. The write is full-replacement; an older concurrent refresh loses
// by fetch timestamp inside the cache.
func (r *Reconciler) Refresh(ctx context.Context, sess domain.Session) (domain.BalanceSnapshot, error) {
	p, err := r.identity.GetProfile(ctx, sess.Token)
	if err != nil {
		return domain.BalanceSnapshot{}, err
	}
	snap := p.Snapshot(r.now())
	if !r.cache.Put(snap) {
		// A newer snapshot already landed; return ours anyway, the cache
		// keeps the freshest.
		r.log.Debug().Str("user_id", sess.UserID).Msg("stale refresh dropped by cache")
	}
	return snap, nil
}
