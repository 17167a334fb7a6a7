// Background polling refresh. While a user has recently been active, their
// snapshot is re-fetched on a fixed interval so dashboard surfaces stay
// close to authoritative without manual refreshes. A poll can never clobber
// a just-completed reconcile: the cache orders writes by fetch timestamp.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// SessionRegistry tracks recently active sessions for the poller. Sessions
// are touched on every authenticated request and dropped at logout or after
// an idle TTL.
type SessionRegistry struct {
	mu     sync.Mutex
	byUser map[string]registryEntry
}

type registryEntry struct {
	sess     domain.Session
	lastSeen time.Time
}

// NewSessionRegistry returns an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byUser: make(map[string]registryEntry)}
}

// Touch records activity for the session.
func (r *SessionRegistry) Touch(sess domain.Session) {
	r.mu.Lock()
	r.byUser[sess.UserID] = registryEntry{sess: sess, lastSeen: time.Now()}
	r.mu.Unlock()
}

// Drop removes the user's session (logout).
func (r *SessionRegistry) Drop(userID string) {
	r.mu.Lock()
	delete(r.byUser, userID)
	r.mu.Unlock()
}

// Active returns sessions seen within maxIdle, pruning the rest.
func (r *SessionRegistry) Active(maxIdle time.Duration) []domain.Session {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, 0, len(r.byUser))
	for id, e := range r.byUser {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(r.byUser, id)
			continue
		}
		out = append(out, e.sess)
	}
	return out
}

// Poll refreshes every active session's snapshot on the given interval until
// ctx is canceled. Individual failures are logged and skipped; a dead
// Identity service must not take the poller down.
func (r *Reconciler) Poll(ctx context.Context, reg *SessionRegistry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, sess := range reg.Active(10 * interval) {
				if _, err := r.Refresh(ctx, sess); err != nil {
					r.log.Debug().Str("user_id", sess.UserID).Err(err).Msg("poll refresh failed")
				}
			}
		}
	}
}
