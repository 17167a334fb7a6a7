// Balance HTTP handlers.
//
// This file exposes the balance snapshot endpoints:
//   - GET  /balance          (cached snapshot; fetches on cache miss)
//   - POST /balance/refresh  (force an authoritative re-fetch)
//
// The snapshot served here is never computed locally: it is whatever the
// reconciler last copied from the Identity service, with an ETag derived
// from the fetch timestamp so polling clients can cheaply detect "nothing
// changed".
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// GetBalance godoc
// @ID          getBalance
// @Summary     Current balance snapshot
// @Description Serves the cached snapshot, fetching from the Identity
// @Description service only on a cache miss. Supports weak ETag via
// @Description If-None-Match and may return 304.
// @Tags        Balance
// @Produce     json
// @Success     200  {object}  handlers.BalanceView
// @Success     304  {string}  string  "Not Modified"
// @Failure     502  {object}  handlers.ErrorResponse  "Identity service unavailable"
// @Router      /balance [get]
func (h *Handlers) GetBalance(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}

	snap, okCache := h.balances.Get(sess.UserID)
	if !okCache {
		var err error
		snap, err = h.balSvc.Refresh(c.Request.Context(), sess)
		if err != nil {
			h.balanceError(c, err)
			return
		}
	}

	etag := fmt.Sprintf(`W/"balance:%s:%d"`, sess.UserID, snap.FetchedAt.UnixNano())
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, balanceView(snap))
}

// RefreshBalance godoc
// @ID          refreshBalance
// @Summary     Force a balance re-fetch
// @Description Re-fetches the authoritative snapshot and overwrites the
// @Description cache. The manual refresh control in the client calls this.
// @Tags        Balance
// @Produce     json
// @Success     200  {object}  handlers.BalanceView
// @Failure     502  {object}  handlers.ErrorResponse  "Identity service unavailable"
// @Router      /balance/refresh [post]
func (h *Handlers) RefreshBalance(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	snap, err := h.balSvc.Refresh(c.Request.Context(), sess)
	if err != nil {
		h.balanceError(c, err)
		return
	}
	ok(c, http.StatusOK, balanceView(snap))
}

// balanceError maps reconciler failures onto the HTTP surface.
func (h *Handlers) balanceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstream.ErrAuthExpired):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "session expired, sign in again")
	case upstream.IsTransient(err):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, "identity service unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
