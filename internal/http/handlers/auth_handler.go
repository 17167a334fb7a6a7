// Authentication HTTP handlers.
//
// This file exposes the session endpoints:
//   - POST /auth/login   (exchange credentials for a gateway token)
//   - POST /auth/logout  (tear the session down)
//
// Login is the only unauthenticated endpoint of the API. Its response
// carries the signed gateway token plus the initial balance snapshot so the
// client can render its dashboard without a second round trip.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/services"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

//
// DTOs
//

// LoginRequest is the JSON payload for authenticating a user.
type LoginRequest struct {
	Username string `json:"username" binding:"required,min=1" example:"student1"`
	Password string `json:"password" binding:"required,min=1" example:"password123"`
}

// LoginResponse carries the gateway token and the initial balance snapshot.
type LoginResponse struct {
	Token string      `json:"token"`
	User  BalanceView `json:"user"`
}

// BalanceView is the client-facing projection of a balance snapshot,
// including the locale-formatted display amount.
type BalanceView struct {
	domain.BalanceSnapshot
	BalanceDisplay string `json:"balance_display"`
}

// balanceView projects a snapshot for the client.
func balanceView(s domain.BalanceSnapshot) BalanceView {
	return BalanceView{BalanceSnapshot: s, BalanceDisplay: utils.FormatVND(s.AvailableBalance)}
}

//
// Handlers
//

// Login godoc
// @ID          login
// @Summary     Authenticate and open a session
// @Description Exchanges credentials for a signed gateway token and returns
// @Description the initial balance snapshot.
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.LoginRequest  true  "Credentials"
// @Success     200  {object}  handlers.LoginResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid credentials"
// @Failure     502  {object}  handlers.ErrorResponse  "Identity service unavailable"
// @Router      /auth/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil ||
		strings.TrimSpace(req.Username) == "" || req.Password == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "username and password required")
		return
	}

	_, snap, token, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrBadCredentials), errors.Is(err, services.ErrEmptyCredentials):
			fail(c, http.StatusUnauthorized, ErrCodeLoginFailed, "invalid username or password")
		case upstream.IsTransient(err):
			fail(c, http.StatusBadGateway, ErrCodeUpstream, "identity service unavailable")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, LoginResponse{Token: token, User: balanceView(snap)})
}

// Logout godoc
// @ID          logout
// @Summary     End the session
// @Tags        Auth
// @Success     204  {string}  string  "No Content"
// @Failure     401  {object}  handlers.ErrorResponse  "Not authenticated"
// @Router      /auth/logout [post]
func (h *Handlers) Logout(c *gin.Context) {
	sess, authed := session(c)
	if !authed {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	h.authSvc.Logout(c.Request.Context(), sess)
	noContent(c)
}
