package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/services"
	"github.com/tbourn/go-tuition-backend/internal/upstream"
)

// login posts directly without the Authorization header the authed helper adds.
func (f *handlerFixture) login(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	f := newHandlerFixture(t)
	f.auth.sess = domain.Session{UserID: "u1", Email: "a@b.vn", Token: "up-tok"}
	f.auth.snap = domain.BalanceSnapshot{
		UserID:           "u1",
		DisplayName:      "Nguyen Van A",
		AvailableBalance: 10000000,
		FetchedAt:        time.Now().UTC(),
	}
	f.auth.token = "gw-token"

	w := f.login(t, `{"username":"student1","password":"password123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "gw-token" {
		t.Fatalf("token = %q", resp.Token)
	}
	if resp.User.AvailableBalance != 10000000 || resp.User.BalanceDisplay != "10.000.000 ₫" {
		t.Fatalf("user view = %+v", resp.User)
	}
}

func TestLogin_BadBody(t *testing.T) {
	f := newHandlerFixture(t)
	for _, body := range []string{
		``,
		`{}`,
		`{"username":"student1"}`,
		`{"username":"  ","password":"x"}`,
		`{"username":"student1","password":""}`,
	} {
		w := f.login(t, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status %d; want 400", body, w.Code)
		}
	}
}

func TestLogin_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"bad credentials", services.ErrBadCredentials, http.StatusUnauthorized, ErrCodeLoginFailed},
		{"empty credentials", services.ErrEmptyCredentials, http.StatusUnauthorized, ErrCodeLoginFailed},
		{"identity down", &upstream.TransientError{Service: "identity", Err: errors.New("connect refused")}, http.StatusBadGateway, ErrCodeUpstream},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.auth.err = tc.err

			w := f.login(t, `{"username":"student1","password":"pw"}`)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d; want %d", w.Code, tc.wantStatus)
			}
			if env := decodeError(t, w); env.Code != tc.wantCode {
				t.Fatalf("code = %q; want %q", env.Code, tc.wantCode)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.do(t, http.MethodPost, "/auth/logout", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if f.auth.logouts != 1 {
		t.Fatalf("logouts = %d", f.auth.logouts)
	}
}
