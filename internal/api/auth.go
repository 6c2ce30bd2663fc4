package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/cache"
	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/store"
)

// SettingSignupEnabled is the settings key gating self-service signup.
const SettingSignupEnabled = "signup.enabled"

// signupCacheTTL keeps the signup flag out of the database hot path; the
// landing page polls the status endpoint on every load.
const signupCacheTTL = 5 * time.Second

// AuthHandler serves the public signup surface. Credential handling lives
// in the gateway upstream; this handler only manages the account rows the
// rest of the system scopes by.
type AuthHandler struct {
	users    store.UserStore
	settings store.SettingStore
	signup   *cache.TTL[string, bool]
	logger   *zap.Logger
}

// NewAuthHandler builds the handler with a fresh signup-status cache.
func NewAuthHandler(users store.UserStore, settings store.SettingStore, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		users:    users,
		settings: settings,
		signup:   cache.NewTTL[string, bool](signupCacheTTL),
		logger:   logger.Named("api.auth"),
	}
}

// signupEnabled reads the flag through the TTL cache. An unset key means
// signup is disabled.
func (h *AuthHandler) signupEnabled(r *http.Request) (bool, error) {
	return h.signup.GetOrLoad(SettingSignupEnabled, func() (bool, error) {
		value, err := h.settings.Get(r.Context(), SettingSignupEnabled)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return value == "true", nil
	})
}

// SignupStatus handles GET /api/auth/signup-status.
func (h *AuthHandler) SignupStatus(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.signupEnabled(r)
	if err != nil {
		h.logger.Error("signup status lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"enabled": enabled})
}

// signupRequest is the body of POST /api/auth/signup.
type signupRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// Signup handles POST /api/auth/signup. Rejected with 403 while the signup
// flag is off.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.signupEnabled(r)
	if err != nil {
		h.logger.Error("signup status lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if !enabled {
		errJSON(w, http.StatusForbidden, "signup is disabled", "signup_disabled")
		return
	}

	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		ErrBadRequest(w, "a valid email is required")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = req.Email
	}

	user := &db.User{
		Email:       req.Email,
		DisplayName: strings.TrimSpace(req.DisplayName),
		IsActive:    true,
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		// The email column is unique; surface duplicates as a conflict.
		ErrConflict(w, "an account with this email already exists")
		return
	}

	JSON(w, http.StatusCreated, envelope{"data": map[string]any{
		"id":    user.ID,
		"email": user.Email,
	}})
}
