package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/auth"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Field limits for account input.
const (
	minPasswordLen = 6
	minUsernameLen = 3
	minCountryLen  = 2
)

// RegisterRequest is the request body for POST /api/auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	FullName    string `json:"fullName,omitempty"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// RegisterResponse is the response for POST /api/auth/register.
type RegisterResponse struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// LoginRequest is the request body for POST /api/auth/login.
// Role, when set, must match the account's role.
type LoginRequest struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role,omitempty"`
}

// LoginResponse is the response for POST /api/auth/login.
// Token may be sent as a Bearer credential instead of the cookie.
type LoginResponse struct {
	Message string       `json:"message"`
	Token   string       `json:"token"`
	User    *domain.User `json:"user"`
}

// ProfileRequest is the request body for PATCH /api/auth/profile.
// Nil fields are left unchanged.
type ProfileRequest struct {
	Username        *string `json:"username,omitempty"`
	FullName        *string `json:"fullName,omitempty"`
	Country         *string `json:"country,omitempty"`
	PhoneNumber     *string `json:"phoneNumber,omitempty"`
	CurrentPassword *string `json:"currentPassword,omitempty"`
	NewPassword     *string `json:"newPassword,omitempty"`
}

// NormalizeEmail validates a bare address and lowercases it.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errors.New("invalid email address")
	}
	return strings.ToLower(email), nil
}

func (req *RegisterRequest) validate() error {
	if len(req.Password) < minPasswordLen {
		return errors.New("password must be at least 6 characters")
	}
	if len(strings.TrimSpace(req.Username)) < minUsernameLen {
		return errors.New("username must be at least 3 characters")
	}
	if len(strings.TrimSpace(req.Country)) < minCountryLen {
		return errors.New("country is required")
	}
	return nil
}

// Register handles POST /api/auth/register requests.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(w, r, "registration failed", err)
		return
	}

	now := h.now().UTC()
	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Username:     strings.TrimSpace(req.Username),
		FullName:     strings.TrimSpace(req.FullName),
		Country:      strings.TrimSpace(req.Country),
		PhoneNumber:  strings.TrimSpace(req.PhoneNumber),
		Role:         domain.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusBadRequest, "user with this email already exists")
			return
		}
		internalError(w, r, "registration failed", err)
		return
	}

	slog.Info("user registered",
		"user_id", user.ID,
		"country", user.Country,
	)

	writeJSON(w, http.StatusCreated, RegisterResponse{
		Message: "User created successfully",
		UserID:  user.ID,
	})
}

// Login handles POST /api/auth/login requests.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}
	if req.Role != "" && req.Role != domain.RoleUser && req.Role != domain.RoleAdmin {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	if err := h.throttle.Check(ctx, email); err != nil {
		if errors.Is(err, auth.ErrTooManyAttempts) {
			slog.Warn("login throttled", "email", email)
			writeError(w, http.StatusTooManyRequests, "too many failed login attempts, try again later")
			return
		}
		internalError(w, r, "login failed", err)
		return
	}

	user, err := h.repo.GetUserByEmail(ctx, email)
	if err == nil {
		err = auth.CheckPassword(user.PasswordHash, req.Password)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, auth.ErrInvalidCredentials) {
			if n, ferr := h.throttle.Fail(ctx, email); ferr != nil {
				slog.Warn("failed to record login failure", "error", ferr)
			} else {
				slog.Info("login failed", "email", email, "attempts", n)
			}
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		internalError(w, r, "login failed", err)
		return
	}

	if req.Role != "" && user.Role != req.Role {
		writeError(w, http.StatusForbidden, "you don't have "+string(req.Role)+" access")
		return
	}

	if err := h.throttle.Reset(ctx, email); err != nil {
		slog.Warn("failed to reset login failures", "error", err)
	}

	sess, err := h.sessions.Create(ctx, user)
	if err != nil {
		internalError(w, r, "login failed", err)
		return
	}

	http.SetCookie(w, h.sessionCookie(sess.Token, int(h.sessions.TTL().Seconds())))

	slog.Info("user logged in",
		"user_id", user.ID,
		"role", user.Role,
	)

	writeJSON(w, http.StatusOK, LoginResponse{
		Message: "Login successful",
		Token:   sess.Token,
		User:    user,
	})
}

// Logout handles POST /api/auth/logout requests.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := h.sessions.Destroy(r.Context(), p.Token); err != nil {
		internalError(w, r, "logout failed", err)
		return
	}

	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// Me handles GET /api/auth/me requests.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, err := h.repo.GetUser(r.Context(), principal(r).UserID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		internalError(w, r, "failed to fetch user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateProfile handles PATCH /api/auth/profile requests.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	user, err := h.repo.GetUser(ctx, principal(r).UserID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		internalError(w, r, "profile update failed", err)
		return
	}

	if req.Username != nil {
		if len(strings.TrimSpace(*req.Username)) < minUsernameLen {
			writeError(w, http.StatusBadRequest, "username must be at least 3 characters")
			return
		}
		user.Username = strings.TrimSpace(*req.Username)
	}
	if req.Country != nil {
		if len(strings.TrimSpace(*req.Country)) < minCountryLen {
			writeError(w, http.StatusBadRequest, "country is required")
			return
		}
		user.Country = strings.TrimSpace(*req.Country)
	}
	if req.FullName != nil {
		user.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.PhoneNumber != nil {
		user.PhoneNumber = strings.TrimSpace(*req.PhoneNumber)
	}

	if req.NewPassword != nil {
		if len(*req.NewPassword) < minPasswordLen {
			writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
			return
		}
		if req.CurrentPassword == nil {
			writeError(w, http.StatusBadRequest, "currentPassword is required to change the password")
			return
		}
		if err := auth.CheckPassword(user.PasswordHash, *req.CurrentPassword); err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "current password is incorrect")
				return
			}
			internalError(w, r, "profile update failed", err)
			return
		}
		hash, err := auth.HashPassword(*req.NewPassword)
		if err != nil {
			internalError(w, r, "profile update failed", err)
			return
		}
		user.PasswordHash = hash
	}

	user.UpdatedAt = h.now().UTC()
	if err := h.repo.UpdateUser(ctx, user); err != nil {
		internalError(w, r, "profile update failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile updated successfully"})
}

func (h *Handler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.session.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.session.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}
