package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nes-lab/shepherd-server/internal/domain"
	"github.com/nes-lab/shepherd-server/internal/usecase"
)

type tokenResponse struct {
	AccessToken        string    `json:"access_token"`
	TokenType          string    `json:"token_type"`
	AccessTokenExpires time.Time `json:"access_token_expires"`
}

// Token handles POST /auth/token with a form body (username, password).
func (h *Handlers) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, fmt.Errorf("malformed form body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, r, fmt.Errorf("username and password are required: %w", domain.ErrUnauthorized), nil)
		return
	}
	token, expires, err := h.Users.Login(r.Context(), username, password)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:        token,
		TokenType:          "bearer",
		AccessTokenExpires: expires,
	})
}

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=10"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Register handles POST /user/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Users.Register(r.Context(), req.Email, req.Password, req.FirstName, req.LastName); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "verification mail sent"})
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// Approve handles POST /user/approve (admin only).
func (h *Handlers) Approve(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Users.Approve(r.Context(), req.Email); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approval mail sent"})
}

// Verify handles GET and POST /user/verify/{token}.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.Users.Verify(r.Context(), token); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "account verified"})
}

// ForgotPassword handles POST /user/forgot-password.
func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Users.ForgotPassword(r.Context(), req.Email); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset mail sent if the account exists"})
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=10"`
}

// ResetPassword handles POST /user/reset-password.
func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Users.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

type userResponse struct {
	Email            string     `json:"email"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Role             string     `json:"role"`
	Disabled         bool       `json:"disabled"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActiveAt     time.Time  `json:"last_active_at"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
	QuotaDuration    float64    `json:"quota_duration_s"`
	QuotaStorage     int64      `json:"quota_storage"`
	StorageAvailable int64      `json:"storage_available"`
}

func (h *Handlers) userResponseFrom(u *domain.User) userResponse {
	now := time.Now()
	defaults := domain.Quota{Duration: h.Cfg.QuotaDefaultDuration, Storage: h.Cfg.QuotaDefaultStorage}
	return userResponse{
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Role:             string(u.Role),
		Disabled:         u.Disabled,
		CreatedAt:        u.CreatedAt,
		LastActiveAt:     u.LastActiveAt,
		EmailConfirmedAt: u.EmailConfirmedAt,
		QuotaDuration:    u.QuotaDuration(defaults, now).Seconds(),
		QuotaStorage:     u.QuotaStorage(defaults, now),
		StorageAvailable: u.StorageAvailable,
	}
}

// UserInfo handles GET /user.
func (h *Handlers) UserInfo(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r)
	used, err := h.Experiments.StorageUsed(r.Context(), u.Email)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.userResponseFrom(h.Users.Info(r.Context(), u, used)))
}

type userPatchRequest struct {
	Email     *string `json:"email" validate:"omitempty,email"`
	Password  *string `json:"password" validate:"omitempty,min=10"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

// UserPatch handles PATCH /user.
func (h *Handlers) UserPatch(w http.ResponseWriter, r *http.Request) {
	var req userPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	u, err := h.Users.UpdateProfile(r.Context(), UserFrom(r), usecase.ProfileUpdate{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.userResponseFrom(u))
}

// UserDelete handles DELETE /user: experiments and content first, then the
// account.
func (h *Handlers) UserDelete(w http.ResponseWriter, r *http.Request) {
	u := UserFrom(r)
	if err := h.Experiments.PurgeOwner(r.Context(), u.Email); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := h.UserRepo.Delete(r.Context(), u.Email); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quotaPatchRequest struct {
	Email     string     `json:"email" validate:"required,email"`
	ExpireAt  *time.Time `json:"custom_quota_expire_at"`
	DurationS *float64   `json:"custom_quota_duration_s" validate:"omitempty,gt=0"`
	Storage   *int64     `json:"custom_quota_storage" validate:"omitempty,gt=0"`
}

// QuotaPatch handles PATCH /user/quota (admin only).
func (h *Handlers) QuotaPatch(w http.ResponseWriter, r *http.Request) {
	var req quotaPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	patch := usecase.QuotaUpdate{Email: req.Email, ExpireAt: req.ExpireAt, Storage: req.Storage}
	if req.DurationS != nil {
		d := time.Duration(*req.DurationS * float64(time.Second))
		patch.Duration = &d
	}
	if err := h.Users.UpdateQuota(r.Context(), UserFrom(r), patch); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "quota updated"})
}

type changeStateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Disabled bool   `json:"disabled"`
}

// ChangeState handles POST /user/change_state (admin only).
func (h *Handlers) ChangeState(w http.ResponseWriter, r *http.Request) {
	var req changeStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed body: %w", domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument), nil)
		return
	}
	if err := h.Users.ChangeState(r.Context(), UserFrom(r), req.Email, req.Disabled); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "account state updated"})
}
