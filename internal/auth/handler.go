package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

// Handler exposes the authentication endpoints. Production mode hides the
// reset token from the forgot-password response.
type Handler struct {
	service    *Service
	production bool
}

func NewHandler(service *Service, production bool) *Handler {
	return &Handler{service: service, production: production}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginTwoFactorRequest struct {
	Email              string `json:"email"`
	Password           string `json:"password"`
	TOTPCode           string `json:"totp_code"`
	TwoFactorSessionID string `json:"two_factor_session_id"`
}

type recoverRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	BackupCode string `json:"backup_code"`
}

type verifyTwoFactorRequest struct {
	TOTPCode string `json:"totp_code"`
}

type disableTwoFactorRequest struct {
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Username = strings.TrimSpace(body.Username)
	if _, err := mail.ParseAddress(body.Email); err != nil {
		writeValidationError(w, "registration failed", []string{"email format is invalid"})
		return
	}
	if !usernameRegex.MatchString(body.Username) {
		writeValidationError(w, "registration failed", []string{"username format is invalid"})
		return
	}

	result, err := h.service.Register(r.Context(), body.Email, body.Username, body.Password)
	if err != nil {
		var policyErr PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeValidationError(w, "password does not meet requirements", policyErr.Violations)
		case errors.Is(err, ErrDuplicateIdentity):
			writeValidationError(w, "registration failed", []string{"email or username already registered"})
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeLoginError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body loginTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.LoginTwoFactor(r.Context(), body.Email, body.Password, body.TOTPCode, body.TwoFactorSessionID)
	if err != nil {
		h.writeLoginError(w, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) RecoverTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body recoverRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.RecoverTwoFactor(r.Context(), body.Email, body.Password, body.BackupCode)
	if err != nil {
		if errors.Is(err, ErrRecoveryLimitExceeded) {
			writeError(w, http.StatusBadRequest, "too many recovery attempts, contact support")
			return
		}
		h.writeLoginError(w, err, "failed to recover")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	secret, otpauthURL, codes, err := h.service.EnableTwoFactor(r.Context(), claims.AccountID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorAlreadyEnabled) {
			writeError(w, http.StatusConflict, "two-factor authentication is already enabled")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to enable two-factor")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"secret":       secret,
		"otpauth_url":  otpauthURL,
		"backup_codes": codes,
	})
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body verifyTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyTwoFactor(r.Context(), claims.AccountID, body.TOTPCode); err != nil {
		switch {
		case errors.Is(err, ErrTwoFactorCodeInvalid), errors.Is(err, ErrTwoFactorNotEnabled):
			writeError(w, http.StatusBadRequest, "invalid two-factor code")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to verify two-factor")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": "two-factor authentication enabled"})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body disableTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), claims.AccountID, body.Password); err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "invalid credentials")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to disable two-factor")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": "two-factor authentication disabled"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.AccountID, body.CurrentPassword, body.NewPassword); err != nil {
		var policyErr PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeValidationError(w, "password does not meet requirements", policyErr.Violations)
		case errors.Is(err, ErrInvalidCredentials):
			writeError(w, http.StatusBadRequest, "invalid credentials")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to change password")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": "password changed"})
}

// ForgotPassword answers 200 with the same body whether or not the email
// belongs to an account.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	token, err := h.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}

	response := map[string]string{
		"detail": "if the email is registered, a reset link has been sent",
	}
	if !h.production && token != "" {
		response["reset_token"] = token
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
		var policyErr PolicyError
		switch {
		case errors.As(err, &policyErr):
			writeValidationError(w, "password does not meet requirements", policyErr.Violations)
		case errors.Is(err, ErrResetTokenInvalid):
			writeError(w, http.StatusBadRequest, "reset token is expired or invalid")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"detail": "password reset"})
}

func (h *Handler) PasswordRequirements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Policy().Requirements())
}

// writeLoginError maps the shared login failure modes. Bad credentials and
// bad codes are indistinguishable 400s; a lockout gets 423 with a countdown.
func (h *Handler) writeLoginError(w http.ResponseWriter, err error, fallback string) {
	var locked ErrAccountLocked
	switch {
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrTwoFactorCodeInvalid),
		errors.Is(err, ErrTwoFactorNotEnabled):
		writeError(w, http.StatusBadRequest, "invalid credentials")
	case errors.As(err, &locked):
		minutes := locked.RetryAfterMinutes(time.Now().UTC())
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		writeJSON(w, http.StatusLocked, map[string]any{
			"detail":              "account temporarily locked",
			"retry_after_minutes": minutes,
		})
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeValidationError(w http.ResponseWriter, message string, errs []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"message": message,
		"errors":  errs,
	})
}
