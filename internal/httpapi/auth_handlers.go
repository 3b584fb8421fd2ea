package httpapi

import (
	"net/http"
	"strings"

	"gatehouse.dev/internal/identity"
	"gatehouse.dev/internal/obs"
)

// maxTokenLength bounds raw token inputs before any parsing happens.
const maxTokenLength = 4096

type tokenRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type actionTokenRequest struct {
	Token string `json:"token"`
}

type passwordResetRequestBody struct {
	Email string `json:"email"`
}

type passwordResetConfirmBody struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func pairResponse(pair identity.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	}
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" || req.ClientSecret == "" {
		writeError(w, r, http.StatusBadRequest, "clientId and clientSecret are required")
		return
	}

	// Keyed by caller, not by the submitted clientId: varying the id must
	// not grant a fresh budget.
	if !a.allow(w, r, "token", clientIP(r)) {
		return
	}

	pair, err := a.svc.ClientCredentialExchange(r.Context(), clientID, req.ClientSecret)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	obs.RecordTokenIssued("client_credentials")
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" || len(raw) > maxTokenLength {
		writeError(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}

	if !a.allow(w, r, "refresh", clientIP(r)) {
		return
	}

	pair, err := a.svc.Rotate(r.Context(), raw)
	if err != nil {
		obs.RecordRotation("failure")
		handleIdentityError(w, r, err)
		return
	}

	obs.RecordRotation("success")
	writeJSON(w, http.StatusOK, pairResponse(pair))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	if !a.allow(w, r, "login", clientIP(r)) {
		return
	}

	user, err := a.svc.PasswordLogin(r.Context(), email, req.Password)
	if err != nil {
		obs.RecordLogin("failure")
		handleIdentityError(w, r, err)
		return
	}

	raw, _, err := a.svc.SessionToken(user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	obs.RecordLogin("success")
	obs.RecordTokenIssued("session")
	a.setSessionCookie(w, raw, int(a.svc.AccessTTL().Seconds()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.svc.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
	})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req actionTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" || len(raw) > maxTokenLength {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	if err := a.svc.VerifyEmail(r.Context(), raw); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req passwordResetRequestBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	if !a.allow(w, r, "password_reset", clientIP(r)) {
		return
	}

	// The response never reveals whether the address is registered.
	if err := a.svc.RequestPasswordReset(r.Context(), email); err != nil {
		obs.Warn("password reset request failed", map[string]any{"error": err.Error()})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req passwordResetConfirmBody
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" || len(raw) > maxTokenLength {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	if err := a.svc.ConfirmPasswordReset(r.Context(), raw, req.Password); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInvitationAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if principal.IsMachine() {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	var req actionTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	raw := strings.TrimSpace(req.Token)
	if raw == "" || len(raw) > maxTokenLength {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	if !a.allow(w, r, "invite_accept", principal.UserID) {
		return
	}

	membership, err := a.svc.AcceptInvitation(r.Context(), principal.UserID, raw)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}
