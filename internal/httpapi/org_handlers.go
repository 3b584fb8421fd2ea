package httpapi

import (
	"net/http"
	"strings"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/identity"
)

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type createClientRequest struct {
	Name string `json:"name"`
}

type createClientResponse struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// handleOrganizations routes /organizations/{orgID}/... requests.
// Authentication already happened upstream; here the order is tenant
// existence (404) before binding (403), so a caller can never probe
// which tenants exist by watching status codes change.
func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/organizations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	orgID := parts[0]

	role, err := a.svc.Authorize(r.Context(), principal, orgID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "users":
		a.listOrgUsers(w, r, orgID)
	case len(parts) == 2 && parts[1] == "members":
		a.listOrgMembers(w, r, orgID, role)
	case len(parts) == 2 && parts[1] == "invitations":
		a.createOrgInvitation(w, r, orgID, role)
	case len(parts) == 2 && parts[1] == "clients":
		a.createOrgClient(w, r, orgID, role)
	case len(parts) == 3 && parts[1] == "clients":
		a.deleteOrgClient(w, r, orgID, parts[2], role)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func requireAdmin(w http.ResponseWriter, r *http.Request, role string) bool {
	if role != identity.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (a *API) listOrgUsers(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	users, err := a.svc.ListTenantUsers(r.Context(), orgID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) listOrgMembers(w http.ResponseWriter, r *http.Request, orgID, role string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !requireAdmin(w, r, role) {
		return
	}
	members, err := a.svc.ListMemberships(r.Context(), orgID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

func (a *API) createOrgInvitation(w http.ResponseWriter, r *http.Request, orgID, role string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r, role) {
		return
	}

	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	token, err := a.svc.InviteMember(r.Context(), orgID, req.Email, req.Role)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "org.invitation.create", "tenant", orgID, map[string]string{
		"email": identity.NormalizeEmail(req.Email),
		"role":  req.Role,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"token": token})
}

func (a *API) createOrgClient(w http.ResponseWriter, r *http.Request, orgID, role string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !requireAdmin(w, r, role) {
		return
	}

	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	client, secret, err := a.svc.CreateClient(r.Context(), orgID, req.Name)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "org.client.create", "api_client", client.ID, map[string]string{
		"tenant": orgID,
		"name":   client.Name,
	})
	// The secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, createClientResponse{
		ClientID:     client.ID,
		ClientSecret: secret,
	})
}

func (a *API) deleteOrgClient(w http.ResponseWriter, r *http.Request, orgID, clientID, role string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !requireAdmin(w, r, role) {
		return
	}

	if err := a.svc.DeleteClient(r.Context(), orgID, clientID); err != nil {
		handleIdentityError(w, r, err)
		return
	}

	audit.LogEvent(r.Context(), "org.client.delete", "api_client", clientID, map[string]string{
		"tenant": orgID,
	})
	w.WriteHeader(http.StatusNoContent)
}
