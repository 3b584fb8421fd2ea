package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"gatehouse.dev/internal/obs"
)

// orgFixture seeds two tenants, an admin and a viewer in the first,
// and a machine client bound to the first.
func orgFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newAPIFixture(t)
	f.seedTenant(t, "t1", "Acme")
	f.seedTenant(t, "t2", "Globex")
	f.seedUser(t, "admin-1", "admin@acme.test", "correct horse battery")
	f.seedMembership(t, "admin-1", "t1", "admin")
	f.seedUser(t, "viewer-1", "viewer@acme.test", "correct horse battery")
	f.seedMembership(t, "viewer-1", "t1", "viewer")
	f.seedClient(t, "c1", "t1", "s3cret-s3cret")
	return f
}

func TestOrgTenantExistenceBeforeBinding(t *testing.T) {
	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	// Member of t1: allowed.
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil, withCookie(admin))
	if rr.Code != http.StatusOK {
		t.Fatalf("own tenant: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// t2 exists but the caller has no membership: forbidden.
	rr = f.do(t, http.MethodGet, "/organizations/t2/users", nil, withCookie(admin))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign tenant: expected 403, got %d", rr.Code)
	}

	// Unknown tenant: not found, checked after authentication.
	rr = f.do(t, http.MethodGet, "/organizations/t404/users", nil, withCookie(admin))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: expected 404, got %d", rr.Code)
	}
}

func TestOrgMachineTenantBinding(t *testing.T) {
	f := orgFixture(t)

	rr := f.do(t, http.MethodPost, "/token", map[string]string{
		"clientId": "c1", "clientSecret": "s3cret-s3cret",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("token exchange: %d: %s", rr.Code, rr.Body.String())
	}
	access, _ := decodeBody(t, rr)["accessToken"].(string)

	// Machines act as admin inside their own tenant.
	rr = f.do(t, http.MethodGet, "/organizations/t1/members", nil, withBearer(access))
	if rr.Code != http.StatusOK {
		t.Fatalf("own tenant members: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// And are forbidden everywhere else, even read-only routes.
	rr = f.do(t, http.MethodGet, "/organizations/t2/users", nil, withBearer(access))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign tenant: expected 403, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/organizations/t404/users", nil, withBearer(access))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: expected 404, got %d", rr.Code)
	}
}

func TestOrgAdminGating(t *testing.T) {
	f := orgFixture(t)
	viewer := f.sessionCookieFor(t, "viewer-1")

	// Any member may list users.
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil, withCookie(viewer))
	if rr.Code != http.StatusOK {
		t.Fatalf("users: expected 200, got %d", rr.Code)
	}

	// Role-gated routes reject non-admin members.
	rr = f.do(t, http.MethodGet, "/organizations/t1/members", nil, withCookie(viewer))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("members: expected 403, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/organizations/t1/invitations",
		map[string]string{"email": "x@acme.test", "role": "viewer"}, withCookie(viewer))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("invitations: expected 403, got %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/organizations/t1/clients",
		map[string]string{"name": "robot"}, withCookie(viewer))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("clients: expected 403, got %d", rr.Code)
	}
}

func TestOrgInvitationLifecycle(t *testing.T) {
	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	f.seedUser(t, "new-1", "new@acme.test", "correct horse battery")

	rr := f.do(t, http.MethodPost, "/organizations/t1/invitations",
		map[string]string{"email": "new@acme.test", "role": "viewer"}, withCookie(admin))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create invitation: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	inviteToken, _ := decodeBody(t, rr)["token"].(string)
	if inviteToken == "" {
		t.Fatal("expected invitation token")
	}

	// The invited user accepts with their own session.
	invited := f.sessionCookieFor(t, "new-1")
	rr = f.do(t, http.MethodPost, "/invitations/accept",
		map[string]string{"token": inviteToken}, withCookie(invited))
	if rr.Code != http.StatusCreated {
		t.Fatalf("accept: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	membership := decodeBody(t, rr)
	if membership["tenant_id"] != "t1" || membership["role"] != "viewer" {
		t.Fatalf("unexpected membership: %v", membership)
	}

	// The membership is live.
	rr = f.do(t, http.MethodGet, "/organizations/t1/users", nil, withCookie(invited))
	if rr.Code != http.StatusOK {
		t.Fatalf("post-accept access: expected 200, got %d", rr.Code)
	}

	// The token was consumed.
	rr = f.do(t, http.MethodPost, "/invitations/accept",
		map[string]string{"token": inviteToken}, withCookie(invited))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reuse: expected 401, got %d", rr.Code)
	}
}

func TestOrgInvitationWrongUser(t *testing.T) {
	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	rr := f.do(t, http.MethodPost, "/organizations/t1/invitations",
		map[string]string{"email": "someoneelse@acme.test", "role": "viewer"}, withCookie(admin))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create invitation: %d", rr.Code)
	}
	inviteToken, _ := decodeBody(t, rr)["token"].(string)

	// The viewer's address does not match the invitation.
	viewer := f.sessionCookieFor(t, "viewer-1")
	rr = f.do(t, http.MethodPost, "/invitations/accept",
		map[string]string{"token": inviteToken}, withCookie(viewer))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for mismatched invitee, got %d", rr.Code)
	}
}

func TestOrgClientLifecycle(t *testing.T) {
	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	rr := f.do(t, http.MethodPost, "/organizations/t1/clients",
		map[string]string{"name": "reporting"}, withCookie(admin))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create client: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeBody(t, rr)
	clientID, _ := created["clientId"].(string)
	clientSecret, _ := created["clientSecret"].(string)
	if clientID == "" || clientSecret == "" {
		t.Fatal("expected clientId and clientSecret")
	}

	// The returned secret works at the token endpoint.
	rr = f.do(t, http.MethodPost, "/token", map[string]string{
		"clientId": clientID, "clientSecret": clientSecret,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("exchange for new client: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Deleting through the wrong tenant reveals nothing.
	rr = f.do(t, http.MethodDelete, "/organizations/t2/clients/"+clientID, nil, withCookie(admin))
	if rr.Code != http.StatusForbidden {
		// admin-1 has no membership in t2, so the gate fires first
		t.Fatalf("cross-tenant delete: expected 403, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/organizations/t1/clients/"+clientID, nil, withCookie(admin))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	// The deleted client can no longer authenticate.
	rr = f.do(t, http.MethodPost, "/token", map[string]string{
		"clientId": clientID, "clientSecret": clientSecret,
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("post-delete exchange: expected 401, got %d", rr.Code)
	}

	// Deleting an unknown client in the caller's tenant is 404.
	rr = f.do(t, http.MethodDelete, "/organizations/t1/clients/ghost", nil, withCookie(admin))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown client delete: expected 404, got %d", rr.Code)
	}
}

func TestOrgClientCreateAuditCarriesRequestID(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	rr := f.do(t, http.MethodPost, "/organizations/t1/clients",
		map[string]string{"name": "reporting"}, withCookie(admin),
		func(r *http.Request) { r.Header.Set("X-Request-Id", "req-audit-1") })
	if rr.Code != http.StatusCreated {
		t.Fatalf("create client: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var audited map[string]any
	for _, line := range strings.Split(buf.String(), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log not valid JSON: %v: %s", err, line)
		}
		if entry["type"] == "audit" && entry["event"] == "org.client.create" {
			audited = entry
		}
	}
	if audited == nil {
		t.Fatal("expected an org.client.create audit entry")
	}
	if audited["request_id"] != "req-audit-1" {
		t.Fatalf("expected audit request_id req-audit-1, got %v", audited["request_id"])
	}
	if audited["user_id"] != "admin-1" {
		t.Fatalf("expected acting user in audit entry, got %v", audited["user_id"])
	}
}

func TestOrgUnknownSubresource(t *testing.T) {
	f := orgFixture(t)
	admin := f.sessionCookieFor(t, "admin-1")

	rr := f.do(t, http.MethodGet, "/organizations/t1/widgets", nil, withCookie(admin))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
