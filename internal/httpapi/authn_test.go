package httpapi

import (
	"net/http"
	"testing"
)

func TestProtectedPathWithoutCredentials(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestProtectedPathWithGarbageBearer(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil, withBearer("garbage"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if decodeBody(t, rr)["error"] != "Invalid or expired token" {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestProtectedPathWithWrongScheme(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSessionTokenRejectedAsBearer(t *testing.T) {
	f := newAPIFixture(t)
	f.seedUser(t, "u1", "alice@example.com", "correct horse battery")

	// A session token presented in the Authorization header must not
	// authenticate: bearer slots only accept api-kind tokens.
	session := f.sessionCookieFor(t, "u1")
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil, withBearer(session.Value))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestExpiredCookieRejected(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/organizations/t1/users", nil,
		withCookie(&http.Cookie{Name: sessionCookie, Value: "stale"}))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestPublicPathsSkipAuth(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := f.do(t, http.MethodGet, path, nil)
		if rr.Code == http.StatusUnauthorized {
			t.Fatalf("%s should not require credentials", path)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"plain":      {"Bearer abc", "abc", true},
		"lowercase":  {"bearer abc", "abc", true},
		"empty":      {"", "", false},
		"no token":   {"Bearer ", "", false},
		"bad scheme": {"Token abc", "", false},
	}
	for name, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%s: got (%q, %v)", name, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
