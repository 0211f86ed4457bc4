package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atendezap/atendezap/internal/security"
)

func TestVerifyHMACAcceptsSignedBody(t *testing.T) {
	ring, err := security.NewKeyRing("webhook-secret-0123456789", "")
	require.NoError(t, err)

	body := `{"event":"messages.upsert"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", strings.NewReader(body))
	req.Header.Set(SignatureHeader, ring.Sign([]byte(body)))
	rec := httptest.NewRecorder()

	var seen string
	VerifyHMAC(ring, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		seen = string(raw)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seen, "body must be restored for the handler")
}

func TestVerifyHMACRejectsBadSignature(t *testing.T) {
	ring, err := security.NewKeyRing("webhook-secret-0123456789", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", strings.NewReader(`{}`))
	req.Header.Set(SignatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()

	called := false
	VerifyHMAC(ring, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestVerifyHMACAcceptsPreviousKeyAfterRotation(t *testing.T) {
	ring, err := security.NewKeyRing("webhook-secret-0123456789", "")
	require.NoError(t, err)

	body := []byte(`{"event":"messages.upsert"}`)
	oldSig := ring.Sign(body)
	require.NoError(t, ring.Rotate("rotated-secret-0123456789"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", strings.NewReader(string(body)))
	req.Header.Set(SignatureHeader, oldSig)
	rec := httptest.NewRecorder()

	VerifyHMAC(ring, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPAllowlist(t *testing.T) {
	mw := IPAllowlist([]string{"10.0.0.0/8"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec = httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIPAllowlistEmptyAdmitsAll(t *testing.T) {
	mw := IPAllowlist(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssueAdminTokenRoundTrip(t *testing.T) {
	token, err := IssueAdminToken("secret", "admin", 0)
	require.NoError(t, err)

	mw := AdminJWT("secret", nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
