package router

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/internal/http/handlers"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/internal/upsell"
)

type fakeProcessor struct{ phones []string }

func (f *fakeProcessor) ProcessMessage(_ context.Context, _, phone, _ string, _ conversation.UserInfo) (*conversation.Response, error) {
	f.phones = append(f.phones, phone)
	return &conversation.Response{Action: conversation.ActionReply}, nil
}

type fakeSyncer struct{ calls int }

func (f *fakeSyncer) TriggerFullSync(_ context.Context, _, _ string) (*catalog.SyncResult, error) {
	f.calls++
	return &catalog.SyncResult{Tenant: "salao-1", ItemsSynced: 3}, nil
}

type nullMessenger struct{}

func (nullMessenger) SendText(context.Context, string, string) error { return nil }

type nullRecommender struct{}

func (nullRecommender) RecommendedAddon(context.Context, string, int64) (*catalog.Addon, error) {
	return nil, nil
}

type nullAppender struct{}

func (nullAppender) AppendServiceToAppointment(context.Context, int64, int64) error { return nil }

type env struct {
	handler http.Handler
	ring    *security.KeyRing
	proc    *fakeProcessor
	syncer  *fakeSyncer
	mock    sqlmock.Sqlmock
	db      *sql.DB
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ring, err := security.NewKeyRing("webhook-secret-0123456789", "")
	require.NoError(t, err)

	sessions := conversation.NewSessionStore(client, nil, time.Hour, nil)
	handoff := conversation.NewHandoffStore(client, time.Hour, nil)
	scheduler := upsell.NewScheduler(upsell.DefaultConfig(), upsell.NewStore(db, nil),
		nullRecommender{}, nullAppender{}, nullMessenger{}, nil, nil)

	e := &env{ring: ring, proc: &fakeProcessor{}, syncer: &fakeSyncer{}, mock: mock, db: db}

	admin := handlers.NewAdminHandlers(handlers.AdminConfig{
		Username:  "admin",
		Password:  "sup3rsecret",
		JWTSecret: "jwt-signing-secret",
		Tenant:    "salao-1",
	}, sessions, handoff, e.syncer, ring, scheduler, nil)

	webhook := handlers.NewWebhookHandler(e.proc, conversation.NewDeduper(client, time.Minute, nil), nil, "salao-1", nil, nil)

	e.handler = New(&Config{
		Webhook:        webhook,
		Admin:          admin,
		Health:         handlers.NewHealthHandlers(nil, client),
		KeyRing:        ring,
		RateLimiter:    security.NewRateLimiter(client, security.DefaultRateLimitConfig(), nil),
		AdminJWTSecret: "jwt-signing-secret",
	})
	return e
}

func (e *env) login(t *testing.T) string {
	t.Helper()
	body := `{"username": "admin", "password": "sup3rsecret"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func TestWebhookRequiresSignature(t *testing.T) {
	e := newEnv(t)

	body := `{"event":"messages.upsert","data":{"key":{"remoteJid":"5571999990001@s.whatsapp.net","id":"M1"},"message":{"conversation":"Oi"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, e.proc.phones)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/messaging", bytes.NewBufferString(body))
	req.Header.Set("X-Signature", e.ring.Sign([]byte(body)))
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := e.login(t)
	req = httptest.NewRequest(http.MethodGet, "/admin/states", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "salao-1")
}

func TestAdminLoginRejectsBadPassword(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewBufferString(`{"username":"admin","password":"nope"}`))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSyncAndRotate(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/sync-servicos", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, e.syncer.calls)

	req = httptest.NewRequest(http.MethodPost, "/admin/rotate-secret", bytes.NewBufferString(`{"new_secret":"short"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/rotate-secret", bytes.NewBufferString(`{"new_secret":"rotated-secret-0123456789"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The new key signs webhooks from now on.
	body := `{"event":"messages.upsert","data":{"key":{"remoteJid":"5571999990001@s.whatsapp.net","id":"M2"},"message":{"conversation":"Oi"}}}`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/messaging", bytes.NewBufferString(body))
	req.Header.Set("X-Signature", e.ring.Sign([]byte(body)))
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStateRoundTrip(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)

	sess := conversation.NewSession("salao-1", "5571999990001")
	sess.State = "MENU_WAITING"
	raw, err := json.Marshal(sess)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/state/5571999990001", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/state/5571999990001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MENU_WAITING")

	req = httptest.NewRequest(http.MethodGet, "/admin/state/5571999990002", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminHandoffToggle(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/handoff/5571999990001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/handoff/5571999990001", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminUpsellHealth(t *testing.T) {
	e := newEnv(t)
	token := e.login(t)

	e.mock.ExpectQuery(`SELECT status, COUNT`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("pending", 2))

	req := httptest.NewRequest(http.MethodGet, "/admin/upsell/health", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pending")
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
