package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atendezap/atendezap/internal/catalog"
	"github.com/atendezap/atendezap/internal/conversation"
	"github.com/atendezap/atendezap/internal/http/middleware"
	"github.com/atendezap/atendezap/internal/security"
	"github.com/atendezap/atendezap/internal/upsell"
	"github.com/atendezap/atendezap/pkg/logging"
)

// CatalogSyncer is the sync surface the admin API needs.
type CatalogSyncer interface {
	TriggerFullSync(ctx context.Context, tenant, sinceISO string) (*catalog.SyncResult, error)
}

// AdminConfig carries the admin credentials and token settings.
type AdminConfig struct {
	Username  string
	Password  string
	JWTSecret string
	TokenTTL  time.Duration
	Tenant    string
}

// AdminHandlers serves the operator surface: login, conversation state
// inspection, catalog sync, key rotation, handoff and upsell controls.
type AdminHandlers struct {
	config   AdminConfig
	sessions *conversation.SessionStore
	handoff  *conversation.HandoffStore
	syncer   CatalogSyncer
	ring     *security.KeyRing
	upsell   *upsell.Scheduler
	logger   *logging.Logger
}

func NewAdminHandlers(config AdminConfig, sessions *conversation.SessionStore, handoff *conversation.HandoffStore,
	syncer CatalogSyncer, ring *security.KeyRing, scheduler *upsell.Scheduler, logger *logging.Logger) *AdminHandlers {
	if config.TokenTTL <= 0 {
		config.TokenTTL = 12 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandlers{
		config:   config,
		sessions: sessions,
		handoff:  handoff,
		syncer:   syncer,
		ring:     ring,
		upsell:   scheduler,
		logger:   logger,
	}
}

// Login is POST /admin/login.
func (h *AdminHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if h.config.Password == "" || !credentialsMatch(req.Username, req.Password, h.config.Username, h.config.Password) {
		h.logger.Warn("admin login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := middleware.IssueAdminToken(h.config.JWTSecret, req.Username, h.config.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func credentialsMatch(user, pass, wantUser, wantPass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userOK && passOK
}

// GetState is GET /admin/state/{phone}.
func (h *AdminHandlers) GetState(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	sess, err := h.sessions.Load(r.Context(), h.config.Tenant, phone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "no conversation for phone")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PutState is POST /admin/state/{phone}. The body replaces the stored
// context wholesale; identity fields are pinned to the URL.
func (h *AdminHandlers) PutState(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	var sess conversation.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		writeError(w, http.StatusBadRequest, "invalid session json")
		return
	}
	sess.Tenant = h.config.Tenant
	sess.Phone = phone
	if sess.ID == "" {
		fresh := conversation.NewSession(h.config.Tenant, phone)
		sess.ID = fresh.ID
	}
	if err := h.sessions.Save(r.Context(), &sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

// DeleteState is DELETE /admin/state/{phone}.
func (h *AdminHandlers) DeleteState(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.sessions.Delete(r.Context(), h.config.Tenant, phone); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ListStates is GET /admin/states.
func (h *AdminHandlers) ListStates(w http.ResponseWriter, r *http.Request) {
	states, err := h.sessions.ListStates(r.Context(), h.config.Tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": h.config.Tenant, "states": states})
}

// TriggerSync is POST /admin/sync-servicos.
func (h *AdminHandlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since string `json:"since,omitempty"`
	}
	if r.Body != nil {
		// The body is optional; decode errors on an empty body are fine.
		json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := h.syncer.TriggerFullSync(r.Context(), h.config.Tenant, req.Since)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RotateSecret is POST /admin/rotate-secret.
func (h *AdminHandlers) RotateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewSecret string `json:"new_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.ring.Rotate(req.NewSecret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("webhook secret rotated")
	writeJSON(w, http.StatusOK, map[string]bool{"rotated": true})
}

// SetHandoff is POST /admin/handoff/{phone}.
func (h *AdminHandlers) SetHandoff(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.handoff.Set(r.Context(), h.config.Tenant, phone); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handoff": true})
}

// ClearHandoff is DELETE /admin/handoff/{phone}.
func (h *AdminHandlers) ClearHandoff(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.handoff.Clear(r.Context(), h.config.Tenant, phone); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"handoff": false})
}

// UpsellMetrics is GET /admin/upsell/metrics.
func (h *AdminHandlers) UpsellMetrics(w http.ResponseWriter, r *http.Request) {
	counts, err := h.upsell.Metrics(r.Context(), h.config.Tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": h.config.Tenant, "events": counts})
}

// UpsellHealth is GET /admin/upsell/health.
func (h *AdminHandlers) UpsellHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.upsell.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// UpsellTest is POST /admin/upsell/test: fires a synthetic offer with a
// pinned variant against a real phone.
func (h *AdminHandlers) UpsellTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone            string `json:"phone"`
		PrimaryServiceID int64  `json:"primary_service_id"`
		AppointmentID    int64  `json:"appointment_id"`
		Copy             string `json:"copy"`
		Position         string `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" || req.PrimaryServiceID == 0 {
		writeError(w, http.StatusBadRequest, "phone and primary_service_id are required")
		return
	}
	err := h.upsell.Offer(r.Context(), upsell.OfferRequest{
		Tenant:           h.config.Tenant,
		ConversationID:   "admin-test-" + req.Phone,
		Phone:            req.Phone,
		AppointmentID:    req.AppointmentID,
		PrimaryServiceID: req.PrimaryServiceID,
		ConfirmedAt:      time.Now(),
		Force:            &upsell.Variant{Copy: req.Copy, Position: req.Position},
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
