package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/auth"
	"github.com/imamik/tenantplane/internal/deploy"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/registry"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/webhook"
)

// maxBodySize is the maximum allowed request body size (1 MiB).
const maxBodySize = 1 << 20

// Tenants reads and deletes tenants.
type Tenants interface {
	Get(ctx context.Context, id string) (tenant.Tenant, error)
	List(ctx context.Context, f tenant.Filter) ([]tenant.Tenant, error)
	Delete(ctx context.Context, id, reason string) (tenant.Tenant, error)
}

// Deployer performs deploys.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Outcome, error)
}

// Vault serves secret retrieval and rotation.
type Vault interface {
	RetrieveOnce(ctx context.Context, tenantID, token string) (secrets.Secrets, error)
	ReissueToken(ctx context.Context, tenantID string) (string, error)
	Rotate(ctx context.Context, tenantID string) error
}

// TokenIssuer issues registry push tokens.
type TokenIssuer interface {
	Issue(tenantID string) (registry.Token, error)
}

// WebhookIngestor processes webhook deliveries.
type WebhookIngestor interface {
	Ingest(ctx context.Context, provider string, header http.Header, body []byte) (webhook.Result, error)
}

// Subscriber opens event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string, from int64) (*events.Subscription, error)
}

// AccessChecker decides whether the caller may act on a tenant.
type AccessChecker interface {
	CanAccess(ctx context.Context, t tenant.Tenant) bool
}

// HandlerConfig holds the handler dependencies.
type HandlerConfig struct {
	Tenants  Tenants
	Deployer Deployer
	Vault    Vault
	Tokens   TokenIssuer
	Webhooks WebhookIngestor
	Events   Subscriber
	Access   AccessChecker
	Verifier *Verifier
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration
	Log       logr.Logger
}

// Handler serves the tenant and webhook routes.
type Handler struct {
	cfg      HandlerConfig
	validate *validator.Validate
	log      logr.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Access == nil {
		cfg.Access = auth.OwnerChecker{}
	}
	return &Handler{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      cfg.Log.WithName("api"),
		closing:  make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not
// interrupt active responses.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// Mount registers the handler routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/{provider}", h.handleWebhook)

	r.Route("/tenants", func(r chi.Router) {
		r.Use(h.cfg.Verifier.Authenticate)
		r.Get("/", h.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleDelete)
			r.Get("/status", h.handleStatus)
			r.Get("/events", h.handleEvents)
			r.Get("/registry-token", h.handleRegistryToken)
			r.Post("/deploy", h.handleDeploy)
			r.Post("/rotate-credentials", h.handleRotate)
			r.Post("/credentials", h.handleReissueToken)
			r.Get("/credentials/{token}", h.handleCredentials)
		})
	})
}

// authorized loads the tenant in the URL and checks access to it. Tenants
// the caller may not see are reported as not found.
func (h *Handler) authorized(r *http.Request) (tenant.Tenant, error) {
	id := chi.URLParam(r, "id")
	t, err := h.cfg.Tenants.Get(r.Context(), id)
	if err != nil {
		return tenant.Tenant{}, err
	}
	if !h.cfg.Access.CanAccess(r.Context(), t) {
		return tenant.Tenant{}, apperr.NotFoundf("tenant", "tenant %s not found", id)
	}
	return t, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	f := tenant.Filter{Status: tenant.Status(r.URL.Query().Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, apperr.Validationf("list tenants", "unknown status %q", f.Status))
		return
	}
	if !p.Admin {
		f.OwnerID = p.Subject
	}

	list, err := h.cfg.Tenants.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []tenant.Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type statusResponse struct {
	TenantID           string        `json:"tenant_id"`
	Status             tenant.Status `json:"status"`
	Hostname           string        `json:"hostname,omitempty"`
	MachineID          string        `json:"compute_machine_id,omitempty"`
	RotationPending    bool          `json:"rotation_pending"`
	RotationFailedStep string        `json:"rotation_failed_step,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		TenantID:           t.ID,
		Status:             t.Status,
		Hostname:           t.Hostname,
		MachineID:          t.MachineID,
		RotationPending:    t.RotationPending,
		RotationFailedStep: t.RotationStep,
		UpdatedAt:          t.UpdatedAt,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := h.cfg.Tenants.Delete(r.Context(), t.ID, "deleted via api")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (h *Handler) handleRegistryToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t.Status.Terminal() {
		writeError(w, r, apperr.New(apperr.KindState, "registry token", "tenant is deleted"))
		return
	}
	tok, err := h.cfg.Tokens.Issue(t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tok)
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TenantID = chi.URLParam(r, "id")

	out, err := h.cfg.Deployer.Deploy(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.cfg.Vault.Rotate(r.Context(), t.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": t.ID, "rotated": true})
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sec, err := h.cfg.Vault.RetrieveOnce(r.Context(), t.ID, chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, sec)
}

func (h *Handler) handleReissueToken(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, err := h.cfg.Vault.ReissueToken(r.Context(), t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"tenant_id": t.ID, "retrieval_token": token})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: errorDetail{
			Kind: apperr.KindValidation, Message: "request body too large",
		}})
		return
	}
	res, err := h.cfg.Webhooks.Ingest(r.Context(), chi.URLParam(r, "provider"), r.Header, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body of at most maxBodySize into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validationf("decode", "request body too large")
		}
		return apperr.Wrap(apperr.KindValidation, "decode", "malformed request body", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "decode", "invalid request: "+err.Error(), err)
	}
	return nil
}
