package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/metrics"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/keygen"
	"github.com/imamik/tenantplane/internal/util/naming"
	"github.com/imamik/tenantplane/internal/util/seal"
)

// Rotation steps, recorded on the tenant when one fails.
const (
	StepLoad            = "load"
	StepDatabase        = "database"
	StepProviderSecrets = "provider_secrets"
	StepRestart         = "restart"
	StepPersist         = "persist"
)

// Machine environment variable names.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvSigningSecret = "SIGNING_SECRET"
)

const sealInfo = "tenant-secrets"

// Secrets is the plaintext credential set of one tenant.
type Secrets struct {
	TenantID         string     `json:"tenant_id"`
	DatabaseRole     string     `json:"database_role"`
	DatabasePassword string     `json:"database_password"`
	DatabaseURL      string     `json:"database_url"`
	SigningSecret    string     `json:"signing_secret"`
	RetrievalToken   string     `json:"retrieval_token,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	RotatedAt        *time.Time `json:"rotated_at,omitempty"`
}

// Env returns the machine environment for s.
func Env(s Secrets) map[string]string {
	return map[string]string{
		EnvDatabaseURL:   s.DatabaseURL,
		EnvSigningSecret: s.SigningSecret,
	}
}

// DatabaseAdmin manages per-tenant database roles.
type DatabaseAdmin interface {
	// EnsureTenantDatabase creates role and a database it owns, or resets
	// the password when they exist.
	EnsureTenantDatabase(ctx context.Context, role, password string) error
	SetRolePassword(ctx context.Context, role, password string) error
}

// MachineSecrets is the part of the compute provider rotation drives.
type MachineSecrets interface {
	SetMachineSecrets(ctx context.Context, app string, env map[string]string) error
	RestartMachine(ctx context.Context, app, machineID string) error
}

// Publisher appends rotation events.
type Publisher interface {
	Publish(ctx context.Context, d events.Draft) (events.Event, error)
}

// DSNConfig locates the tenant database server.
type DSNConfig struct {
	Host    string
	Port    int
	SSLMode string
}

// URL renders the connection string of role on the tenant server.
func (c DSNConfig) URL(role, password string) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(role, password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + role,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

// Vault implements the secret lifecycle.
type Vault struct {
	store     Store
	tenants   tenant.Store
	admin     DatabaseAdmin
	machines  MachineSecrets
	publisher Publisher
	key       seal.Key
	dsn       DSNConfig
	lease     time.Duration
	log       logr.Logger
	now       func() time.Time
}

// Config holds the Vault settings.
type Config struct {
	MasterKey     []byte
	DSN           DSNConfig
	RotationLease time.Duration
}

// NewVault builds a Vault. The sealing key is derived from cfg.MasterKey.
func NewVault(store Store, tenants tenant.Store, admin DatabaseAdmin, machines MachineSecrets, publisher Publisher, cfg Config, log logr.Logger) (*Vault, error) {
	key, err := seal.DeriveKey(cfg.MasterKey, sealInfo)
	if err != nil {
		return nil, fmt.Errorf("secrets vault: %w", err)
	}
	lease := cfg.RotationLease
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return &Vault{
		store:     store,
		tenants:   tenants,
		admin:     admin,
		machines:  machines,
		publisher: publisher,
		key:       key,
		dsn:       cfg.DSN,
		lease:     lease,
		log:       log.WithName("secrets"),
		now:       time.Now,
	}, nil
}

// GenerateAndStore creates the tenant's secrets. It fails with a Conflict
// error if the tenant already has secrets. The returned value is the only
// time the retrieval token is visible.
func (v *Vault) GenerateAndStore(ctx context.Context, tenantID string) (Secrets, error) {
	const op = "generate secrets"

	if _, err := v.store.Get(ctx, tenantID); err == nil {
		return Secrets{}, apperr.Conflictf(op, "secrets for tenant %s already exist", tenantID)
	} else if !errors.Is(err, ErrNotFound) {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}

	s, err := v.fresh(tenantID)
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}
	token, err := keygen.URLToken(keygen.MinSecretBytes)
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := v.admin.EnsureTenantDatabase(ctx, s.DatabaseRole, s.DatabasePassword); err != nil {
		return Secrets{}, fmt.Errorf("%s: ensure tenant database: %w", op, err)
	}

	sealed, err := v.seal(s)
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}
	err = v.store.Insert(ctx, Record{
		TenantID:  tenantID,
		Sealed:    sealed,
		TokenHash: keygen.TokenHash(token),
		CreatedAt: s.CreatedAt,
	})
	if errors.Is(err, ErrAlreadyExists) {
		return Secrets{}, apperr.Conflictf(op, "secrets for tenant %s already exist", tenantID)
	}
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: store: %w", op, err)
	}

	v.log.Info("generated tenant secrets", "tenant", tenantID, "role", s.DatabaseRole)
	v.announceToken(ctx, tenantID, token, false)
	s.RetrievalToken = token
	return s, nil
}

// ReissueToken replaces a retrieval token that has not been used yet and
// returns the new one. The old token stops working. Once the secrets have
// been retrieved there is nothing to reissue and it fails with NotFound.
func (v *Vault) ReissueToken(ctx context.Context, tenantID string) (string, error) {
	const op = "reissue retrieval token"

	token, err := keygen.URLToken(keygen.MinSecretBytes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	err = v.store.ResetToken(ctx, tenantID, keygen.TokenHash(token))
	if errors.Is(err, ErrNotFound) {
		return "", apperr.NotFoundf(op, "secrets not found or already retrieved")
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	v.log.Info("reissued retrieval token", "tenant", tenantID)
	v.announceToken(ctx, tenantID, token, true)
	return token, nil
}

// RetrieveOnce exchanges the one-time token for the secrets. A wrong,
// missing or already used token yields the same NotFound error.
func (v *Vault) RetrieveOnce(ctx context.Context, tenantID, token string) (Secrets, error) {
	const op = "retrieve secrets"
	notFound := apperr.NotFoundf(op, "secrets not found or already retrieved")

	if token == "" {
		return Secrets{}, notFound
	}
	rec, err := v.store.ConsumeToken(ctx, tenantID, keygen.TokenHash(token))
	if errors.Is(err, ErrNotFound) {
		return Secrets{}, notFound
	}
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}
	s, err := v.open(rec)
	if err != nil {
		return Secrets{}, fmt.Errorf("%s: %w", op, err)
	}
	v.log.Info("tenant secrets retrieved", "tenant", tenantID)
	return s, nil
}

// Load returns the current secrets without touching the retrieval token.
func (v *Vault) Load(ctx context.Context, tenantID string) (Secrets, error) {
	rec, err := v.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Secrets{}, apperr.NotFoundf("load secrets", "no secrets for tenant %s", tenantID)
	}
	if err != nil {
		return Secrets{}, fmt.Errorf("load secrets: %w", err)
	}
	return v.open(rec)
}

// Rotate replaces the tenant's secrets. Only one rotation per tenant runs
// at a time; a concurrent call fails with a Conflict error. No lock is held
// while the external steps run.
func (v *Vault) Rotate(ctx context.Context, tenantID string) error {
	const op = "rotate secrets"

	t, err := v.tenants.Get(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return apperr.NotFoundf(op, "tenant %s not found", tenantID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if t.Status.Terminal() {
		return apperr.New(apperr.KindState, op, "tenant is deleted")
	}

	claimed, err := v.tenants.ClaimRotation(ctx, tenantID, v.now().UTC(), v.lease)
	if err != nil {
		return fmt.Errorf("%s: claim: %w", op, err)
	}
	if !claimed {
		return apperr.Conflictf(op, "rotation already in progress for tenant %s", tenantID)
	}
	v.publish(ctx, tenantID, events.TypeRotationStarted, nil)

	step, err := v.rotate(ctx, t)
	if err != nil {
		v.log.Error(err, "secret rotation failed", "tenant", tenantID, "step", step)
		// Record the failure even if the caller's context is gone.
		bg := context.WithoutCancel(ctx)
		if rerr := v.tenants.ReleaseRotation(bg, tenantID, step); rerr != nil {
			v.log.Error(rerr, "failed to release rotation claim", "tenant", tenantID)
		}
		v.publish(bg, tenantID, events.TypeRotationFailed, map[string]any{"step": step, "error": err.Error()})
		metrics.RecordRotation("failed")
		return apperr.Wrap(apperr.KindRotation, op, fmt.Sprintf("rotation failed at step %s", step), err)
	}

	if err := v.tenants.ReleaseRotation(ctx, tenantID, ""); err != nil {
		return fmt.Errorf("%s: release: %w", op, err)
	}
	v.publish(ctx, tenantID, events.TypeRotationSucceeded, nil)
	metrics.RecordRotation("succeeded")
	v.log.Info("rotated tenant secrets", "tenant", tenantID)
	return nil
}

// rotate runs the rotation steps and returns the failing step on error.
func (v *Vault) rotate(ctx context.Context, t tenant.Tenant) (string, error) {
	rec, err := v.store.Get(ctx, t.ID)
	if err != nil {
		return StepLoad, fmt.Errorf("load current secrets: %w", err)
	}
	current, err := v.open(rec)
	if err != nil {
		return StepLoad, err
	}

	next, err := v.fresh(t.ID)
	if err != nil {
		return StepDatabase, err
	}
	next.CreatedAt = current.CreatedAt
	now := v.now().UTC()
	next.RotatedAt = &now

	if err := v.admin.SetRolePassword(ctx, next.DatabaseRole, next.DatabasePassword); err != nil {
		return StepDatabase, err
	}
	if t.AppName != "" {
		if err := v.machines.SetMachineSecrets(ctx, t.AppName, Env(next)); err != nil {
			return StepProviderSecrets, err
		}
		if t.MachineID != "" {
			if err := v.machines.RestartMachine(ctx, t.AppName, t.MachineID); err != nil {
				return StepRestart, err
			}
		}
	}

	sealed, err := v.seal(next)
	if err != nil {
		return StepPersist, err
	}
	if err := v.store.Replace(ctx, t.ID, sealed, now); err != nil {
		return StepPersist, err
	}
	return "", nil
}

// Destroy deletes the tenant's stored secrets.
func (v *Vault) Destroy(ctx context.Context, tenantID string) error {
	if err := v.store.Delete(ctx, tenantID); err != nil {
		return fmt.Errorf("destroy secrets: %w", err)
	}
	return nil
}

func (v *Vault) fresh(tenantID string) (Secrets, error) {
	signing, err := keygen.HexSecret(keygen.MinSecretBytes)
	if err != nil {
		return Secrets{}, err
	}
	password, err := keygen.Password()
	if err != nil {
		return Secrets{}, err
	}
	role := naming.DatabaseRole(tenantID)
	return Secrets{
		TenantID:         tenantID,
		DatabaseRole:     role,
		DatabasePassword: password,
		DatabaseURL:      v.dsn.URL(role, password),
		SigningSecret:    signing,
		CreatedAt:        v.now().UTC(),
	}, nil
}

func (v *Vault) seal(s Secrets) ([]byte, error) {
	s.RetrievalToken = ""
	plain, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode secrets: %w", err)
	}
	return seal.Seal(v.key, plain)
}

func (v *Vault) open(rec Record) (Secrets, error) {
	plain, err := seal.Open(v.key, rec.Sealed)
	if err != nil {
		return Secrets{}, fmt.Errorf("open secrets for tenant %s: %w", rec.TenantID, err)
	}
	var s Secrets
	if err := json.Unmarshal(plain, &s); err != nil {
		return Secrets{}, fmt.Errorf("decode secrets: %w", err)
	}
	return s, nil
}

// announceToken publishes credentials.ready. The token itself only reaches
// the live subscribers of this process and is never written to the log.
func (v *Vault) announceToken(ctx context.Context, tenantID, token string, reissued bool) {
	if v.publisher == nil {
		return
	}
	_, err := v.publisher.Publish(ctx, events.Draft{
		TenantID: tenantID,
		Type:     events.TypeCredentialsReady,
		Payload:  map[string]any{"reissued": reissued},
		Private:  map[string]any{"retrieval_token": token},
	})
	if err != nil {
		v.log.Error(err, "failed to publish event", "tenant", tenantID, "type", events.TypeCredentialsReady)
	}
}

func (v *Vault) publish(ctx context.Context, tenantID string, typ events.Type, payload map[string]any) {
	if v.publisher == nil {
		return
	}
	if _, err := v.publisher.Publish(ctx, events.Draft{TenantID: tenantID, Type: typ, Payload: payload}); err != nil {
		v.log.Error(err, "failed to publish event", "tenant", tenantID, "type", typ)
	}
}
