package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/imamik/tenantplane/internal/api"
	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/auth"
	"github.com/imamik/tenantplane/internal/config"
	"github.com/imamik/tenantplane/internal/deploy"
	"github.com/imamik/tenantplane/internal/events"
	"github.com/imamik/tenantplane/internal/logging"
	"github.com/imamik/tenantplane/internal/metrics"
	pgadmin "github.com/imamik/tenantplane/internal/platform/postgres"
	"github.com/imamik/tenantplane/internal/platform/hcloud"
	"github.com/imamik/tenantplane/internal/platform/s3"
	"github.com/imamik/tenantplane/internal/provisioning"
	"github.com/imamik/tenantplane/internal/registry"
	"github.com/imamik/tenantplane/internal/secrets"
	"github.com/imamik/tenantplane/internal/store/postgres"
	"github.com/imamik/tenantplane/internal/tenant"
	"github.com/imamik/tenantplane/internal/util/async"
	"github.com/imamik/tenantplane/internal/webhook"
)

// backgroundLimit bounds concurrently running provisioning pipelines.
const backgroundLimit = 16

// Factory function variables for serve - can be replaced in tests.
var (
	openStore = postgres.Open

	newObjectStore = func(ctx context.Context, cfg config.ObjectStorageConfig) (hcloud.ObjectStore, error) {
		client, err := s3.NewClient(cfg.Endpoint, cfg.Region, cfg.AccessKey, cfg.SecretKey, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	newProvider = func(cfg *config.Config, timeouts *config.Timeouts, objects hcloud.ObjectStore, masterKey []byte, log logr.Logger) *hcloud.RealClient {
		return hcloud.NewRealClient(cfg.HCloud.Token,
			hcloud.WithTimeouts(timeouts),
			hcloud.WithObjectStore(objects),
			hcloud.WithLogger(log),
			hcloud.WithRegisterer(metrics.Registry),
			hcloud.WithSettings(hcloud.Settings{
				NetworkZone:          cfg.HCloud.NetworkZone,
				RuntimeImageSelector: cfg.HCloud.RuntimeImageSelector,
				ServerTypes:          cfg.HCloud.ServerTypes,
				HealthPort:           cfg.HCloud.HealthPort,
				HealthPath:           cfg.HCloud.HealthPath,
				ObjectEndpoint:       cfg.ObjectStorage.Endpoint,
				ObjectBucket:         cfg.ObjectStorage.Bucket,
				MasterKey:            masterKey,
			}),
		)
	}
)

// Serve runs the control plane until ctx is cancelled.
func Serve(ctx context.Context, configPath string, migrate bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, flush, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer flush()

	log.Info("starting tenantplane", "version", buildVersion, "config", cfg.Redacted())
	timeouts := config.LoadTimeouts()

	masterKey, err := cfg.Secrets.DecodeMasterKey()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	if migrate {
		if _, err := store.Migrate(ctx, log); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	objects, err := newObjectStore(ctx, cfg.ObjectStorage)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}
	provider := newProvider(cfg, timeouts, objects, masterKey, log)

	publisher := events.NewPublisher(store,
		events.WithBuffer(cfg.Events.SubscriberBuffer),
		events.WithReplayBatch(cfg.Events.ReplayBatch),
		events.WithLogger(log),
	)
	machine := tenant.NewMachine(store, publisher, log)

	vault, err := secrets.NewVault(store.Secrets(), store, pgadmin.NewAdmin(store.Pool(), log), provider, publisher, secrets.Config{
		MasterKey: masterKey,
		DSN: secrets.DSNConfig{
			Host:    cfg.Database.TenantHost,
			Port:    cfg.Database.TenantPort,
			SSLMode: cfg.Database.TenantSSLMode,
		},
		RotationLease: timeouts.RotationLease,
	}, log)
	if err != nil {
		return err
	}

	locker := store.Locker()
	service := tenant.NewService(machine, vault, provider, publisher, log,
		tenant.WithLocks(locker, timeouts.Delete, timeouts.PollInitialInterval, timeouts.PollMaxInterval))
	provisioner := provisioning.NewProvisioner(machine, provider, vault, locker, publisher, provisioning.Settings{
		Region:       cfg.HCloud.Location,
		VolumeSizeGB: cfg.HCloud.VolumeSizeGB,
		DomainSuffix: cfg.HCloud.DomainSuffix,
	}, log)
	orchestrator := deploy.NewOrchestrator(deploy.Config{
		Machine:   machine,
		Provider:  provider,
		Validator: deploy.Validator{RegistryHost: cfg.Registry.Host, Repository: cfg.Registry.Repository},
		Access:    auth.OwnerChecker{},
		Secrets:   vault,
		Locker:    locker,
		Publisher: publisher,
		Timeouts:  timeouts,
		MemoryMB:  smallestPlan(cfg.HCloud.ServerTypes),
		Log:       log,
	})

	issuer, err := registry.NewIssuer(cfg.Registry.Host, cfg.Registry.Repository, cfg.Registry.Username,
		[]byte(cfg.Registry.SigningKey), cfg.Registry.TokenTTL)
	if err != nil {
		return err
	}
	verifier, err := api.NewVerifier([]byte(cfg.Auth.SigningKey), cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	hooks, err := webhook.RegistryFromConfig(cfg.Webhooks.Providers)
	if err != nil {
		return err
	}

	runner := async.NewRunner(ctx, backgroundLimit, log)
	ingestor := webhook.NewIngestor(hooks, store.Webhooks(), service, provisioner, runner, log)

	handler := api.NewHandler(api.HandlerConfig{
		Tenants:   service,
		Deployer:  orchestrator,
		Vault:     vault,
		Tokens:    issuer,
		Webhooks:  ingestor,
		Events:    publisher,
		Access:    auth.OwnerChecker{},
		Verifier:  verifier,
		Heartbeat: cfg.Events.Heartbeat,
		Log:       log,
	})
	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.Server.Addr,
		MetricsAddr:     cfg.Server.MetricsAddr,
		DrainDuration:   cfg.Server.DrainDuration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Log:             log,
	}, handler, store)
	listener := postgres.NewListener(store, publisher, log)

	if err := resumeProvisioning(ctx, service, provisioner, runner, log); err != nil {
		log.Error(err, "failed to resume interrupted provisioning")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return listener.Run(gctx) })
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := runner.Shutdown(shutdownCtx); serr != nil {
		log.Error(serr, "background tasks did not finish before shutdown")
	}
	if err != nil {
		return err
	}
	log.Info("tenantplane stopped")
	return nil
}

// TenantLister lists tenants.
type TenantLister interface {
	List(ctx context.Context, f tenant.Filter) ([]tenant.Tenant, error)
}

// resumeProvisioning schedules provisioning for tenants a previous process
// accepted but did not finish. The provisioning lock keeps replicas from
// running the same tenant twice.
func resumeProvisioning(ctx context.Context, tenants TenantLister, p webhook.Provisioner, runner webhook.Runner, log logr.Logger) error {
	var errs []error
	for _, status := range []tenant.Status{tenant.StatusPending, tenant.StatusProvisioning} {
		list, err := tenants.List(ctx, tenant.Filter{Status: status})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range list {
			id := t.ID
			err := runner.Go(async.Task{
				Name: "provision:" + id,
				Func: func(ctx context.Context) error {
					err := p.Provision(ctx, id)
					if apperr.KindOf(err) == apperr.KindConflict {
						return nil
					}
					return err
				},
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			log.Info("resuming provisioning", "tenant", id, "status", status)
		}
	}
	return errors.Join(errs...)
}

// smallestPlan returns the smallest memory size with a server type.
func smallestPlan(types map[int]string) int {
	smallest := 0
	for mem := range types {
		if smallest == 0 || mem < smallest {
			smallest = mem
		}
	}
	return smallest
}

// buildVersion is logged at startup.
var buildVersion = "dev"

// SetVersion records the build version for startup logging.
func SetVersion(v string) {
	buildVersion = v
}
