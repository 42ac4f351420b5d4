package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-fax-dispatch/internal/config"
	"github.com/acme/outbound-fax-dispatch/internal/configstore"
	"github.com/acme/outbound-fax-dispatch/internal/eventbus"
	"github.com/acme/outbound-fax-dispatch/internal/infra/db"
	"github.com/acme/outbound-fax-dispatch/internal/infra/redis"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/manager"
	"github.com/acme/outbound-fax-dispatch/internal/plugin/registry"
	"github.com/acme/outbound-fax-dispatch/internal/provider/phaxio"
	"github.com/acme/outbound-fax-dispatch/internal/provider/signalwire"
	"github.com/acme/outbound-fax-dispatch/internal/queue"
	"github.com/acme/outbound-fax-dispatch/internal/repository"
	pgrepo "github.com/acme/outbound-fax-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-fax-dispatch/internal/repository/scylla"
	"github.com/acme/outbound-fax-dispatch/internal/service/audit"
	"github.com/acme/outbound-fax-dispatch/internal/service/dedup"
	"github.com/acme/outbound-fax-dispatch/internal/webhook"
	"github.com/acme/outbound-fax-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once     sync.Once
		store    *configstore.Store
		registry *registry.Registry
		bus      *eventbus.Bus
		ledger   repository.JobLedger
		auditDB  repository.AuditStore
		manager  *manager.Manager
		router   *webhook.Router

		recorder  *audit.Recorder
		publisher *queue.EventPublisher
		initErr   error
	}
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		store, err := configstore.New(configstore.Options{
			Path:                    c.Config.ProviderStore.Path,
			BackupDir:               c.Config.ProviderStore.BackupDir,
			Retention:               c.Config.ProviderStore.BackupRetention,
			CacheTTL:                c.Config.ProviderStore.CacheTTL,
			DefaultOutboundPlugin:   c.Config.ProviderStore.DefaultOutboundPlugin,
			DefaultOutboundSettings: c.Config.ProviderStore.DefaultOutboundSettings,
		}, c.Logger)
		if err != nil {
			c.components.initErr = fmt.Errorf("configstore: %w", err)
			return
		}

		reg := registry.New(c.Logger)
		builtins := []func() error{
			func() error { return reg.Register(phaxio.Factory()) },
			func() error { return reg.Register(signalwire.Factory()) },
		}
		for _, register := range builtins {
			if err := register(); err != nil {
				c.components.initErr = fmt.Errorf("register builtin: %w", err)
				return
			}
		}
		if dir := c.Config.Plugins.ExternalDir; dir != "" {
			reg.DiscoverExternal(dir)
		}

		bus := eventbus.New(c.Logger)

		ledger := pgrepo.NewJobLedger(c.Postgres.DB())
		auditStore := scyllarepo.NewAuditStore(c.Scylla.Session())

		deduper := dedup.NewRedis(c.Redis.Inner(), c.Config.Dispatch.DedupTTL)

		mgr := manager.New(c.Logger, reg, store, ledger, bus, deduper, manager.Options{
			CallbackBaseURL: c.Config.Dispatch.CallbackBaseURL,
			SendTimeout:     c.Config.Dispatch.SendTimeout,
		})

		router := webhook.New(c.Logger, mgr, bus, c.Config.Dispatch.WebhookTimeout)
		mgr.SetWebhookRegistrar(router)

		recorder := audit.NewRecorder(c.Logger, auditStore)
		recorder.Attach(bus)

		var publisher *queue.EventPublisher
		if c.Config.Kafka.AuditTopic != "" {
			publisher = queue.NewEventPublisher(c.Logger, c.Kafka, c.Config.Kafka.AuditTopic)
			publisher.Attach(bus)
		}

		c.components.store = store
		c.components.registry = reg
		c.components.bus = bus
		c.components.ledger = ledger
		c.components.auditDB = auditStore
		c.components.manager = mgr
		c.components.router = router
		c.components.recorder = recorder
		c.components.publisher = publisher
	})
	return c.components.initErr
}

// Store exposes the provider configuration store.
func (c *Container) Store() (*configstore.Store, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.store, nil
}

// Registry exposes the plugin registry.
func (c *Container) Registry() (*registry.Registry, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.registry, nil
}

// Bus exposes the event bus.
func (c *Container) Bus() (*eventbus.Bus, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.bus, nil
}

// Ledger exposes the job ledger.
func (c *Container) Ledger() (repository.JobLedger, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.ledger, nil
}

// AuditStore exposes the audit trail store.
func (c *Container) AuditStore() (repository.AuditStore, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.auditDB, nil
}

// Manager exposes the plugin manager.
func (c *Container) Manager() (*manager.Manager, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.manager, nil
}

// Router exposes the webhook router.
func (c *Container) Router() (*webhook.Router, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.router, nil
}

// EnsureSchema creates the ledger tables when missing.
func (c *Container) EnsureSchema(ctx context.Context) error {
	return pgrepo.EnsureSchema(ctx, c.Postgres.DB())
}

// EnsureTopics ensures the audit topic exists.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Config.Kafka.AuditTopic == "" {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.AuditTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.manager != nil {
		c.components.manager.Shutdown()
	}
	if c.components.bus != nil {
		if c.components.recorder != nil {
			c.components.recorder.Detach(c.components.bus)
		}
		if c.components.publisher != nil {
			c.components.publisher.Detach(c.components.bus)
			if err := c.components.publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit publisher close: %w", err))
			}
		}
		c.components.bus.Close()
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
