package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/lead-dialer/internal/config"
	"github.com/acme/lead-dialer/internal/infra/db"
	"github.com/acme/lead-dialer/internal/infra/redis"
	"github.com/acme/lead-dialer/internal/queue"
	"github.com/acme/lead-dialer/internal/repository"
	pgrepo "github.com/acme/lead-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-dialer/internal/repository/scylla"
	"github.com/acme/lead-dialer/internal/service/concurrency"
	runsvc "github.com/acme/lead-dialer/internal/service/run"
	telephonySvc "github.com/acme/lead-dialer/internal/telephony"
	telephonyMock "github.com/acme/lead-dialer/internal/telephony/mock"
	"github.com/acme/lead-dialer/migrations"
	"github.com/acme/lead-dialer/pkg/logger"
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
		once         sync.Once
		repositories *repositories
		services     *services
		publisher    *queue.EventPublisher
		providers    *providers
		limiters     *limiters
	}
}

type repositories struct {
	Runs     repository.RunRepository
	Jobs     repository.JobRepository
	Leads    repository.LeadRepository
	Attempts repository.AttemptStore
}

type services struct {
	Run *runsvc.Service
}

type providers struct {
	Telephony telephonySvc.Provider
}

type limiters struct {
	Carrier *concurrency.Limiter
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

	if err := migrations.Apply(ctx, pg.DB()); err != nil {
		return nil, fmt.Errorf("bootstrap migrations: %w", err)
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

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Runs:     pgrepo.NewRunRepository(c.Postgres.DB()),
			Jobs:     pgrepo.NewJobRepository(c.Postgres.DB()),
			Leads:    pgrepo.NewLeadRepository(c.Postgres.DB()),
			Attempts: scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		services := &services{
			Run: runsvc.NewService(
				repos.Runs,
				repos.Jobs,
				repos.Leads,
				c.Config.Queue.DefaultMaxConcurrent,
			),
		}

		providers := &providers{
			Telephony: telephonyMock.NewProvider(c.Config.CallBridge),
		}

		limiters := &limiters{
			Carrier: concurrency.NewLimiter(
				c.Redis.Inner(),
				c.Config.Carrier.TenantConcurrency,
				c.Config.Carrier.SlotTTL,
			),
		}

		c.components.repositories = repos
		c.components.services = services
		c.components.publisher = queue.NewEventPublisher(
			c.Kafka,
			c.Config.Kafka.OutcomeTopic,
			c.Config.Kafka.LifecycleTopic,
		)
		c.components.providers = providers
		c.components.limiters = limiters
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publisher exposes the Kafka event publisher.
func (c *Container) Publisher() *queue.EventPublisher {
	c.initComponents()
	return c.components.publisher
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.OutcomeTopic, c.Config.Kafka.LifecycleTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.publisher != nil {
		if err := c.components.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
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
