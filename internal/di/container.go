package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/platform/auth"
	"github.com/hanko-field/markdown-authz/internal/platform/config"
	pfirestore "github.com/hanko-field/markdown-authz/internal/platform/firestore"
	"github.com/hanko-field/markdown-authz/internal/platform/jobs"
	"github.com/hanko-field/markdown-authz/internal/repositories"
	firestoreRepo "github.com/hanko-field/markdown-authz/internal/repositories/firestore"
	"github.com/hanko-field/markdown-authz/internal/repositories/memory"
	"github.com/hanko-field/markdown-authz/internal/services"
)

const (
	auditFlushTimeout = 5 * time.Second
	topicCheckTimeout = 1500 * time.Millisecond
)

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Managers      repositories.ManagerRepository
	Verifier      services.CredentialVerifier
	Coordinator   *services.OverrideCoordinator
	Audit         *services.OverrideAuditService
	Sessions      *services.SessionRegistry
	Formatter     *services.MarkdownFormatter
	Health        repositories.HealthRepository
	Authenticator *auth.Authenticator

	logger  *zap.Logger
	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	clock         func() time.Time
	tokenVerifier auth.TokenVerifier
	publisher     services.OverrideEventPublisher
	managers      repositories.ManagerRepository
}

// WithLogger sets the base logger handed to services.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used by sessions and audit events.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithTokenVerifier replaces the Firebase ID token verifier.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) { o.tokenVerifier = verifier }
}

// WithAuditPublisher replaces the Pub/Sub audit publisher.
func WithAuditPublisher(publisher services.OverrideEventPublisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// WithManagerRepository replaces the manager directory selected by configuration.
func WithManagerRepository(repo repositories.ManagerRepository) Option {
	return func(o *options) { o.managers = repo }
}

// NewContainer constructs the runtime dependencies for cfg. On error every resource opened so
// far is released.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{logger: zap.NewNop(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := &Container{Config: cfg, logger: o.logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var checks []repositories.DependencyCheck

	managers, managerChecks, err := c.buildManagerRepository(cfg, o)
	if err != nil {
		return nil, err
	}
	c.Managers = managers
	checks = append(checks, managerChecks...)

	verifier, err := services.NewDirectoryVerifier(services.DirectoryVerifierDeps{
		Repository:   managers,
		Pepper:       cfg.Security.PINPepper,
		MinPINLength: cfg.Markdown.MinPINLength,
		Logger:       o.logger.Named("verifier"),
	})
	if err != nil {
		return nil, fmt.Errorf("build credential verifier: %w", err)
	}
	c.Verifier = verifier

	coordinator, err := services.NewOverrideCoordinator(services.OverrideCoordinatorDeps{
		Verifier: verifier,
		Timeout:  cfg.Markdown.CredentialCheckTimeout,
		Logger:   o.logger.Named("override"),
		Clock:    o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build override coordinator: %w", err)
	}
	c.Coordinator = coordinator

	publisher, auditChecks, err := c.buildAuditPublisher(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	checks = append(checks, auditChecks...)
	if publisher != nil {
		audit, err := services.NewOverrideAuditService(services.OverrideAuditServiceDeps{
			Publisher: publisher,
			Clock:     o.clock,
			Logger:    o.logger.Named("audit").Sugar(),
			HashSalt:  cfg.Security.AuditHashSalt,
		})
		if err != nil {
			return nil, fmt.Errorf("build override audit service: %w", err)
		}
		c.Audit = audit
		c.closers = append(c.closers, func(ctx context.Context) error {
			flushCtx, cancel := context.WithTimeout(ctx, auditFlushTimeout)
			defer cancel()
			return audit.Flush(flushCtx)
		})
	}

	deps := services.SessionRegistryDeps{
		Coordinator: coordinator,
		IdleTTL:     cfg.Markdown.SessionIdleTTL,
		Clock:       o.clock,
		Logger:      o.logger.Named("sessions"),
	}
	if c.Audit != nil {
		deps.Auditor = c.Audit
	}
	sessions, err := services.NewSessionRegistry(deps)
	if err != nil {
		return nil, fmt.Errorf("build session registry: %w", err)
	}
	c.Sessions = sessions

	formatter, err := services.NewMarkdownFormatter(cfg.Markdown.Currency, cfg.Markdown.Locale)
	if err != nil {
		return nil, fmt.Errorf("build markdown formatter: %w", err)
	}
	c.Formatter = formatter

	tokenVerifier := o.tokenVerifier
	if tokenVerifier == nil {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		tokenVerifier = firebase
	}
	c.Authenticator = auth.NewAuthenticator(tokenVerifier,
		auth.WithRoleClaim(cfg.Security.RoleClaim),
		auth.WithStoreClaim(cfg.Security.StoreClaim),
		auth.WithFallbackTier(cfg.Security.FallbackTier),
		auth.WithVerificationTimeout(cfg.Firebase.VerifyTimeout),
	)

	health, err := repositories.NewDependencyHealthRepository(checks, o.clock)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	c.Health = health

	return c, nil
}

// Close flushes pending audit events and releases backend clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) buildManagerRepository(cfg config.Config, o options) (repositories.ManagerRepository, []repositories.DependencyCheck, error) {
	if o.managers != nil {
		return o.managers, nil, nil
	}

	switch cfg.Markdown.VerifierBackend {
	case config.VerifierBackendFirestore:
		directory, err := OpenManagerDirectory(cfg)
		if err != nil {
			return nil, nil, err
		}
		c.closers = append(c.closers, func(context.Context) error { return directory.Close() })
		return directory.Repository, []repositories.DependencyCheck{{Name: "firestore", Check: directory.Ping}}, nil
	default:
		managers, err := ParseSeedManagers(cfg.Markdown.SeedManagers)
		if err != nil {
			return nil, nil, err
		}
		if len(managers) == 0 {
			c.logger.Warn("memory verifier backend has no seeded approvers; overrides will always fail")
		}
		return memory.NewManagerRepository(managers...), nil, nil
	}
}

func (c *Container) buildAuditPublisher(ctx context.Context, cfg config.Config, o options) (services.OverrideEventPublisher, []repositories.DependencyCheck, error) {
	if o.publisher != nil {
		return o.publisher, nil, nil
	}
	topicID := strings.TrimSpace(cfg.PubSub.AuditTopic)
	if topicID == "" {
		c.logger.Info("override audit publishing disabled")
		return nil, nil, nil
	}

	projectID := strings.TrimSpace(cfg.PubSub.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(cfg.Firebase.ProjectID)
	}
	var clientOpts []option.ClientOption
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
		clientOpts = append(clientOpts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})

	publisher, err := jobs.NewPubSubOverridePublisher(topic)
	if err != nil {
		return nil, nil, fmt.Errorf("build audit publisher: %w", err)
	}
	check := repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: topicCheckTimeout,
		Check: func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("topic %s not found", topicID)
			}
			return nil
		},
	}
	return publisher, []repositories.DependencyCheck{check}, nil
}

// ManagerDirectory is the Firestore-backed approver directory together with its client provider.
type ManagerDirectory struct {
	Repository repositories.ManagerRepository
	provider   *pfirestore.Provider
}

// OpenManagerDirectory connects to the approver collection named by cfg. It is shared by the
// service and the provisioning CLI.
func OpenManagerDirectory(cfg config.Config) (*ManagerDirectory, error) {
	provider := pfirestore.NewProvider(cfg.Firestore)
	repo, err := firestoreRepo.NewManagerRepository(provider, cfg.Firestore.ManagersCollection)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("build firestore manager repository: %w", err)
	}
	return &ManagerDirectory{Repository: repo, provider: provider}, nil
}

// Ping checks that Firestore is reachable.
func (d *ManagerDirectory) Ping(ctx context.Context) error {
	return d.provider.Ping(ctx)
}

// Close releases the Firestore client.
func (d *ManagerDirectory) Close() error {
	return d.provider.Close()
}

// ParseSeedManagers parses "id:TIER:bcryptHash" entries into active approvers. A fourth
// segment, when present, is used as the display name.
func ParseSeedManagers(entries []string) ([]domain.Manager, error) {
	managers := make([]domain.Manager, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("seed manager %q: expected id:TIER:hash", redactSeed(entry))
		}
		id := strings.TrimSpace(parts[0])
		if id == "" {
			return nil, errors.New("seed manager: id is required")
		}
		tier, err := domain.ParsePermissionTier(parts[1])
		if err != nil {
			return nil, fmt.Errorf("seed manager %q: %w", id, err)
		}
		hash := strings.TrimSpace(parts[2])
		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("seed manager %q: PIN hash must be bcrypt", id)
		}
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("seed manager %q: duplicate id", id)
		}
		seen[key] = struct{}{}

		manager := domain.Manager{ID: id, Tier: tier, PINHash: hash, Active: true}
		if len(parts) == 4 {
			manager.DisplayName = strings.TrimSpace(parts[3])
		}
		managers = append(managers, manager)
	}
	return managers, nil
}

func redactSeed(entry string) string {
	id, _, _ := strings.Cut(entry, ":")
	return id + ":***"
}
