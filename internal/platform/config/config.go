package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

const (
	defaultEnvFile                = ".env"
	defaultPort                   = "8080"
	defaultReadTimeout            = 15 * time.Second
	defaultWriteTimeout           = 30 * time.Second
	defaultIdleTimeout            = 120 * time.Second
	defaultRequestTimeout         = 30 * time.Second
	defaultSecurityEnvironment    = "local"
	defaultRoleClaim              = "role"
	defaultStoreClaim             = "storeId"
	defaultTokenVerifyTimeout     = 5 * time.Second
	defaultManagersCollection     = "markdownApprovers"
	defaultCredentialCheckTimeout = 10 * time.Second
	defaultSessionIdleTTL         = 30 * time.Minute
	defaultSweepInterval          = time.Minute
	defaultSweepBatchSize         = 500
	defaultMinPINLength           = 4
	defaultCurrency               = "USD"
	defaultLocale                 = "en-US"

	// VerifierBackendMemory verifies manager PINs against a directory seeded from configuration.
	VerifierBackendMemory = "memory"
	// VerifierBackendFirestore verifies manager PINs against a Firestore collection.
	VerifierBackendFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	PubSub    PubSubConfig
	Security  SecurityConfig
	Markdown  MarkdownConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// FirebaseConfig identifies the Firebase project that issues employee ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	VerifyTimeout   time.Duration
	// CheckRevoked also rejects tokens revoked after sign-in and tokens of disabled accounts.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID          string
	EmulatorHost       string
	ManagersCollection string
}

// PubSubConfig configures the audit event topic. An empty AuditTopic disables publishing.
type PubSubConfig struct {
	ProjectID    string
	EmulatorHost string
	AuditTopic   string
}

// SecurityConfig holds identity and credential settings.
type SecurityConfig struct {
	Environment string
	RoleClaim   string
	StoreClaim  string
	// FallbackTier is granted to tokens whose role claim names no known tier. TierUnknown rejects them.
	FallbackTier domain.PermissionTier
	PINPepper    string
	// AuditHashSalt keys the hashes of notes and sensitive metadata in audit events.
	AuditHashSalt string
}

// MarkdownConfig tunes the override workflow.
type MarkdownConfig struct {
	CredentialCheckTimeout time.Duration
	SessionIdleTTL         time.Duration
	SweepInterval          time.Duration
	SweepBatchSize         int
	VerifierBackend        string
	MinPINLength           int
	Currency               string
	Locale                 string
	// SeedManagers lists "id:TIER:bcryptHash" entries for the memory verifier backend.
	SeedManagers []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Security.PINPepper").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "MARKDOWN_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "MARKDOWN_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "MARKDOWN_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "MARKDOWN_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "MARKDOWN_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "MARKDOWN_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "MARKDOWN_FIREBASE_CREDENTIALS_FILE", ""),
			VerifyTimeout:   durationWithDefault(lookup, "MARKDOWN_FIREBASE_VERIFY_TIMEOUT", defaultTokenVerifyTimeout),
			CheckRevoked:    boolWithDefault(lookup, "MARKDOWN_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:          stringWithDefault(lookup, "MARKDOWN_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:       stringWithDefault(lookup, "MARKDOWN_FIRESTORE_EMULATOR_HOST", ""),
			ManagersCollection: stringWithDefault(lookup, "MARKDOWN_FIRESTORE_MANAGERS_COLLECTION", defaultManagersCollection),
		},
		PubSub: PubSubConfig{
			ProjectID:    stringWithDefault(lookup, "MARKDOWN_PUBSUB_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "MARKDOWN_PUBSUB_EMULATOR_HOST", ""),
			AuditTopic:   stringWithDefault(lookup, "MARKDOWN_PUBSUB_AUDIT_TOPIC", ""),
		},
		Security: SecurityConfig{
			Environment:   strings.ToLower(stringWithDefault(lookup, "MARKDOWN_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			RoleClaim:     stringWithDefault(lookup, "MARKDOWN_SECURITY_ROLE_CLAIM", defaultRoleClaim),
			StoreClaim:    stringWithDefault(lookup, "MARKDOWN_SECURITY_STORE_CLAIM", defaultStoreClaim),
			PINPepper:     stringWithDefault(lookup, "MARKDOWN_SECURITY_PIN_PEPPER", ""),
			AuditHashSalt: stringWithDefault(lookup, "MARKDOWN_SECURITY_AUDIT_SALT", ""),
		},
		Markdown: MarkdownConfig{
			CredentialCheckTimeout: durationWithDefault(lookup, "MARKDOWN_OVERRIDE_CHECK_TIMEOUT", defaultCredentialCheckTimeout),
			SessionIdleTTL:         durationWithDefault(lookup, "MARKDOWN_SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SweepInterval:          durationWithDefault(lookup, "MARKDOWN_SESSION_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:         intWithDefault(lookup, "MARKDOWN_SESSION_SWEEP_BATCH", defaultSweepBatchSize),
			VerifierBackend:        strings.ToLower(stringWithDefault(lookup, "MARKDOWN_OVERRIDE_VERIFIER", VerifierBackendMemory)),
			MinPINLength:           intWithDefault(lookup, "MARKDOWN_OVERRIDE_MIN_PIN_LENGTH", defaultMinPINLength),
			Currency:               strings.ToUpper(stringWithDefault(lookup, "MARKDOWN_CURRENCY", defaultCurrency)),
			Locale:                 stringWithDefault(lookup, "MARKDOWN_LOCALE", defaultLocale),
			SeedManagers:           csvWithDefault(lookup, "MARKDOWN_OVERRIDE_SEED_MANAGERS"),
		},
	}

	resolvedSecrets := make(map[string]string)
	pepper, err := resolveSecret(ctx, cfg.Security.PINPepper, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Security.PINPepper = pepper
	resolvedSecrets["Security.PINPepper"] = strings.TrimSpace(pepper)

	salt, err := resolveSecret(ctx, cfg.Security.AuditHashSalt, options.secret)
	if err != nil {
		return Config{}, err
	}
	cfg.Security.AuditHashSalt = salt
	resolvedSecrets["Security.AuditHashSalt"] = strings.TrimSpace(salt)

	var invalid []string
	if raw := stringWithDefault(lookup, "MARKDOWN_SECURITY_FALLBACK_TIER", ""); raw != "" {
		tier, err := domain.ParsePermissionTier(raw)
		if err != nil {
			invalid = append(invalid, "Security.FallbackTier")
		}
		cfg.Security.FallbackTier = tier
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			panic(missing)
		}
		return Config{}, missing
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	switch cfg.Markdown.VerifierBackend {
	case VerifierBackendMemory:
	case VerifierBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
		if strings.TrimSpace(cfg.Firestore.ManagersCollection) == "" {
			missing = append(missing, "Firestore.ManagersCollection")
		}
	default:
		missing = append(missing, "Markdown.VerifierBackend")
	}
	if cfg.Markdown.CredentialCheckTimeout <= 0 {
		missing = append(missing, "Markdown.CredentialCheckTimeout")
	}
	if cfg.Markdown.SessionIdleTTL <= 0 {
		missing = append(missing, "Markdown.SessionIdleTTL")
	}
	if cfg.Markdown.MinPINLength < 4 {
		missing = append(missing, "Markdown.MinPINLength")
	}
	if len(cfg.Markdown.Currency) != 3 {
		missing = append(missing, "Markdown.Currency")
	}
	if cfg.Firebase.VerifyTimeout <= 0 {
		missing = append(missing, "Firebase.VerifyTimeout")
	}
	if cfg.Security.Environment != defaultSecurityEnvironment {
		if cfg.Security.PINPepper == "" {
			missing = append(missing, "Security.PINPepper")
		}
		if cfg.PubSub.AuditTopic != "" && cfg.Security.AuditHashSalt == "" {
			missing = append(missing, "Security.AuditHashSalt")
		}
		if cfg.Security.AuditHashSalt != "" && cfg.Security.AuditHashSalt == cfg.Security.PINPepper {
			missing = append(missing, "Security.AuditHashSalt")
		}
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
