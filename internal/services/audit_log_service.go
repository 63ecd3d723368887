package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

const (
	defaultAuditPublishTimeout = 5 * time.Second
	defaultHasherPrefix        = "sha256:"
)

// AuditLogger defines the logging contract used by the audit writer service.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

// OverrideAuditServiceDeps bundles constructor inputs for the override audit service.
type OverrideAuditServiceDeps struct {
	Publisher      OverrideEventPublisher
	Clock          func() time.Time
	Logger         AuditLogger
	HashSalt       string
	PublishTimeout time.Duration
	// SensitiveMetadataKeys are hashed instead of published verbatim.
	SensitiveMetadataKeys []string
}

// OverrideAuditService publishes override workflow events in the background. Publish failures are
// logged and never reach the caller.
type OverrideAuditService struct {
	publisher OverrideEventPublisher
	clock     func() time.Time
	logger    AuditLogger
	hashSalt  string
	timeout   time.Duration
	sensitive map[string]struct{}

	wg sync.WaitGroup
}

var _ OverrideAuditor = (*OverrideAuditService)(nil)

// NewOverrideAuditService creates an auditor backed by publisher.
func NewOverrideAuditService(deps OverrideAuditServiceDeps) (*OverrideAuditService, error) {
	if deps.Publisher == nil {
		return nil, fmt.Errorf("override audit service: publisher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopAuditLogger{}
	}
	timeout := deps.PublishTimeout
	if timeout <= 0 {
		timeout = defaultAuditPublishTimeout
	}
	sensitive := make(map[string]struct{}, len(deps.SensitiveMetadataKeys))
	for _, key := range deps.SensitiveMetadataKeys {
		if key = strings.TrimSpace(key); key != "" {
			sensitive[key] = struct{}{}
		}
	}

	return &OverrideAuditService{
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
		hashSalt:  deps.HashSalt,
		timeout:   timeout,
		sensitive: sensitive,
	}, nil
}

// Record sanitises event and publishes it asynchronously.
func (s *OverrideAuditService) Record(ctx context.Context, event domain.OverrideEvent) {
	entry := s.buildEvent(event)
	publishCtx := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(publishCtx, s.timeout)
		defer cancel()
		if _, err := s.publisher.PublishOverrideEvent(ctx, entry); err != nil {
			s.logger.Warnf("override audit publish failed: action=%s session=%s: %v", entry.Action, entry.SessionID, err)
		}
	}()
}

// Flush waits for in-flight publishes or until ctx is done.
func (s *OverrideAuditService) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *OverrideAuditService) buildEvent(event domain.OverrideEvent) domain.OverrideEvent {
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = ulid.Make().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock()
	} else {
		event.OccurredAt = event.OccurredAt.UTC()
	}
	event.Action = sanitizeText(event.Action, 120)
	event.ActorID = sanitizeText(event.ActorID, 160)
	event.ApproverID = sanitizeText(event.ApproverID, 160)
	event.Outcome = sanitizeText(event.Outcome, 256)

	if event.Request != nil {
		req := cloneOverrideRequest(*event.Request)
		req.ItemName = sanitizeText(req.ItemName, 200)
		if req.Input.Notes != "" {
			req.Input.Notes = defaultHasherPrefix + s.hashString(req.Input.Notes)
		}
		event.Request = &req
	}

	if len(event.Metadata) > 0 {
		meta := make(map[string]string, len(event.Metadata))
		for key, value := range event.Metadata {
			key = sanitizeText(key, 80)
			if key == "" {
				continue
			}
			if _, ok := s.sensitive[key]; ok {
				meta[key] = defaultHasherPrefix + s.hashString(value)
				continue
			}
			meta[key] = sanitizeText(value, 512)
		}
		event.Metadata = meta
	}
	return event
}

func (s *OverrideAuditService) hashString(value string) string {
	sum := sha256.Sum256([]byte(s.hashSalt + strings.TrimSpace(value)))
	return hex.EncodeToString(sum[:])
}

type noopAuditLogger struct{}

func (noopAuditLogger) Warnf(string, ...any) {}

// sanitizeText trims, drops control characters, and truncates to limit runes.
func sanitizeText(value string, limit int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	count := 0
	for _, r := range value {
		if r == utf8.RuneError || (r < 0x20 && r != ' ') || r == 0x7f {
			continue
		}
		if count >= limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
