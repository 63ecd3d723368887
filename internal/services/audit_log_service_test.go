package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

type stubEventPublisher struct {
	mu     sync.Mutex
	events []domain.OverrideEvent
	err    error
}

func (s *stubEventPublisher) PublishOverrideEvent(_ context.Context, event domain.OverrideEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("msg-%d", len(s.events)), nil
}

type captureLogger struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureLogger) Warnf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, fmt.Sprintf(format, args...))
}

func TestOverrideAuditServiceSanitisesAndPublishes(t *testing.T) {
	publisher := &stubEventPublisher{}
	now := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	svc, err := NewOverrideAuditService(OverrideAuditServiceDeps{
		Publisher:             publisher,
		Clock:                 func() time.Time { return now },
		HashSalt:              "salt",
		SensitiveMetadataKeys: []string{"customerPhone"},
	})
	if err != nil {
		t.Fatalf("NewOverrideAuditService: %v", err)
	}

	request := domain.OverrideRequest{
		Input:    domain.MarkdownInput{Type: domain.MarkdownTypePercentage, Value: domain.Float(30), Reason: domain.ReasonPriceMatch, Notes: "customer said competitor has it"},
		ItemName: "Lamp\x00 ",
	}
	svc.Record(context.Background(), domain.OverrideEvent{
		Action:    "  " + domain.OverrideActionRequested,
		SessionID: "sess-1",
		ActorID:   "emp-1",
		ActorTier: domain.TierAssociate,
		Request:   &request,
		Metadata:  map[string]string{"customerPhone": "555-0100", "storeId": "store-1"},
	})
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.EventID == "" || !event.OccurredAt.Equal(now) {
		t.Fatalf("expected defaults filled, got %+v", event)
	}
	if event.Action != domain.OverrideActionRequested {
		t.Fatalf("expected trimmed action, got %q", event.Action)
	}
	if event.Request.ItemName != "Lamp" {
		t.Fatalf("expected sanitised item name, got %q", event.Request.ItemName)
	}
	if !strings.HasPrefix(event.Request.Input.Notes, "sha256:") {
		t.Fatalf("expected hashed notes, got %q", event.Request.Input.Notes)
	}
	if request.Input.Notes != "customer said competitor has it" {
		t.Fatalf("caller request must not be mutated")
	}
	if !strings.HasPrefix(event.Metadata["customerPhone"], "sha256:") || event.Metadata["storeId"] != "store-1" {
		t.Fatalf("unexpected metadata %v", event.Metadata)
	}
}

func TestOverrideAuditServiceLogsPublishFailures(t *testing.T) {
	publisher := &stubEventPublisher{err: errors.New("topic deleted")}
	logger := &captureLogger{}
	svc, err := NewOverrideAuditService(OverrideAuditServiceDeps{Publisher: publisher, Logger: logger})
	if err != nil {
		t.Fatalf("NewOverrideAuditService: %v", err)
	}

	svc.Record(context.Background(), domain.OverrideEvent{Action: domain.OverrideActionDenied, SessionID: "sess-2", ActorTier: domain.TierAssociate})
	if err := svc.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(logger.messages) != 1 || !strings.Contains(logger.messages[0], "topic deleted") {
		t.Fatalf("expected failure to be logged, got %v", logger.messages)
	}
}

func TestNewOverrideAuditServiceRequiresPublisher(t *testing.T) {
	if _, err := NewOverrideAuditService(OverrideAuditServiceDeps{}); err == nil {
		t.Fatal("expected error for missing publisher")
	}
}
