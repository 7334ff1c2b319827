package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Faizanmal/SmartFormBuilder-sub001/backend/internal/audit"
)

// AuditRecorder persists join/leave records; implemented by store.AuditStore.
type AuditRecorder interface {
	RecordJoin(ctx context.Context, formID, userID, displayName string, at time.Time) error
	RecordLeave(ctx context.Context, formID, userID string, at time.Time) error
}

// Identity is the response of POST /sessions/join.
type Identity struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Service allocates session identities before the socket is opened and
// records join/leave for audit purposes.
type Service struct {
	secret []byte
	ttl    time.Duration
	audits AuditRecorder
	events *audit.Dispatcher
}

func NewService(secret []byte, ttl time.Duration, audits AuditRecorder, events *audit.Dispatcher) *Service {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Service{secret: secret, ttl: ttl, audits: audits, events: events}
}

// Join allocates a fresh userId for (formID, displayName) and signs the
// session token the transport presents on the websocket upgrade.
func (s *Service) Join(ctx context.Context, formID, displayName string) (Identity, error) {
	if formID == "" || displayName == "" {
		return Identity{}, fmt.Errorf("formId and displayName are required")
	}
	userID := uuid.NewString()
	token, expiresAt, err := SignSessionToken(s.secret, userID, displayName, formID, s.ttl)
	if err != nil {
		return Identity{}, fmt.Errorf("sign session token: %w", err)
	}

	now := time.Now()
	if s.audits != nil {
		if err := s.audits.RecordJoin(ctx, formID, userID, displayName, now); err != nil {
			log.Printf("session: join audit failed: %v", err)
		}
	}
	s.emit(ctx, audit.Event{
		EventType:   audit.EventSessionJoined,
		FormID:      formID,
		UserID:      userID,
		DisplayName: displayName,
		OccurredAt:  now,
	})

	return Identity{UserID: userID, SessionToken: token, ExpiresAt: expiresAt.UnixMilli()}, nil
}

// Leave records the best-effort leave notice. The token is the only input;
// an invalid one is reported as ErrTokenInvalid-wrapped from the jwt layer.
func (s *Service) Leave(ctx context.Context, token string) error {
	claims, err := ParseSessionToken(s.secret, token)
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	now := time.Now()
	if s.audits != nil {
		if err := s.audits.RecordLeave(ctx, claims.FormID, claims.UserID, now); err != nil {
			log.Printf("session: leave audit failed: %v", err)
		}
	}
	s.emit(ctx, audit.Event{
		EventType:   audit.EventSessionLeft,
		FormID:      claims.FormID,
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		OccurredAt:  now,
	})
	return nil
}

// Verify validates a session token for the websocket middleware.
func (s *Service) Verify(token string) (*Claims, error) {
	return ParseSessionToken(s.secret, token)
}

func (s *Service) emit(ctx context.Context, evt audit.Event) {
	if s.events == nil {
		return
	}
	enqueueCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := s.events.Enqueue(enqueueCtx, evt); err != nil {
		log.Printf("session: audit event dropped type=%s form=%s: %v", evt.EventType, evt.FormID, err)
	}
}
