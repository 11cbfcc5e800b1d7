package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// Append-only: there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Callers treat audit logging as best-effort: Log never returns an error,
// failures are written to the process log instead.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Log records an event of the given kind. payload is marshalled to JSON; the
// line_id and operator_id keys of a map payload are lifted into the event.
func (s *Service) Log(ctx context.Context, kind EventType, payload map[string]any, actorID string, severity Severity) {
	if s == nil {
		return
	}
	e := Event{Type: kind, Severity: severity, ActorID: actorID}
	if v, ok := payload["line_id"].(string); ok {
		e.LineID = v
	}
	if v, ok := payload["operator_id"].(string); ok {
		e.OperatorID = v
	}
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			s.log.WarnContext(ctx, "audit payload not serializable", "type", kind, "err", err)
		} else {
			e.Payload = string(b)
		}
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.WarnContext(ctx, "audit append failed", "type", kind, "err", err)
	}
}
