package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/store"
)

// ErrForbidden is returned when the caller identity lacks the role an
// operation needs.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	receipts   cache.ReceiptCache
	receiptTTL time.Duration
	publisher  events.Publisher
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Service)

func WithReceiptCache(c cache.ReceiptCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.receipts = c
		}
		if ttl > 0 {
			s.receiptTTL = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		receipts:   cache.NoopReceiptCache{},
		receiptTTL: 10 * time.Minute,
		publisher:  events.NoopPublisher{},
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("posledger/service"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func requireManager(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleManager {
		return fmt.Errorf("%w: manager role required", ErrForbidden)
	}
	return nil
}

// publish sends a post-commit event. The write it describes is already
// durable, so a failure is only logged.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.String("event_key", event.Key),
			zap.Error(err),
		)
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(store.KindOf(err)))
}

func cleanID(v string) string {
	return strings.TrimSpace(v)
}
