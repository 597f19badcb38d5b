package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/connecthub/identity/pkg/kafka"

	"github.com/connecthub/identity/internal/domain"
)

// Kafka topic constants for identity domain events.
const (
	TopicUserRegistered = "identity.user.registered"
	TopicUserLoggedIn   = "identity.user.logged_in"
)

// Aggregate type constant.
const AggregateTypeUser = "user"

// Source identifier for events originating from this service.
const SourceIdentity = "identity"

// UserRegisteredData is the payload for an identity.user.registered event.
type UserRegisteredData struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Provider    *string `json:"oauth_provider,omitempty"`
}

// UserLoggedInData is the payload for an identity.user.logged_in event.
type UserLoggedInData struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Method string `json:"method"` // "password" or the provider name
}

// Publisher is the subset of the Kafka producer the event layer needs,
// extracted so the service tests can stub it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes identity domain events to Kafka.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishUserRegistered publishes an identity.user.registered event.
func (p *Producer) PublishUserRegistered(ctx context.Context, user *domain.User) error {
	data := UserRegisteredData{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Provider:    user.OAuthProvider,
	}

	event, err := pkgkafka.NewEvent(TopicUserRegistered, user.ID, AggregateTypeUser, SourceIdentity, data)
	if err != nil {
		return fmt.Errorf("create user.registered event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicUserRegistered, event); err != nil {
		return fmt.Errorf("publish user.registered event: %w", err)
	}

	p.logger.DebugContext(ctx, "published user.registered event",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return nil
}

// PublishUserLoggedIn publishes an identity.user.logged_in event. Method
// names the authentication path taken.
func (p *Producer) PublishUserLoggedIn(ctx context.Context, user *domain.User, method string) error {
	data := UserLoggedInData{
		ID:     user.ID,
		Email:  user.Email,
		Method: method,
	}

	event, err := pkgkafka.NewEvent(TopicUserLoggedIn, user.ID, AggregateTypeUser, SourceIdentity, data)
	if err != nil {
		return fmt.Errorf("create user.logged_in event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicUserLoggedIn, event); err != nil {
		return fmt.Errorf("publish user.logged_in event: %w", err)
	}

	p.logger.DebugContext(ctx, "published user.logged_in event",
		slog.String("user_id", user.ID),
		slog.String("method", method),
	)

	return nil
}
