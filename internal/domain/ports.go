//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Sender,RecipientResolver

package domain

import (
	"context"
	"time"
)

// RegistryStore persists service instances with lease semantics (output port).
type RegistryStore interface {
	SaveInstance(ctx context.Context, instance *ServiceInstance) error
	// RenewLease extends the lease and returns the updated instance or
	// ErrInstanceNotFound.
	RenewLease(ctx context.Context, instanceID string, now time.Time, lease time.Duration) (*ServiceInstance, error)
	// DeleteInstance returns ErrInstanceNotFound when nothing was stored
	// under instanceID.
	DeleteInstance(ctx context.Context, instanceID string) error
	ListInstances(ctx context.Context) ([]*ServiceInstance, error)
}

// NotificationStore persists notification records (output port).
type NotificationStore interface {
	// CreateIfAbsent inserts rec unless a record with the same dedup key
	// exists, in which case the existing record is returned and created is false.
	CreateIfAbsent(ctx context.Context, rec *NotificationRecord) (stored *NotificationRecord, created bool, err error)
	Get(ctx context.Context, id string) (*NotificationRecord, error)
	// Update writes rec if the stored version equals rec.Version and bumps
	// rec.Version. A mismatch returns ErrConflict.
	Update(ctx context.Context, rec *NotificationRecord) error
	ListByEvent(ctx context.Context, eventID string) ([]*NotificationRecord, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// EventSubscriber hands out deliveries until ctx is cancelled, then closes
// the channel.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

type EventChannel interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// Delivery is one hand-off of a message to a consumer. Ack, Nack and
// DeadLetter are idempotent: resolving an already resolved message is a no-op.
type Delivery interface {
	ID() string
	Event() DomainEvent
	// Attempt is the 1-based delivery count as far as the transport knows it.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack returns the message to the channel for redelivery.
	Nack(ctx context.Context) error
	DeadLetter(ctx context.Context, reason string) error
}

// Sender delivers rendered content on one channel. Errors wrapped with
// Permanent are never retried; anything else is retried with backoff.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) error
}

type RecipientResolver interface {
	Resolve(ctx context.Context, event DomainEvent) ([]Recipient, error)
}
