package domain

import (
	"fmt"
	"time"
	"unicode/utf8"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

type NotificationStatus string

const (
	StatusPending      NotificationStatus = "PENDING"
	StatusSent         NotificationStatus = "SENT"
	StatusFailed       NotificationStatus = "FAILED"
	StatusDeadLettered NotificationStatus = "DEAD_LETTERED"
)

func (s NotificationStatus) Terminal() bool {
	return s == StatusSent || s == StatusDeadLettered
}

// DedupKey identifies one delivery of one event to one recipient on one channel.
type DedupKey struct {
	EventID     string
	RecipientID string
	Channel     Channel
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.EventID, k.RecipientID, k.Channel)
}

type NotificationRecord struct {
	ID          string             `json:"id"`
	EventID     string             `json:"event_id"`
	EventType   EventType          `json:"event_type"`
	RecipientID string             `json:"recipient_id"`
	Channel     Channel            `json:"channel"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	NextRetryAt time.Time          `json:"next_retry_at,omitzero"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Version     int64              `json:"version"`
}

func NewNotificationRecord(id string, key DedupKey, eventType EventType, now time.Time) *NotificationRecord {
	return &NotificationRecord{
		ID:          id,
		EventID:     key.EventID,
		EventType:   eventType,
		RecipientID: key.RecipientID,
		Channel:     key.Channel,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *NotificationRecord) Key() DedupKey {
	return DedupKey{EventID: r.EventID, RecipientID: r.RecipientID, Channel: r.Channel}
}

func (r *NotificationRecord) Terminal() bool {
	return r.Status.Terminal()
}

// Due reports whether a delivery attempt may start at now.
func (r *NotificationRecord) Due(now time.Time) bool {
	switch r.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !now.Before(r.NextRetryAt)
	default:
		return false
	}
}

func (r *NotificationRecord) Clone() *NotificationRecord {
	c := *r
	return &c
}

// Retry moves a FAILED record whose retry time has come back to PENDING.
func (r *NotificationRecord) Retry(now time.Time) error {
	if r.Status != StatusFailed {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, r.Status)
	}
	r.Status = StatusPending
	r.NextRetryAt = time.Time{}
	r.UpdatedAt = now
	return nil
}

func (r *NotificationRecord) MarkSent(now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: sent from %s", ErrInvalidTransition, r.Status)
	}
	r.Attempts++
	r.Status = StatusSent
	r.LastError = ""
	r.NextRetryAt = time.Time{}
	r.UpdatedAt = now
	return nil
}

func (r *NotificationRecord) MarkFailed(now time.Time, cause error, nextRetryAt time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: failed from %s", ErrInvalidTransition, r.Status)
	}
	r.Attempts++
	r.Status = StatusFailed
	r.LastError = errorText(cause)
	r.NextRetryAt = nextRetryAt
	r.UpdatedAt = now
	return nil
}

// MarkDeadLettered ends the record. attempted is false when the record is
// abandoned without a send, e.g. when no sender exists for its channel.
func (r *NotificationRecord) MarkDeadLettered(now time.Time, cause error, attempted bool) error {
	if r.Terminal() {
		return fmt.Errorf("%w: dead-letter from %s", ErrInvalidTransition, r.Status)
	}
	if attempted {
		r.Attempts++
	}
	r.Status = StatusDeadLettered
	r.LastError = errorText(cause)
	r.NextRetryAt = time.Time{}
	r.UpdatedAt = now
	return nil
}

// maxErrorText bounds LastError in bytes; cuts land on a rune boundary.
const maxErrorText = 512

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= maxErrorText {
		return msg
	}
	cut := maxErrorText
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

type Recipient struct {
	ID       string    `json:"id"`
	Channels []Channel `json:"channels"`
	Address  string    `json:"address,omitempty"`
}

// Message is the rendered content handed to a channel sender.
type Message struct {
	NotificationID string            `json:"notification_id"`
	EventID        string            `json:"event_id"`
	EventType      EventType         `json:"event_type"`
	RecipientID    string            `json:"recipient_id"`
	Address        string            `json:"address,omitempty"`
	Channel        Channel           `json:"channel"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
}
