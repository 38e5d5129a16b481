package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventAnswerCreated EventType = "ANSWER_CREATED"
	EventAnswerPosted  EventType = "ANSWER_POSTED"
)

type DomainEvent struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	// TraceParent carries the producer's W3C trace context, if any.
	TraceParent string `json:"traceparent,omitempty"`
}

func (e DomainEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrMalformedEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrMalformedEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformedEvent)
	}
	return nil
}

// PartitionKey orders events sharing an entity; falls back to the event id.
func (e DomainEvent) PartitionKey() string {
	if e.Key != "" {
		return e.Key
	}
	return e.ID
}

// PayloadMap decodes the payload for template rendering and recipient lookup.
func (e DomainEvent) PayloadMap() (map[string]any, error) {
	out := make(map[string]any)
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return out, nil
}

// AnswerPayload is published when an answer is added to a question.
// UserID is the author of the question, ActorID the author of the answer.
type AnswerPayload struct {
	ActorID       string `json:"actorId"`
	UserID        string `json:"userId"`
	QuestionID    string `json:"questionId"`
	QuestionTitle string `json:"questionTitle"`
	AnswerID      string `json:"answerId"`
}

func EncodeEvent(e DomainEvent) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEvent(data []byte) (DomainEvent, error) {
	var e DomainEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return DomainEvent{}, err
	}
	return e, nil
}
