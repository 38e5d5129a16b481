package client

import (
	"context"
	"net/http"
)

// EventClient publishes domain events to the notifier's intake endpoint.
type EventClient struct {
	*caller
}

func NewEventClient(notifierURL, serviceName string, opts ...Option) (*EventClient, error) {
	c, err := newCaller(notifierURL, serviceName, opts)
	if err != nil {
		return nil, err
	}
	return &EventClient{caller: c}, nil
}

// Publish returns the event id assigned by the notifier. Transient failures
// are retried; an event without an ID may then be accepted more than once.
func (c *EventClient) Publish(ctx context.Context, event Event) (string, error) {
	var resp struct {
		EventID string `json:"event_id"`
	}
	err := c.retry(ctx, "publish event", func() error {
		return c.postJSON(ctx, "/internal/events", event, &resp, http.StatusAccepted)
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}
