package recipients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// PayloadResolver derives the recipient from the event itself: the owner of
// the question (userId) is notified unless they performed the action.
type PayloadResolver struct {
	channels []domain.Channel
}

func NewPayloadResolver(channels []domain.Channel) *PayloadResolver {
	if len(channels) == 0 {
		channels = []domain.Channel{domain.ChannelInApp}
	}
	return &PayloadResolver{channels: channels}
}

func (r *PayloadResolver) Resolve(_ context.Context, event domain.DomainEvent) ([]domain.Recipient, error) {
	var payload domain.AnswerPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, domain.Permanent(fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err))
	}
	if payload.UserID == "" {
		return nil, domain.Permanent(fmt.Errorf("%w: payload has no userId", domain.ErrMalformedEvent))
	}
	if payload.ActorID != "" && payload.ActorID == payload.UserID {
		return nil, nil
	}

	return []domain.Recipient{{
		ID:       payload.UserID,
		Channels: append([]domain.Channel(nil), r.channels...),
	}}, nil
}
