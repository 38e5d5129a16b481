package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	inboxPrefix  = "notifier:inbox:"
	markerPrefix = "notifier:inbox:delivered:"
)

type InboxOptions struct {
	// MaxItems caps each recipient's inbox; older entries are trimmed.
	MaxItems int64
	// MarkerTTL bounds how long a delivered notification id is remembered.
	MarkerTTL time.Duration
}

// InboxSender stores in-app notifications in a per-recipient Redis list.
// A delivered-marker keyed by notification id keeps a retried send from
// pushing the same message twice.
type InboxSender struct {
	client *redis.Client
	opts   InboxOptions
}

func NewInboxSender(client *redis.Client, opts InboxOptions) *InboxSender {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 200
	}
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = 7 * 24 * time.Hour
	}
	return &InboxSender{client: client, opts: opts}
}

func (s *InboxSender) Channel() domain.Channel {
	return domain.ChannelInApp
}

func (s *InboxSender) Send(ctx context.Context, msg domain.Message) error {
	if msg.RecipientID == "" {
		return domain.Permanent(fmt.Errorf("in-app message without recipient"))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return domain.Permanent(fmt.Errorf("marshal message: %w", err))
	}

	marker := markerPrefix + msg.NotificationID
	fresh, err := s.client.SetNX(ctx, marker, time.Now().UTC().Format(time.RFC3339), s.opts.MarkerTTL).Result()
	if err != nil {
		return domain.Transient(fmt.Errorf("setnx marker: %w", err))
	}
	if !fresh {
		return nil
	}

	key := inboxPrefix + msg.RecipientID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, s.opts.MaxItems-1)
		return nil
	})
	if err != nil {
		s.client.Del(context.WithoutCancel(ctx), marker)
		return domain.Transient(fmt.Errorf("push inbox: %w", err))
	}
	return nil
}

// Inbox returns up to limit of the recipient's newest messages.
func (s *InboxSender) Inbox(ctx context.Context, recipientID string, limit int64) ([]domain.Message, error) {
	if limit <= 0 || limit > s.opts.MaxItems {
		limit = s.opts.MaxItems
	}
	raw, err := s.client.LRange(ctx, inboxPrefix+recipientID, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange inbox: %w", err)
	}

	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
