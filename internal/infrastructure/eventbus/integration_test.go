//go:build integration

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/testutil/containers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestRedisStreamChannel_AckNackDeadLetter(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := NewRedisStreamChannel(rc.Client, RedisOptions{
		Stream:            "test-events",
		VisibilityTimeout: 200 * time.Millisecond,
		Block:             100 * time.Millisecond,
	})
	defer ch.Close()

	deliveries, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, testEvent("e1", "q1")))
	require.NoError(t, ch.Publish(ctx, testEvent("e2", "q1")))

	first := receive(t, deliveries)
	assert.Equal(t, "e1", first.Event().ID)
	assert.Equal(t, 1, first.Attempt())
	require.NoError(t, first.Ack(ctx))
	require.NoError(t, first.Ack(ctx))

	second := receive(t, deliveries)
	assert.Equal(t, "e2", second.Event().ID)
	require.NoError(t, second.Nack(ctx))

	again := receive(t, deliveries)
	assert.Equal(t, second.ID(), again.ID())
	assert.GreaterOrEqual(t, again.Attempt(), 2)

	require.NoError(t, again.DeadLetter(ctx, "provider rejected"))
	require.NoError(t, again.DeadLetter(ctx, "provider rejected"))

	dead, err := rc.Client.XRange(ctx, ch.DeadLetterStream(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "provider rejected", dead[0].Values["reason"])

	pending, err := rc.Client.XPending(ctx, "test-events", "notifier").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisStreamChannel_ClaimsAbandonedEntries(t *testing.T) {
	rc := containers.NewRedisContainer(t)

	crashedCtx, crash := context.WithCancel(context.Background())
	crashed := NewRedisStreamChannel(rc.Client, RedisOptions{
		Stream:            "test-events",
		Consumer:          "crashed",
		VisibilityTimeout: 300 * time.Millisecond,
		Block:             100 * time.Millisecond,
	})
	deliveries, err := crashed.Subscribe(crashedCtx)
	require.NoError(t, err)
	require.NoError(t, crashed.Publish(crashedCtx, testEvent("e1", "")))
	lost := receive(t, deliveries)
	crash()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	survivor := NewRedisStreamChannel(rc.Client, RedisOptions{
		Stream:            "test-events",
		Consumer:          "survivor",
		VisibilityTimeout: 300 * time.Millisecond,
		Block:             100 * time.Millisecond,
	})
	deliveries, err = survivor.Subscribe(ctx)
	require.NoError(t, err)

	claimed := receive(t, deliveries)
	assert.Equal(t, lost.ID(), claimed.ID())
	assert.Equal(t, 2, claimed.Attempt())
	require.NoError(t, claimed.Ack(ctx))
}

func TestKafkaChannel_CommitsResolvedFrontier(t *testing.T) {
	broker := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := NewKafkaChannel(KafkaOptions{
		Brokers:           []string{broker},
		Topic:             "test-events",
		Partitions:        1,
		VisibilityTimeout: time.Second,
	})
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, ch.EnsureTopics(ctx))
	require.NoError(t, ch.EnsureTopics(ctx), "existing topics are not an error")

	require.NoError(t, ch.Publish(ctx, testEvent("e1", "q1")))
	require.NoError(t, ch.Publish(ctx, testEvent("e2", "q1")))

	deliveries, err := ch.Subscribe(ctx)
	require.NoError(t, err)

	first := receive(t, deliveries)
	second := receive(t, deliveries)
	assert.Equal(t, "e1", first.Event().ID)
	assert.Equal(t, "e2", second.Event().ID)

	require.NoError(t, second.Ack(ctx))
	require.NoError(t, first.Nack(ctx))

	again := receive(t, deliveries)
	assert.Equal(t, first.ID(), again.ID())
	assert.Equal(t, 2, again.Attempt())
	require.NoError(t, again.DeadLetter(ctx, "bad recipient"))
	require.NoError(t, again.DeadLetter(ctx, "bad recipient"))

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics("test-events.dlq"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer reader.Close()

	pollCtx, pollCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pollCancel()
	var dead []*kgo.Record
	for len(dead) == 0 && pollCtx.Err() == nil {
		dead = append(dead, reader.PollFetches(pollCtx).Records()...)
	}
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("q1"), dead[0].Key)
}
