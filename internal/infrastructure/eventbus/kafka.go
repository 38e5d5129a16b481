package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaOptions struct {
	Brokers           []string
	Topic             string
	DeadLetterTopic   string
	Group             string
	ClientID          string
	Partitions        int32
	ReplicationFactor int16
	VisibilityTimeout time.Duration
}

func (o *KafkaOptions) setDefaults() {
	if o.Topic == "" {
		o.Topic = "question-events"
	}
	if o.DeadLetterTopic == "" {
		o.DeadLetterTopic = o.Topic + ".dlq"
	}
	if o.Group == "" {
		o.Group = "notifier"
	}
	if o.ClientID == "" {
		o.ClientID = "notifier"
	}
	if o.Partitions <= 0 {
		o.Partitions = 6
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
}

// KafkaChannel publishes events keyed by partition key and consumes them
// through a consumer group. Offsets are committed only up to the first
// unresolved record of each partition, so unresolved records are replayed
// after a crash or rebalance.
type KafkaChannel struct {
	opts     KafkaOptions
	producer *kgo.Client

	mu       sync.Mutex
	consumer *kgo.Client
	tracks   map[int32]*partitionTrack
	epoch    map[int32]int
}

func NewKafkaChannel(opts KafkaOptions) (*KafkaChannel, error) {
	opts.setDefaults()
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.ClientID(opts.ClientID),
		kgo.DefaultProduceTopic(opts.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaChannel{
		opts:     opts,
		producer: producer,
		tracks:   make(map[int32]*partitionTrack),
		epoch:    make(map[int32]int),
	}, nil
}

// EnsureTopics creates the event and dead-letter topics if missing.
func (c *KafkaChannel) EnsureTopics(ctx context.Context) error {
	admin := kadm.NewClient(c.producer)

	resp, err := admin.CreateTopics(ctx, c.opts.Partitions, c.opts.ReplicationFactor, nil,
		c.opts.Topic, c.opts.DeadLetterTopic)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !errors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}

func (c *KafkaChannel) Publish(ctx context.Context, event domain.DomainEvent) error {
	data, err := domain.EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	rec := &kgo.Record{
		Topic: c.opts.Topic,
		Key:   []byte(event.PartitionKey()),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-id", Value: []byte(event.ID)},
		},
	}
	if err := c.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func (c *KafkaChannel) Subscribe(ctx context.Context) (<-chan domain.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumer != nil {
		return nil, errors.New("kafka channel already subscribed")
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(c.opts.Brokers...),
		kgo.ClientID(c.opts.ClientID),
		kgo.ConsumerGroup(c.opts.Group),
		kgo.ConsumeTopics(c.opts.Topic),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c.consumer = consumer

	out := make(chan domain.Delivery)
	redeliver := make(chan *kafkaDelivery, 64)
	go c.consume(ctx, consumer, out, redeliver)
	return out, nil
}

// onRevoked commits what can be committed and forgets revoked partitions.
// Deliveries still held for them resolve as no-ops.
func (c *KafkaChannel) onRevoked(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, partition := range revoked[c.opts.Topic] {
		if track, ok := c.tracks[partition]; ok {
			if rec := track.frontier(); rec != nil {
				if err := cl.CommitRecords(ctx, rec); err != nil {
					slog.Warn("commit on revoke failed", "partition", partition, "error", err)
				}
			}
		}
		delete(c.tracks, partition)
		c.epoch[partition]++
	}
}

func (c *KafkaChannel) consume(ctx context.Context, consumer *kgo.Client, out chan<- domain.Delivery, redeliver chan *kafkaDelivery) {
	defer close(out)
	logger := slog.With("topic", c.opts.Topic, "group", c.opts.Group)
	logger.Info("consuming kafka topic")

	ticker := time.NewTicker(c.opts.VisibilityTimeout / 2)
	defer ticker.Stop()

	polled := make(chan kgo.Fetches)
	go func() {
		defer close(polled)
		for {
			fetches := consumer.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			select {
			case polled <- fetches:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-redeliver:
			if !c.send(ctx, out, d) {
				return
			}
		case <-ticker.C:
			for _, d := range c.expired() {
				if !c.send(ctx, out, d) {
					return
				}
			}
		case fetches, ok := <-polled:
			if !ok {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				logger.Warn("fetch error", "partition", partition, "error", err)
			})
			var batch []*kafkaDelivery
			fetches.EachRecord(func(rec *kgo.Record) {
				batch = append(batch, c.track(rec, redeliver))
			})
			for _, d := range batch {
				if !c.send(ctx, out, d) {
					return
				}
			}
		}
	}
}

func (c *KafkaChannel) send(ctx context.Context, out chan<- domain.Delivery, d *kafkaDelivery) bool {
	if !d.begin(c.opts.VisibilityTimeout) {
		return true
	}
	event, err := domain.DecodeEvent(d.rec.Value)
	if err != nil {
		slog.Warn("dead-lettering undecodable record",
			"partition", d.rec.Partition, "offset", d.rec.Offset, "error", err)
		if err := d.DeadLetter(ctx, err.Error()); err != nil {
			slog.Error("dead-letter failed", "offset", d.rec.Offset, "error", err)
		}
		return true
	}
	d.event = event

	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *KafkaChannel) track(rec *kgo.Record, redeliver chan *kafkaDelivery) *kafkaDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tracks[rec.Partition]
	if !ok {
		t = &partitionTrack{}
		c.tracks[rec.Partition] = t
	}
	d := &kafkaDelivery{channel: c, rec: rec, epoch: c.epoch[rec.Partition], redeliver: redeliver}
	t.add(d)
	return d
}

func (c *KafkaChannel) expired() []*kafkaDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var out []*kafkaDelivery
	for _, t := range c.tracks {
		for _, d := range t.pending {
			if d.expired(now) {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.Offset < out[j].rec.Offset })
	return out
}

// complete marks d done and commits the new frontier of its partition.
func (c *KafkaChannel) complete(ctx context.Context, d *kafkaDelivery) error {
	c.mu.Lock()
	if c.epoch[d.rec.Partition] != d.epoch {
		c.mu.Unlock()
		return nil
	}
	t, ok := c.tracks[d.rec.Partition]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	t.done(d.rec.Offset)
	commit := t.frontier()
	consumer := c.consumer
	c.mu.Unlock()

	if commit == nil || consumer == nil {
		return nil
	}
	if err := consumer.CommitRecords(ctx, commit); err != nil {
		return fmt.Errorf("commit offset %d: %w", commit.Offset, err)
	}
	return nil
}

func (c *KafkaChannel) Close() error {
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()
	if consumer != nil {
		consumer.Close()
	}
	c.producer.Close()
	return nil
}

// partitionTrack remembers unresolved records of one partition in offset
// order.
type partitionTrack struct {
	pending []*kafkaDelivery
}

func (t *partitionTrack) add(d *kafkaDelivery) {
	t.pending = append(t.pending, d)
}

func (t *partitionTrack) done(offset int64) {
	for _, d := range t.pending {
		if d.rec.Offset == offset {
			d.markDone()
		}
	}
}

// frontier drops the leading resolved records and returns the last of them,
// or nil when nothing new can be committed.
func (t *partitionTrack) frontier() *kgo.Record {
	var advanced *kgo.Record
	for len(t.pending) > 0 && t.pending[0].isDone() {
		advanced = t.pending[0].rec
		t.pending = t.pending[1:]
	}
	return advanced
}

type kafkaDelivery struct {
	channel   *KafkaChannel
	rec       *kgo.Record
	event     domain.DomainEvent
	epoch     int
	redeliver chan *kafkaDelivery

	mu        sync.Mutex
	attempts  int
	inflight  bool
	visibleAt time.Time
	resolved  bool
}

func (d *kafkaDelivery) begin(visibility time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolved {
		return false
	}
	d.attempts++
	d.inflight = true
	d.visibleAt = time.Now().Add(visibility)
	return true
}

func (d *kafkaDelivery) expired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.resolved && d.inflight && !now.Before(d.visibleAt)
}

func (d *kafkaDelivery) markDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolved = true
	d.inflight = false
}

func (d *kafkaDelivery) isDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolved
}

func (d *kafkaDelivery) ID() string {
	return d.rec.Topic + "/" + strconv.Itoa(int(d.rec.Partition)) + "/" + strconv.FormatInt(d.rec.Offset, 10)
}

func (d *kafkaDelivery) Event() domain.DomainEvent { return d.event }

func (d *kafkaDelivery) Attempt() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	if d.isDone() {
		return nil
	}
	return d.channel.complete(ctx, d)
}

// Nack hands the record out again from this process; the partition's commit
// frontier stays behind it until it is resolved.
func (d *kafkaDelivery) Nack(ctx context.Context) error {
	d.mu.Lock()
	if d.resolved || !d.inflight {
		d.mu.Unlock()
		return nil
	}
	d.inflight = false
	d.mu.Unlock()

	select {
	case d.redeliver <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string) error {
	if d.isDone() {
		return nil
	}
	c := d.channel
	rec := &kgo.Record{
		Topic: c.opts.DeadLetterTopic,
		Key:   d.rec.Key,
		Value: d.rec.Value,
		Headers: append(append([]kgo.RecordHeader(nil), d.rec.Headers...),
			kgo.RecordHeader{Key: "dlq-reason", Value: []byte(reason)},
			kgo.RecordHeader{Key: "dlq-source", Value: []byte(d.ID())},
			kgo.RecordHeader{Key: "dlq-attempts", Value: []byte(strconv.Itoa(d.Attempt()))},
		),
	}
	if err := c.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce dead letter: %w", err)
	}
	return c.complete(ctx, d)
}
