package eventbus

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

var ErrClosed = errors.New("event channel closed")

type messageState int

const (
	stateReady messageState = iota
	stateInflight
	stateAcked
	stateDead
)

type memMessage struct {
	id        string
	event     domain.DomainEvent
	partition int
	state     messageState
	attempts  int
	visibleAt time.Time
}

// DeadLetter is a message moved out of the channel for good.
type DeadLetter struct {
	MessageID string
	Event     domain.DomainEvent
	Reason    string
	Attempts  int
}

type MemoryOptions struct {
	Partitions        int
	VisibilityTimeout time.Duration
}

// MemoryChannel is an in-process at-least-once channel. Events are spread
// over partitions by key and handed out in publish order per partition; an
// unresolved delivery becomes visible again after the visibility timeout.
type MemoryChannel struct {
	mu         sync.Mutex
	partitions [][]*memMessage
	messages   map[string]*memMessage
	dead       []DeadLetter
	next       int
	visibility time.Duration
	notify     chan struct{}
	closed     bool
	done       chan struct{}
	now        func() time.Time
}

func NewMemoryChannel(opts MemoryOptions) *MemoryChannel {
	if opts.Partitions <= 0 {
		opts.Partitions = 4
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &MemoryChannel{
		partitions: make([][]*memMessage, opts.Partitions),
		messages:   make(map[string]*memMessage),
		visibility: opts.VisibilityTimeout,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (c *MemoryChannel) Publish(_ context.Context, event domain.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	msg := &memMessage{
		id:        uuid.NewString(),
		event:     event,
		partition: partitionFor(event.PartitionKey(), len(c.partitions)),
	}
	c.messages[msg.id] = msg
	c.partitions[msg.partition] = append(c.partitions[msg.partition], msg)
	c.signal()
	return nil
}

func (c *MemoryChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Subscribe starts a pump handing out ready messages until ctx is done or
// the channel is closed.
func (c *MemoryChannel) Subscribe(ctx context.Context) (<-chan domain.Delivery, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan domain.Delivery)
	go c.pump(ctx, out)
	return out, nil
}

func (c *MemoryChannel) pump(ctx context.Context, out chan<- domain.Delivery) {
	defer close(out)

	tick := c.visibility / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		c.requeueExpired()
		for {
			d := c.take()
			if d == nil {
				break
			}
			select {
			case out <- d:
			case <-ctx.Done():
				c.release(d.msg)
				return
			case <-c.done:
				c.release(d.msg)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.notify:
		case <-ticker.C:
		}
	}
}

// take pops the oldest ready message, visiting partitions round robin.
func (c *MemoryChannel) take() *memDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.partitions)
	for i := 0; i < n; i++ {
		p := (c.next + i) % n
		queue := c.partitions[p]
		for len(queue) > 0 {
			msg := queue[0]
			queue = queue[1:]
			if msg.state != stateReady {
				continue
			}
			c.partitions[p] = queue
			c.next = (p + 1) % n

			msg.state = stateInflight
			msg.attempts++
			msg.visibleAt = c.now().Add(c.visibility)
			return &memDelivery{channel: c, msg: msg, attempt: msg.attempts}
		}
		c.partitions[p] = queue
	}
	return nil
}

// release puts a message that was taken but never handed out back in front.
func (c *MemoryChannel) release(msg *memMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.state != stateInflight {
		return
	}
	msg.state = stateReady
	msg.attempts--
	c.partitions[msg.partition] = append([]*memMessage{msg}, c.partitions[msg.partition]...)
}

func (c *MemoryChannel) requeueExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, msg := range c.messages {
		if msg.state == stateInflight && !now.Before(msg.visibleAt) {
			slog.Debug("visibility timeout expired, redelivering", "message_id", msg.id, "attempts", msg.attempts)
			c.requeueLocked(msg)
		}
	}
}

func (c *MemoryChannel) requeueLocked(msg *memMessage) {
	msg.state = stateReady
	c.partitions[msg.partition] = append([]*memMessage{msg}, c.partitions[msg.partition]...)
	c.signal()
}

func (c *MemoryChannel) resolve(msg *memMessage, to messageState, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.state {
	case stateAcked, stateDead:
		return
	case stateReady:
		// Redelivery already queued; drop it.
		queue := c.partitions[msg.partition]
		for i, m := range queue {
			if m == msg {
				c.partitions[msg.partition] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
	}

	msg.state = to
	delete(c.messages, msg.id)
	if to == stateDead {
		c.dead = append(c.dead, DeadLetter{
			MessageID: msg.id,
			Event:     msg.event,
			Reason:    reason,
			Attempts:  msg.attempts,
		})
	}
}

func (c *MemoryChannel) nack(msg *memMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.state != stateInflight {
		return
	}
	c.requeueLocked(msg)
}

// DeadLetters returns what has been dead-lettered so far.
func (c *MemoryChannel) DeadLetters() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DeadLetter(nil), c.dead...)
}

// Pending counts messages not yet acknowledged or dead-lettered.
func (c *MemoryChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type memDelivery struct {
	channel *MemoryChannel
	msg     *memMessage
	attempt int
}

func (d *memDelivery) ID() string                { return d.msg.id }
func (d *memDelivery) Event() domain.DomainEvent { return d.msg.event }
func (d *memDelivery) Attempt() int              { return d.attempt }

func (d *memDelivery) Ack(context.Context) error {
	d.channel.resolve(d.msg, stateAcked, "")
	return nil
}

func (d *memDelivery) Nack(context.Context) error {
	d.channel.nack(d.msg)
	return nil
}

func (d *memDelivery) DeadLetter(_ context.Context, reason string) error {
	d.channel.resolve(d.msg, stateDead, reason)
	return nil
}
