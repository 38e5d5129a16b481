package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"golang.org/x/sync/errgroup"
)

type DispatcherConfig struct {
	Workers           int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	SendTimeout       time.Duration
	ResolveTimeout    time.Duration
	StoreTimeout      time.Duration
	Retention         time.Duration
	RetentionInterval time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 5 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
}

type DispatchMetrics interface {
	RecordCreated(channel domain.Channel)
	DeliveryAttempt(channel domain.Channel, outcome string, took time.Duration)
	RecordTerminal(channel domain.Channel, status domain.NotificationStatus)
	MessageResolved(action string)
	RetentionDeleted(n int64)
}

type DispatcherOption func(*Dispatcher)

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func WithDispatchMetrics(m DispatchMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithBackoff(b Backoff) DispatcherOption {
	return func(d *Dispatcher) {
		d.backoff = b
	}
}

// Dispatcher turns domain events into notification records and drives each
// record to SENT or DEAD_LETTERED. A message is acknowledged only once all
// of its records are terminal.
type Dispatcher struct {
	config   DispatcherConfig
	source   domain.EventSubscriber
	store    domain.NotificationStore
	resolver domain.RecipientResolver
	senders  map[domain.Channel]domain.Sender
	renderer *Renderer
	backoff  Backoff
	metrics  DispatchMetrics
	now      func() time.Time

	locks   *keyedMutex
	retries chan domain.Delivery

	mu         sync.Mutex
	inflight   map[string]struct{}
	msgErrors  map[string]int
	pending    map[string]pendingRetry
	stopTimers bool
}

type pendingRetry struct {
	timer *time.Timer
	msg   domain.Delivery
}

func NewDispatcher(
	cfg DispatcherConfig,
	source domain.EventSubscriber,
	store domain.NotificationStore,
	resolver domain.RecipientResolver,
	senders []domain.Sender,
	renderer *Renderer,
	opts ...DispatcherOption,
) *Dispatcher {
	cfg.setDefaults()
	d := &Dispatcher{
		config:    cfg,
		source:    source,
		store:     store,
		resolver:  resolver,
		senders:   make(map[domain.Channel]domain.Sender, len(senders)),
		renderer:  renderer,
		backoff:   NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		now:       time.Now,
		locks:     newKeyedMutex(),
		retries:   make(chan domain.Delivery, cfg.Workers*4),
		inflight:  make(map[string]struct{}),
		msgErrors: make(map[string]int),
		pending:   make(map[string]pendingRetry),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes deliveries until ctx is cancelled. Messages waiting for an
// in-process retry are returned to the channel on the way out.
func (d *Dispatcher) Run(ctx context.Context) error {
	deliveries, err := d.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	slog.Info("dispatcher started",
		"workers", d.config.Workers,
		"max_attempts", d.config.MaxAttempts,
		"channels", len(d.senders),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.config.Workers; i++ {
		g.Go(func() error {
			return d.work(gctx, deliveries)
		})
	}
	if d.config.Retention > 0 {
		g.Go(func() error {
			d.retentionLoop(gctx)
			return nil
		})
	}

	err = g.Wait()
	d.releasePending()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, deliveries <-chan domain.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery stream closed")
			}
			if !d.claim(msg.ID()) {
				slog.Debug("skipping redelivery of message awaiting retry", "message_id", msg.ID())
				continue
			}
			d.Handle(ctx, msg)
		case msg := <-d.retries:
			d.Handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

type target struct {
	record    *domain.NotificationRecord
	recipient domain.Recipient
}

// Handle processes one delivery to completion or schedules its retry.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.Delivery) {
	event := msg.Event()
	logger := slog.With(
		"message_id", msg.ID(),
		"event_id", event.ID,
		"event_type", event.Type,
		"delivery", msg.Attempt(),
	)

	if err := event.Validate(); err != nil {
		logger.Warn("dead-lettering malformed event", "error", err)
		d.finish(ctx, msg, "dead_letter", err.Error())
		return
	}

	recipients, err := d.resolveRecipients(ctx, event)
	if err != nil {
		if domain.IsPermanent(err) {
			logger.Warn("recipient resolution failed permanently", "error", err)
			d.finish(ctx, msg, "dead_letter", err.Error())
			return
		}
		d.retryMessage(ctx, msg, logger, err)
		return
	}

	targets, err := d.fanOut(ctx, event, recipients)
	if err != nil {
		d.retryMessage(ctx, msg, logger, err)
		return
	}

	var (
		nextAt  time.Time
		waiting int
		failed  error
	)
	for _, t := range targets {
		rec, err := d.deliver(ctx, event, t)
		if err != nil {
			failed = err
			waiting++
			continue
		}
		if rec.Terminal() {
			continue
		}
		waiting++
		at := rec.NextRetryAt
		if rec.Status != domain.StatusFailed {
			at = d.now().Add(d.backoff.Base)
		}
		if nextAt.IsZero() || at.Before(nextAt) {
			nextAt = at
		}
	}

	if failed != nil {
		d.retryMessage(ctx, msg, logger, failed)
		return
	}
	if waiting > 0 {
		logger.Debug("records awaiting retry", "pending", waiting, "next_retry_at", nextAt)
		d.schedule(ctx, msg, nextAt)
		return
	}

	logger.Debug("all notifications terminal", "records", len(targets))
	d.finish(ctx, msg, "ack", "")
}

func (d *Dispatcher) resolveRecipients(ctx context.Context, event domain.DomainEvent) ([]domain.Recipient, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.ResolveTimeout)
	defer cancel()
	recipients, err := d.resolver.Resolve(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	return recipients, nil
}

// fanOut creates one record per recipient and channel unless it exists.
func (d *Dispatcher) fanOut(ctx context.Context, event domain.DomainEvent, recipients []domain.Recipient) ([]target, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	defer cancel()

	seen := make(map[domain.DedupKey]struct{})
	var targets []target
	for _, recipient := range recipients {
		for _, channel := range recipient.Channels {
			key := domain.DedupKey{EventID: event.ID, RecipientID: recipient.ID, Channel: channel}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			rec := domain.NewNotificationRecord(uuid.New().String(), key, event.Type, d.now())
			stored, created, err := d.store.CreateIfAbsent(ctx, rec)
			if err != nil {
				return nil, fmt.Errorf("create record %s: %w", key, err)
			}
			if created && d.metrics != nil {
				d.metrics.RecordCreated(channel)
			}
			targets = append(targets, target{record: stored, recipient: recipient})
		}
	}
	return targets, nil
}

// deliver runs at most one delivery attempt for a record while holding the
// record's lock and returns the record's resulting state.
func (d *Dispatcher) deliver(ctx context.Context, event domain.DomainEvent, t target) (*domain.NotificationRecord, error) {
	unlock := d.locks.Lock(t.record.ID)
	defer unlock()

	storeCtx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	rec, err := d.store.Get(storeCtx, t.record.ID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", t.record.ID, err)
	}

	now := d.now()
	if rec.Terminal() || !rec.Due(now) {
		return rec, nil
	}
	if rec.Status == domain.StatusFailed {
		if err := rec.Retry(now); err != nil {
			return nil, err
		}
		if err := d.save(ctx, rec); err != nil {
			return d.reloadOnConflict(ctx, rec, err)
		}
	}

	sender, ok := d.senders[rec.Channel]
	if !ok {
		cause := domain.Permanent(fmt.Errorf("no sender for channel %q", rec.Channel))
		return d.complete(ctx, rec, rec.MarkDeadLettered(now, cause, false))
	}

	content, err := d.renderer.Render(event, t.recipient, rec)
	if err != nil {
		return d.complete(ctx, rec, rec.MarkDeadLettered(now, domain.Permanent(err), false))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	start := time.Now()
	sendErr := sender.Send(sendCtx, content)
	cancel()
	took := time.Since(start)
	now = d.now()

	logger := slog.With("notification_id", rec.ID, "recipient_id", rec.RecipientID, "channel", rec.Channel)
	var transition error
	switch {
	case sendErr == nil:
		d.observeAttempt(rec.Channel, "sent", took)
		transition = rec.MarkSent(now)
	case domain.IsPermanent(sendErr):
		d.observeAttempt(rec.Channel, "permanent", took)
		logger.Warn("delivery failed permanently", "error", sendErr)
		transition = rec.MarkDeadLettered(now, sendErr, true)
	case rec.Attempts+1 > d.config.MaxAttempts:
		d.observeAttempt(rec.Channel, "exhausted", took)
		logger.Warn("delivery attempts exhausted", "attempts", rec.Attempts+1, "error", sendErr)
		transition = rec.MarkDeadLettered(now, sendErr, true)
	default:
		d.observeAttempt(rec.Channel, "transient", took)
		next := now.Add(d.backoff.Delay(rec.Attempts + 1))
		logger.Info("delivery failed, retry scheduled", "attempt", rec.Attempts+1, "next_retry_at", next, "error", sendErr)
		transition = rec.MarkFailed(now, sendErr, next)
	}
	return d.complete(ctx, rec, transition)
}

func (d *Dispatcher) complete(ctx context.Context, rec *domain.NotificationRecord, transition error) (*domain.NotificationRecord, error) {
	if transition != nil {
		return nil, transition
	}
	if err := d.save(ctx, rec); err != nil {
		return d.reloadOnConflict(ctx, rec, err)
	}
	if rec.Terminal() && d.metrics != nil {
		d.metrics.RecordTerminal(rec.Channel, rec.Status)
	}
	return rec, nil
}

func (d *Dispatcher) save(ctx context.Context, rec *domain.NotificationRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.StoreTimeout)
	defer cancel()
	return d.store.Update(ctx, rec)
}

// reloadOnConflict returns the stored record when another writer got there
// first; any other store error is returned as is.
func (d *Dispatcher) reloadOnConflict(ctx context.Context, rec *domain.NotificationRecord, err error) (*domain.NotificationRecord, error) {
	if !errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	defer cancel()
	return d.store.Get(ctx, rec.ID)
}

func (d *Dispatcher) observeAttempt(channel domain.Channel, outcome string, took time.Duration) {
	if d.metrics != nil {
		d.metrics.DeliveryAttempt(channel, outcome, took)
	}
}

// retryMessage handles failures that happen before records can be driven,
// such as an unreachable resolver or store.
func (d *Dispatcher) retryMessage(ctx context.Context, msg domain.Delivery, logger *slog.Logger, cause error) {
	d.mu.Lock()
	d.msgErrors[msg.ID()]++
	n := d.msgErrors[msg.ID()]
	d.mu.Unlock()

	if n > d.config.MaxAttempts {
		logger.Error("giving up on message", "failures", n, "error", cause)
		d.finish(ctx, msg, "dead_letter", cause.Error())
		return
	}

	at := d.now().Add(d.backoff.Delay(n))
	logger.Warn("message processing failed, retry scheduled", "failures", n, "retry_at", at, "error", cause)
	d.schedule(ctx, msg, at)
}

// schedule re-enqueues msg in-process at the given time. The message stays
// unacknowledged meanwhile, so a crash leads to redelivery.
func (d *Dispatcher) schedule(ctx context.Context, msg domain.Delivery, at time.Time) {
	delay := at.Sub(d.now())
	if delay < 0 {
		delay = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopTimers {
		go d.resolveDetached(msg, "nack", "")
		return
	}
	if old, ok := d.pending[msg.ID()]; ok {
		old.timer.Stop()
	}
	timer := time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.pending, msg.ID())
		d.mu.Unlock()

		select {
		case d.retries <- msg:
		case <-ctx.Done():
			d.resolveDetached(msg, "nack", "")
		}
	})
	d.pending[msg.ID()] = pendingRetry{timer: timer, msg: msg}
	d.metricsResolved("retry")
}

func (d *Dispatcher) releasePending() {
	d.mu.Lock()
	d.stopTimers = true
	var msgs []domain.Delivery
	for _, p := range d.pending {
		if p.timer.Stop() {
			msgs = append(msgs, p.msg)
		}
	}
	d.pending = make(map[string]pendingRetry)
	d.mu.Unlock()

	if len(msgs) > 0 {
		slog.Info("returning messages awaiting retry to the channel", "count", len(msgs))
	}
	for _, msg := range msgs {
		d.resolveDetached(msg, "nack", "")
	}
	// Stopped timers never fire; drain deliveries they already queued.
	for {
		select {
		case msg := <-d.retries:
			d.resolveDetached(msg, "nack", "")
		default:
			return
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, msg domain.Delivery, action, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.StoreTimeout)
	defer cancel()
	d.resolve(ctx, msg, action, reason)
}

func (d *Dispatcher) resolveDetached(msg domain.Delivery, action, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.StoreTimeout)
	defer cancel()
	d.resolve(ctx, msg, action, reason)
}

func (d *Dispatcher) resolve(ctx context.Context, msg domain.Delivery, action, reason string) {
	var err error
	switch action {
	case "ack":
		err = msg.Ack(ctx)
	case "nack":
		err = msg.Nack(ctx)
	case "dead_letter":
		err = msg.DeadLetter(ctx, reason)
	}
	if err != nil {
		slog.Error("failed to resolve message", "message_id", msg.ID(), "action", action, "error", err)
	}

	d.mu.Lock()
	if p, ok := d.pending[msg.ID()]; ok {
		p.timer.Stop()
		delete(d.pending, msg.ID())
	}
	delete(d.inflight, msg.ID())
	delete(d.msgErrors, msg.ID())
	d.mu.Unlock()

	d.metricsResolved(action)
}

func (d *Dispatcher) metricsResolved(action string) {
	if d.metrics != nil {
		d.metrics.MessageResolved(action)
	}
}
