package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

var errStoreDown = errors.New("store unreachable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRegistryStore struct {
	mu        sync.Mutex
	instances map[string]*domain.ServiceInstance
	down      bool

	// When set, ListInstances signals listEntered and waits for listRelease.
	listEntered chan struct{}
	listRelease chan struct{}
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{instances: make(map[string]*domain.ServiceInstance)}
}

func (s *fakeRegistryStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *fakeRegistryStore) SaveInstance(_ context.Context, instance *domain.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *fakeRegistryStore) RenewLease(_ context.Context, id string, now time.Time, lease time.Duration) (*domain.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errStoreDown
	}
	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	renewed := inst.Renewed(now, lease)
	s.instances[id] = renewed
	return renewed.Clone(), nil
}

func (s *fakeRegistryStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	if _, ok := s.instances[id]; !ok {
		return domain.ErrInstanceNotFound
	}
	delete(s.instances, id)
	return nil
}

func (s *fakeRegistryStore) ListInstances(_ context.Context) ([]*domain.ServiceInstance, error) {
	if s.listEntered != nil {
		s.listEntered <- struct{}{}
		<-s.listRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errStoreDown
	}
	out := make([]*domain.ServiceInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}

type fakeNotificationStore struct {
	mu      sync.Mutex
	byID    map[string]*domain.NotificationRecord
	byKey   map[domain.DedupKey]string
	creates int
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{
		byID:  make(map[string]*domain.NotificationRecord),
		byKey: make(map[domain.DedupKey]string),
	}
}

func (s *fakeNotificationStore) CreateIfAbsent(_ context.Context, rec *domain.NotificationRecord) (*domain.NotificationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[rec.Key()]; ok {
		return s.byID[id].Clone(), false, nil
	}
	s.creates++
	stored := rec.Clone()
	s.byID[stored.ID] = stored
	s.byKey[stored.Key()] = stored.ID
	return stored.Clone(), true, nil
}

func (s *fakeNotificationStore) Get(_ context.Context, id string) (*domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *fakeNotificationStore) Update(_ context.Context, rec *domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[rec.ID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if cur.Version != rec.Version {
		return domain.ErrConflict
	}
	rec.Version++
	s.byID[rec.ID] = rec.Clone()
	return nil
}

func (s *fakeNotificationStore) ListByEvent(_ context.Context, eventID string) ([]*domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.NotificationRecord
	for _, rec := range s.byID {
		if rec.EventID == eventID {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *fakeNotificationStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.byID {
		if rec.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byKey, rec.Key())
			n++
		}
	}
	return n, nil
}

func (s *fakeNotificationStore) byRecipient(recipientID string) *domain.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byID {
		if rec.RecipientID == recipientID {
			return rec.Clone()
		}
	}
	return nil
}

type fakeDelivery struct {
	mu         sync.Mutex
	id         string
	event      domain.DomainEvent
	acks       int
	nacks      int
	deadLetter int
	reason     string
	resolved   chan struct{}
	once       sync.Once
}

func newFakeDelivery(event domain.DomainEvent) *fakeDelivery {
	return &fakeDelivery{id: "msg-" + event.ID, event: event, resolved: make(chan struct{})}
}

func (d *fakeDelivery) ID() string                { return d.id }
func (d *fakeDelivery) Event() domain.DomainEvent { return d.event }
func (d *fakeDelivery) Attempt() int              { return 1 }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	d.acks++
	d.mu.Unlock()
	d.once.Do(func() { close(d.resolved) })
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.mu.Lock()
	d.nacks++
	d.mu.Unlock()
	d.once.Do(func() { close(d.resolved) })
	return nil
}

func (d *fakeDelivery) DeadLetter(_ context.Context, reason string) error {
	d.mu.Lock()
	d.deadLetter++
	d.reason = reason
	d.mu.Unlock()
	d.once.Do(func() { close(d.resolved) })
	return nil
}

func (d *fakeDelivery) counts() (acks, nacks, deadLetters int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.nacks, d.deadLetter
}

type fakeSubscriber struct {
	ch chan domain.Delivery
}

func (s *fakeSubscriber) Subscribe(context.Context) (<-chan domain.Delivery, error) {
	return s.ch, nil
}

type staticResolver struct {
	recipients []domain.Recipient
	err        error
	calls      int
	mu         sync.Mutex
}

func (r *staticResolver) Resolve(context.Context, domain.DomainEvent) ([]domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.recipients, r.err
}

// scriptedSender returns the queued result for each recipient in order and
// nil once the queue is empty.
type scriptedSender struct {
	mu      sync.Mutex
	channel domain.Channel
	results map[string][]error
	sent    map[string]int
	calls   map[string]int
}

func newScriptedSender(channel domain.Channel) *scriptedSender {
	return &scriptedSender{
		channel: channel,
		results: make(map[string][]error),
		sent:    make(map[string]int),
		calls:   make(map[string]int),
	}
}

func (s *scriptedSender) script(recipient string, results ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[recipient] = results
}

func (s *scriptedSender) Channel() domain.Channel { return s.channel }

func (s *scriptedSender) Send(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[msg.RecipientID]++
	queue := s.results[msg.RecipientID]
	if len(queue) > 0 {
		err := queue[0]
		s.results[msg.RecipientID] = queue[1:]
		if err != nil {
			return err
		}
	}
	s.sent[msg.RecipientID]++
	return nil
}

func (s *scriptedSender) callsFor(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[recipient]
}

func (s *scriptedSender) sentTo(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[recipient]
}

type fixedVerifier struct {
	auth *domain.AuthContext
	err  error
}

func (v fixedVerifier) Verify(context.Context, string) (*domain.AuthContext, error) {
	return v.auth, v.err
}
