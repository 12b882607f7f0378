package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"

	"github.com/feastly/dispatch/internal/payment"
)

// MockOrderRepository is a test mock for OrderRepository. The default
// implementations honor the same conditional-update semantics as the real
// store, guarded by a mutex, so race tests exercise genuine contention.
type MockOrderRepository struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*Order
	bySession map[string]uuid.UUID

	CreateFunc             func(ctx context.Context, o *Order) error
	GetFunc                func(ctx context.Context, id OrderID) (*Order, error)
	GetBySessionFunc       func(ctx context.Context, session string) (*Order, error)
	ListFunc               func(ctx context.Context, filter OrderFilter) ([]*Order, error)
	TransitionFunc         func(ctx context.Context, id OrderID, from, to Status) (*Order, error)
	ClaimFunc              func(ctx context.Context, id OrderID, agentID AgentID) (*Order, error)
	CancelExpiredFunc      func(ctx context.Context, cutoff time.Time) ([]*Order, error)
	CountActiveByAgentFunc func(ctx context.Context, agentID AgentID) (int64, error)
}

func NewMockOrderRepository() *MockOrderRepository {
	return &MockOrderRepository{
		orders:    make(map[uuid.UUID]*Order),
		bySession: make(map[string]uuid.UUID),
	}
}

// AddOrder is a helper to seed the mock repository.
func (m *MockOrderRepository) AddOrder(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *o
	m.orders[o.ID] = &clone
	if o.PaymentSession != "" {
		m.bySession[o.PaymentSession] = o.ID
	}
}

func (m *MockOrderRepository) Create(ctx context.Context, o *Order) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, o)
	}
	m.AddOrder(o)
	return nil
}

func (m *MockOrderRepository) Get(ctx context.Context, id OrderID) (*Order, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, exists := m.orders[id]
	if !exists {
		return nil, ErrOrderNotFound
	}
	clone := *o
	return &clone, nil
}

func (m *MockOrderRepository) GetBySession(ctx context.Context, session string) (*Order, error) {
	if m.GetBySessionFunc != nil {
		return m.GetBySessionFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, exists := m.bySession[session]
	if !exists {
		return nil, ErrOrderNotFound
	}
	clone := *m.orders[id]
	return &clone, nil
}

func (m *MockOrderRepository) List(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Order
	for _, o := range m.orders {
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		if filter.CustomerID != nil && o.CustomerID != *filter.CustomerID {
			continue
		}
		if filter.ShopID != nil && o.ShopID != *filter.ShopID {
			continue
		}
		if filter.AgentID != nil && (o.AgentID == nil || *o.AgentID != *filter.AgentID) {
			continue
		}
		if filter.Unassigned && o.AgentID != nil {
			continue
		}
		clone := *o
		result = append(result, &clone)
	}
	return result, nil
}

func (m *MockOrderRepository) Transition(ctx context.Context, id OrderID, from, to Status) (*Order, error) {
	if m.TransitionFunc != nil {
		return m.TransitionFunc(ctx, id, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, exists := m.orders[id]
	if !exists {
		return nil, ErrOrderNotFound
	}
	if o.Status != from {
		return nil, ErrInvalidTransition
	}
	o.Status = to
	if to == StatusCancelled {
		o.AgentID = nil
	}
	o.UpdatedAt = time.Now()
	clone := *o
	return &clone, nil
}

func (m *MockOrderRepository) Claim(ctx context.Context, id OrderID, agentID AgentID) (*Order, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, id, agentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, exists := m.orders[id]
	if !exists {
		return nil, ErrOrderNotFound
	}
	if o.Status != StatusReadyForPickup || o.AgentID != nil {
		return nil, ErrAlreadyClaimed
	}
	a := agentID
	o.Status = StatusDriverAssigned
	o.AgentID = &a
	o.UpdatedAt = time.Now()
	clone := *o
	return &clone, nil
}

func (m *MockOrderRepository) CancelExpired(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	if m.CancelExpiredFunc != nil {
		return m.CancelExpiredFunc(ctx, cutoff)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var cancelled []*Order
	for _, o := range m.orders {
		if o.Status != StatusPending || !o.CreatedAt.Before(cutoff) {
			continue
		}
		o.Status = StatusCancelled
		o.UpdatedAt = time.Now()
		clone := *o
		cancelled = append(cancelled, &clone)
	}
	return cancelled, nil
}

func (m *MockOrderRepository) CountActiveByAgent(ctx context.Context, agentID AgentID) (int64, error) {
	if m.CountActiveByAgentFunc != nil {
		return m.CountActiveByAgentFunc(ctx, agentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, o := range m.orders {
		if o.AgentID != nil && *o.AgentID == agentID && o.Status.Active() {
			count++
		}
	}
	return count, nil
}

// MockAgentRepository is a test mock for AgentRepository.
type MockAgentRepository struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*Agent

	CreateFunc         func(ctx context.Context, a *Agent) error
	GetFunc            func(ctx context.Context, id AgentID) (*Agent, error)
	UpdateLocationFunc func(ctx context.Context, id AgentID, loc GeoPoint, at time.Time) error
}

func NewMockAgentRepository() *MockAgentRepository {
	return &MockAgentRepository{
		agents: make(map[uuid.UUID]*Agent),
	}
}

func (m *MockAgentRepository) AddAgent(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

func (m *MockAgentRepository) Create(ctx context.Context, a *Agent) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, a)
	}
	m.AddAgent(a)
	return nil
}

func (m *MockAgentRepository) Get(ctx context.Context, id AgentID) (*Agent, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

func (m *MockAgentRepository) UpdateLocation(ctx context.Context, id AgentID, loc GeoPoint, at time.Time) error {
	if m.UpdateLocationFunc != nil {
		return m.UpdateLocationFunc(ctx, id, loc, at)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, exists := m.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	a.Location = &loc
	a.LocationAt = &at
	return nil
}

// MockChatRepository is a test mock for ChatRepository.
type MockChatRepository struct {
	mu       sync.Mutex
	messages []ChatMessage
	seqs     map[OrderID]int64

	AppendFunc      func(ctx context.Context, msg *ChatMessage) error
	ListByOrderFunc func(ctx context.Context, orderID OrderID) ([]ChatMessage, error)
	NextSeqFunc     func(ctx context.Context, orderID OrderID) (int64, error)
}

func NewMockChatRepository() *MockChatRepository {
	return &MockChatRepository{seqs: make(map[OrderID]int64)}
}

func (m *MockChatRepository) NextSeq(ctx context.Context, orderID OrderID) (int64, error) {
	if m.NextSeqFunc != nil {
		return m.NextSeqFunc(ctx, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[orderID]++
	return m.seqs[orderID], nil
}

func (m *MockChatRepository) Append(ctx context.Context, msg *ChatMessage) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *MockChatRepository) ListByOrder(ctx context.Context, orderID OrderID) ([]ChatMessage, error) {
	if m.ListByOrderFunc != nil {
		return m.ListByOrderFunc(ctx, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ChatMessage
	for _, msg := range m.messages {
		if msg.OrderID == orderID {
			result = append(result, msg)
		}
	}
	return result, nil
}

// MockTransitionRepository is a test mock for TransitionRepository.
type MockTransitionRepository struct {
	mu      sync.Mutex
	records []TransitionRecord

	RecordFunc      func(ctx context.Context, rec *TransitionRecord) error
	ListByOrderFunc func(ctx context.Context, orderID OrderID) ([]TransitionRecord, error)
}

func NewMockTransitionRepository() *MockTransitionRepository {
	return &MockTransitionRepository{}
}

func (m *MockTransitionRepository) Record(ctx context.Context, rec *TransitionRecord) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MockTransitionRepository) ListByOrder(ctx context.Context, orderID OrderID) ([]TransitionRecord, error) {
	if m.ListByOrderFunc != nil {
		return m.ListByOrderFunc(ctx, orderID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []TransitionRecord
	for _, rec := range m.records {
		if rec.OrderID == orderID {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *MockTransitionRepository) Records() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.records))
	copy(out, m.records)
	return out
}

// MockPublisher is a test mock for events.Publisher.
type MockPublisher struct {
	mu              sync.Mutex
	PublishedEvents []PublishedEvent
	PublishFunc     func(ctx context.Context, topic string, data []byte) error
}

type PublishedEvent struct {
	Topic string
	Data  []byte
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		PublishedEvents: make([]PublishedEvent, 0),
	}
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, topic, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedEvents = append(m.PublishedEvents, PublishedEvent{Topic: topic, Data: data})
	return nil
}

func (m *MockPublisher) Events() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedEvent, len(m.PublishedEvents))
	copy(out, m.PublishedEvents)
	return out
}

func (m *MockPublisher) EventsOn(topic string) []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedEvent
	for _, evt := range m.PublishedEvents {
		if evt.Topic == topic {
			out = append(out, evt)
		}
	}
	return out
}

// MockStreamConsumer is a test mock for events.StreamConsumer.
type MockStreamConsumer struct {
	messages            []events.StreamMessage
	FetchFunc           func(ctx context.Context, maxMessages int) ([]events.StreamMessage, error)
	SubscribeStreamFunc func(ctx context.Context, handler events.HandlerFunc) error
}

func NewMockStreamConsumer() *MockStreamConsumer {
	return &MockStreamConsumer{
		messages: make([]events.StreamMessage, 0),
	}
}

func (m *MockStreamConsumer) Fetch(ctx context.Context, maxMessages int) ([]events.StreamMessage, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, maxMessages)
	}
	return m.messages, nil
}

func (m *MockStreamConsumer) SubscribeStream(ctx context.Context, handler events.HandlerFunc) error {
	if m.SubscribeStreamFunc != nil {
		return m.SubscribeStreamFunc(ctx, handler)
	}
	return nil
}

func (m *MockStreamConsumer) AddMessage(data []byte) {
	m.messages = append(m.messages, events.StreamMessage{Data: data})
}

// MockGateway is a test fake for payment.Gateway.
type MockGateway struct {
	mu       sync.Mutex
	sessions map[string]bool

	CreateCheckoutFunc func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error)
	VerifyFunc         func(ctx context.Context, session string) (*payment.Verdict, error)
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		sessions: make(map[string]bool),
	}
}

// MarkPaid flips the verdict the fake gateway returns for a session.
func (m *MockGateway) MarkPaid(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session] = true
}

func (m *MockGateway) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	if m.CreateCheckoutFunc != nil {
		return m.CreateCheckoutFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session := fmt.Sprintf("sess_%s", uuid.New().String())
	m.sessions[session] = false
	return &payment.CheckoutSession{
		Session:     session,
		RedirectURL: "https://pay.example.com/" + session,
	}, nil
}

func (m *MockGateway) Verify(ctx context.Context, session string) (*payment.Verdict, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	paid, exists := m.sessions[session]
	if !exists {
		return nil, fmt.Errorf("unknown session %s", session)
	}
	return &payment.Verdict{Session: session, Paid: paid}, nil
}
