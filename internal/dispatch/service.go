package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"

	dispatchevents "github.com/feastly/dispatch/internal/events"
	"github.com/feastly/dispatch/internal/payment"
)

// DefaultExpiryDeadline bounds how long an unpaid order may stay pending.
const DefaultExpiryDeadline = time.Minute

// Service implements the dispatch engine: order intake, the status state
// machine, payment reconciliation, the dispatch pool claim, agent sessions
// and the order chat. All mutations go through conditional writes on the
// Order Store; the in-memory cache is never authoritative.
type Service struct {
	orders      OrderRepository
	agents      AgentRepository
	chats       ChatRepository
	transitions TransitionRepository
	gateway     payment.Gateway
	publisher   events.Publisher
	cache       *OrderStateCache
	audit       *AuditLogger
	logger      aqm.Logger

	deadline time.Duration
	now      func() time.Time
}

// ServiceDeps bundles the service's collaborators.
type ServiceDeps struct {
	Orders      OrderRepository
	Agents      AgentRepository
	Chats       ChatRepository
	Transitions TransitionRepository
	Gateway     payment.Gateway
	Publisher   events.Publisher
	Cache       *OrderStateCache
	Audit       *AuditLogger
}

func NewService(deps ServiceDeps, deadline time.Duration, logger aqm.Logger) *Service {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if deadline <= 0 {
		deadline = DefaultExpiryDeadline
	}
	return &Service{
		orders:      deps.Orders,
		agents:      deps.Agents,
		chats:       deps.Chats,
		transitions: deps.Transitions,
		gateway:     deps.Gateway,
		publisher:   deps.Publisher,
		cache:       deps.Cache,
		audit:       deps.Audit,
		logger:      logger,
		deadline:    deadline,
		now:         time.Now,
	}
}

// CreateOrderInput is the checkout flow's handoff into the engine.
type CreateOrderInput struct {
	CustomerID  CustomerID
	ShopID      ShopID
	Items       []OrderItem
	Destination *GeoPoint
	ReturnURL   string
}

// CreateOrder places a pending order, captures item prices, and opens a
// payment session with the gateway. The order total is the sum of the
// captured unit prices, never recomputed from the catalog later.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, string, error) {
	if len(in.Items) == 0 {
		return nil, "", fmt.Errorf("order must contain at least one item")
	}

	now := s.now()
	o := &Order{
		ID:          uuid.New(),
		CustomerID:  in.CustomerID,
		ShopID:      in.ShopID,
		Status:      StatusPending,
		Items:       in.Items,
		Destination: in.Destination,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range o.Items {
		if o.Items[i].ID == uuid.Nil {
			o.Items[i].ID = uuid.New()
		}
		if o.Items[i].Quantity <= 0 {
			return nil, "", fmt.Errorf("item quantity must be positive")
		}
		o.Total += o.Items[i].UnitPrice * int64(o.Items[i].Quantity)
	}

	session, err := s.gateway.CreateCheckout(ctx, payment.CheckoutRequest{
		OrderID:   o.ID.String(),
		Amount:    o.Total,
		Currency:  "usd",
		ReturnURL: in.ReturnURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("cannot open payment session: %w", err)
	}
	o.PaymentSession = session.Session

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, "", fmt.Errorf("cannot create order: %w", err)
	}

	s.publishCreated(ctx, o)
	return o, session.RedirectURL, nil
}

// GetOrder reads an order, applying the lazy expiry check: a pending order
// past its deadline reads as cancelled even if no sweep ran yet.
func (s *Service) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, o)
}

// ListOrders lists orders for dashboards; no lazy expiry, listings are a
// read-only view and the sweeper owns bulk cancellation.
func (s *Service) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	return s.orders.List(ctx, filter)
}

// expireIfDue performs the authoritative server-side deadline check. The
// decision is a compare-and-set on pending, so a concurrent payment
// confirmation that lands first wins.
func (s *Service) expireIfDue(ctx context.Context, o *Order) (*Order, error) {
	if o.Status != StatusPending || s.now().Sub(o.CreatedAt) <= s.deadline {
		return o, nil
	}

	cancelled, err := s.orders.Transition(ctx, o.ID, StatusPending, StatusCancelled)
	if err != nil {
		// Lost to a concurrent mutation (payment landed, or a sweep got
		// here first). Re-read for the fresh state.
		return s.orders.Get(ctx, o.ID)
	}

	s.recordTransition(ctx, cancelled, StatusPending, SystemActor)
	s.publishStatusChange(ctx, cancelled, StatusPending, SystemActor)
	return cancelled, nil
}

// MarkPreparing is the merchant accepting a paid order. The shop is an
// explicit parameter, not ambient state: the order must belong to it.
func (s *Service) MarkPreparing(ctx context.Context, id OrderID, shopID ShopID, actor Actor) (*Order, error) {
	return s.merchantTransition(ctx, id, shopID, StatusPaid, StatusPreparing, actor)
}

// MarkReady moves a preparing order into the dispatch pool.
func (s *Service) MarkReady(ctx context.Context, id OrderID, shopID ShopID, actor Actor) (*Order, error) {
	return s.merchantTransition(ctx, id, shopID, StatusPreparing, StatusReadyForPickup, actor)
}

func (s *Service) merchantTransition(ctx context.Context, id OrderID, shopID ShopID, from, to Status, actor Actor) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.ShopID != shopID {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, id, from, to, actor)
}

// ListPool returns the dispatch pool: orders ready for pickup with no
// agent bound. Served from the state cache when available.
func (s *Service) ListPool(ctx context.Context) ([]*Order, error) {
	if s.cache != nil && s.cache.Warmed() {
		return s.cache.Pool(), nil
	}
	status := StatusReadyForPickup
	return s.orders.List(ctx, OrderFilter{Status: &status, Unassigned: true})
}

// Claim attempts to bind an idle agent to a pool order. At most one agent
// wins a given order; losers observe no side effect. The busy check reads
// the Order Store directly so it cannot desynchronize from reality.
func (s *Service) Claim(ctx context.Context, orderID OrderID, agentID AgentID) (*Order, error) {
	active, err := s.orders.CountActiveByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("cannot check agent load: %w", err)
	}
	if active > 0 {
		return nil, ErrAgentBusy
	}

	o, err := s.orders.Claim(ctx, orderID, agentID)
	if err != nil {
		return nil, err
	}

	actor := Actor{ID: agentID, Role: RoleAgent}
	s.recordTransition(ctx, o, StatusReadyForPickup, actor)
	s.publishStatusChange(ctx, o, StatusReadyForPickup, actor)
	return o, nil
}

// MarkPickedUp is the bound agent collecting the order from the shop.
func (s *Service) MarkPickedUp(ctx context.Context, id OrderID, agentID AgentID) (*Order, error) {
	return s.agentTransition(ctx, id, agentID, StatusDriverAssigned, StatusPickedUp)
}

// Complete is the bound agent finishing the delivery.
func (s *Service) Complete(ctx context.Context, id OrderID, agentID AgentID) (*Order, error) {
	return s.agentTransition(ctx, id, agentID, StatusPickedUp, StatusCompleted)
}

// agentTransition verifies the caller is the bound agent before applying
// the guarded transition.
func (s *Service) agentTransition(ctx context.Context, id OrderID, agentID AgentID, from, to Status) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.AgentID == nil || *o.AgentID != agentID {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, id, from, to, Actor{ID: agentID, Role: RoleAgent})
}

// CancelPending is the customer backing out before payment. After payment
// the merchant has incurred cost, so only the admin override cancels.
func (s *Service) CancelPending(ctx context.Context, id OrderID, customerID CustomerID) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, id, StatusPending, StatusCancelled, Actor{ID: customerID, Role: RoleCustomer})
}

// ForceCancel is the administrative override: cancellation from any
// non-terminal state, with no compensating logic. Refund handling is a
// business-policy concern outside this engine.
func (s *Service) ForceCancel(ctx context.Context, id OrderID, actor Actor) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, id, o.Status, StatusCancelled, actor)
}

// transition applies one guarded state-machine edge and emits the audit
// record and fan-out event on success.
func (s *Service) transition(ctx context.Context, id OrderID, from, to Status, actor Actor) (*Order, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}

	o, err := s.orders.Transition(ctx, id, from, to)
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, o, from, actor)
	s.publishStatusChange(ctx, o, from, actor)
	return o, nil
}

// ReportLocation updates the agent's position. Location is independent of
// busy state; idle agents keep reporting while waiting for work. The first
// report from an unknown agent registers it.
func (s *Service) ReportLocation(ctx context.Context, agentID AgentID, loc GeoPoint) error {
	now := s.now()
	err := s.agents.UpdateLocation(ctx, agentID, loc, now)
	if errors.Is(err, ErrAgentNotFound) {
		if err := s.agents.Create(ctx, &Agent{ID: agentID, UserID: agentID}); err != nil {
			return fmt.Errorf("cannot register agent: %w", err)
		}
		err = s.agents.UpdateLocation(ctx, agentID, loc, now)
	}
	if err != nil {
		return err
	}

	evt := dispatchevents.AgentLocationEvent{
		EventType:  dispatchevents.EventAgentLocation,
		OccurredAt: now,
		AgentID:    agentID.String(),
		Lat:        loc.Lat,
		Lng:        loc.Lng,
	}
	if job, err := s.ActiveJob(ctx, agentID); err == nil && job != nil {
		evt.OrderID = job.ID.String()
	}

	s.publish(ctx, dispatchevents.AgentsTopic, evt)
	return nil
}

// ActiveJob returns the agent's current delivery, or nil when idle.
func (s *Service) ActiveJob(ctx context.Context, agentID AgentID) (*Order, error) {
	orders, err := s.orders.List(ctx, OrderFilter{AgentID: &agentID})
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.Status.Active() {
			return o, nil
		}
	}
	return nil, nil
}

// AgentBusy derives the busy predicate from the Order Store.
func (s *Service) AgentBusy(ctx context.Context, agentID AgentID) (bool, error) {
	active, err := s.orders.CountActiveByAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return active > 0, nil
}

// PostMessage appends to the order chat. Only the order's customer and
// its currently assigned agent may write; anyone else, including an agent
// no longer bound, is rejected.
func (s *Service) PostMessage(ctx context.Context, orderID OrderID, senderID uuid.UUID, body string) (*ChatMessage, error) {
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	isCustomer := o.CustomerID == senderID
	isAgent := o.AgentID != nil && *o.AgentID == senderID
	if !isCustomer && !isAgent {
		return nil, ErrNotAParticipant
	}

	seq, err := s.chats.NextSeq(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate chat sequence: %w", err)
	}

	m := &ChatMessage{
		ID:        uuid.New(),
		OrderID:   orderID,
		SenderID:  senderID,
		Body:      body,
		Seq:       seq,
		CreatedAt: s.now(),
	}
	if err := s.chats.Append(ctx, m); err != nil {
		return nil, fmt.Errorf("cannot append chat message: %w", err)
	}

	s.publish(ctx, dispatchevents.ChatTopic, dispatchevents.ChatMessageEvent{
		EventType:  dispatchevents.EventChatMessage,
		OccurredAt: m.CreatedAt,
		MessageID:  m.ID.String(),
		OrderID:    m.OrderID.String(),
		SenderID:   m.SenderID.String(),
		Body:       m.Body,
		Seq:        m.Seq,
	})
	return m, nil
}

// ChatHistory returns the full message log in creation order.
func (s *Service) ChatHistory(ctx context.Context, orderID OrderID, callerID uuid.UUID, role Role) ([]ChatMessage, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	isCustomer := o.CustomerID == callerID
	isAgent := o.AgentID != nil && *o.AgentID == callerID
	if !isCustomer && !isAgent && role != RoleAdmin {
		return nil, ErrNotAParticipant
	}

	return s.chats.ListByOrder(ctx, orderID)
}

// History returns the order's transition audit trail.
func (s *Service) History(ctx context.Context, orderID OrderID) ([]TransitionRecord, error) {
	return s.transitions.ListByOrder(ctx, orderID)
}

func (s *Service) recordTransition(ctx context.Context, o *Order, from Status, actor Actor) {
	rec := &TransitionRecord{
		ID:         uuid.New(),
		OrderID:    o.ID,
		From:       from,
		To:         o.Status,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		OccurredAt: s.now(),
	}

	if s.transitions != nil {
		if err := s.transitions.Record(ctx, rec); err != nil {
			s.logger.Errorf("cannot record transition for order %s: %v", o.ID, err)
		}
	}
	if s.audit != nil {
		s.audit.LogTransition(ctx, rec)
	}
}

func (s *Service) publishCreated(ctx context.Context, o *Order) {
	s.publish(ctx, dispatchevents.OrdersTopic, dispatchevents.OrderCreatedEvent{
		OrderEventMetadata: dispatchevents.OrderEventMetadata{
			EventType:  dispatchevents.EventOrderCreated,
			OccurredAt: s.now(),
			OrderID:    o.ID.String(),
			CustomerID: o.CustomerID.String(),
			ShopID:     o.ShopID.String(),
		},
		Status:         string(o.Status),
		Total:          o.Total,
		PaymentSession: o.PaymentSession,
	})
}

func (s *Service) publishStatusChange(ctx context.Context, o *Order, previous Status, actor Actor) {
	evt := dispatchevents.OrderStatusChangedEvent{
		OrderEventMetadata: dispatchevents.OrderEventMetadata{
			EventType:  dispatchevents.EventOrderStatusChanged,
			OccurredAt: s.now(),
			OrderID:    o.ID.String(),
			CustomerID: o.CustomerID.String(),
			ShopID:     o.ShopID.String(),
		},
		NewStatus:      string(o.Status),
		PreviousStatus: string(previous),
		ActorRole:      string(actor.Role),
	}
	if o.AgentID != nil {
		evt.AgentID = o.AgentID.String()
	}
	if actor.ID != uuid.Nil {
		evt.ActorID = actor.ID.String()
	}

	s.publish(ctx, dispatchevents.OrdersTopic, evt)
}

func (s *Service) publish(ctx context.Context, topic string, evt interface{}) {
	if s.publisher == nil {
		return
	}
	data, _ := json.Marshal(evt)
	if err := s.publisher.Publish(ctx, topic, data); err != nil {
		s.logger.Errorf("Failed to publish event to %s: %v", topic, err)
	}
}
