package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/google/uuid"

	dispatchevents "github.com/feastly/dispatch/internal/events"
)

// OrderStateCache maintains an in-memory view of non-terminal orders,
// indexed by status and agent, for pool listings, dashboards and the SSE
// initial snapshot. It is a read model only: claims and transitions always
// go through the Order Store, and the cache follows the event stream.
type OrderStateCache struct {
	mu sync.RWMutex
	// orders indexed by order_id
	orders map[uuid.UUID]*Order
	// index by status -> order_id
	byStatus map[Status][]uuid.UUID
	// index by agent_id -> order_id
	byAgent map[uuid.UUID][]uuid.UUID

	warmed bool

	stream events.StreamConsumer // For event replay on startup
	repo   OrderRepository       // Fallback when the stream is unavailable
	logger aqm.Logger

	// broadcaster pushes applied events to connected SSE subscribers
	broadcaster *Broadcaster
}

func NewOrderStateCache(stream events.StreamConsumer, repo OrderRepository, logger aqm.Logger) *OrderStateCache {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &OrderStateCache{
		orders:   make(map[uuid.UUID]*Order),
		byStatus: make(map[Status][]uuid.UUID),
		byAgent:  make(map[uuid.UUID][]uuid.UUID),
		stream:   stream,
		repo:     repo,
		logger:   logger,
	}
}

// SetBroadcaster wires the SSE broadcaster (called after initialization).
func (c *OrderStateCache) SetBroadcaster(b *Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcaster = b
}

// Warm rebuilds the cache by event replay from the persistent stream,
// falling back to the Order Store when the stream is unavailable.
func (c *OrderStateCache) Warm(ctx context.Context) error {
	if c.stream != nil {
		if err := c.warmFromStream(ctx); err != nil {
			c.logger.Info("stream replay failed, falling back to store", "error", err)
		} else {
			c.removeTerminalOrders()
			c.markWarmed()
			return nil
		}
	}

	if c.repo == nil {
		c.logger.Info("neither stream nor repo configured, cache remains empty")
		return nil
	}

	if err := c.warmFromRepo(ctx); err != nil {
		return err
	}
	c.markWarmed()
	return nil
}

func (c *OrderStateCache) markWarmed() {
	c.mu.Lock()
	c.warmed = true
	c.mu.Unlock()
}

// Warmed reports whether the cache has loaded initial state and may serve
// pool listings.
func (c *OrderStateCache) Warmed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.warmed
}

func (c *OrderStateCache) warmFromStream(ctx context.Context) error {
	c.logger.Info("warming order cache from event stream")

	messages, err := c.stream.Fetch(ctx, 10000)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range messages {
		c.applyEventLocked(msg.Data, false)
	}

	c.logger.Info("order cache warmed from stream", "orders", len(c.orders))
	return nil
}

func (c *OrderStateCache) warmFromRepo(ctx context.Context) error {
	c.logger.Info("warming order cache from store")

	orders, err := c.repo.List(ctx, OrderFilter{})
	if err != nil {
		c.logger.Info("failed to warm order cache from store, cache remains empty", "error", err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		c.setLocked(o)
	}

	c.logger.Info("order cache warmed from store", "count", len(c.orders))
	return nil
}

// Apply processes one serialized order event, updating indexes and
// notifying the broadcaster.
func (c *OrderStateCache) Apply(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEventLocked(data, true)
}

// applyEventLocked must be called with c.mu held.
func (c *OrderStateCache) applyEventLocked(data []byte, broadcast bool) {
	var baseEvent struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &baseEvent); err != nil {
		c.logger.Error("failed to unmarshal event type", "error", err)
		return
	}

	switch baseEvent.EventType {
	case dispatchevents.EventOrderCreated:
		c.handleCreatedLocked(data, broadcast)
	case dispatchevents.EventOrderStatusChanged:
		c.handleStatusChangedLocked(data, broadcast)
	default:
		// Unknown event types are ignored (forward compatibility).
	}
}

func (c *OrderStateCache) handleCreatedLocked(data []byte, broadcast bool) {
	var evt dispatchevents.OrderCreatedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		c.logger.Error("failed to unmarshal order.created event", "error", err)
		return
	}

	orderID, err := uuid.Parse(evt.OrderID)
	if err != nil {
		c.logger.Debug("skipping event with invalid order id", "order_id", evt.OrderID)
		return
	}
	customerID, _ := uuid.Parse(evt.CustomerID)
	shopID, _ := uuid.Parse(evt.ShopID)

	o := &Order{
		ID:             orderID,
		CustomerID:     customerID,
		ShopID:         shopID,
		Status:         Status(evt.Status),
		Total:          evt.Total,
		PaymentSession: evt.PaymentSession,
		CreatedAt:      evt.OccurredAt,
		UpdatedAt:      evt.OccurredAt,
	}

	c.setLocked(o)
	if broadcast && c.broadcaster != nil {
		c.broadcaster.Broadcast(StreamEvent{
			Topic:   dispatchevents.OrdersTopic,
			Type:    evt.EventType,
			OrderID: evt.OrderID,
			Data:    data,
		})
	}
}

func (c *OrderStateCache) handleStatusChangedLocked(data []byte, broadcast bool) {
	var evt dispatchevents.OrderStatusChangedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		c.logger.Error("failed to unmarshal order.status_changed event", "error", err)
		return
	}

	orderID, err := uuid.Parse(evt.OrderID)
	if err != nil {
		return
	}

	// Work on a copy so the indexes still see the previous status when
	// setLocked re-indexes.
	var o *Order
	if existing := c.orders[orderID]; existing != nil {
		clone := *existing
		o = &clone
	} else {
		customerID, _ := uuid.Parse(evt.CustomerID)
		shopID, _ := uuid.Parse(evt.ShopID)
		o = &Order{
			ID:         orderID,
			CustomerID: customerID,
			ShopID:     shopID,
			CreatedAt:  evt.OccurredAt,
		}
	}

	o.Status = Status(evt.NewStatus)
	o.UpdatedAt = evt.OccurredAt
	if evt.AgentID != "" {
		if agentID, err := uuid.Parse(evt.AgentID); err == nil {
			o.AgentID = &agentID
		}
	}

	if o.Status.Terminal() {
		c.removeLocked(orderID)
	} else {
		c.setLocked(o)
	}

	if broadcast && c.broadcaster != nil {
		c.broadcaster.Broadcast(StreamEvent{
			Topic:   dispatchevents.OrdersTopic,
			Type:    evt.EventType,
			OrderID: evt.OrderID,
			AgentID: evt.AgentID,
			Data:    data,
		})
	}
}

// removeTerminalOrders drops completed and cancelled orders after a warm,
// so only live orders are served.
func (c *OrderStateCache) removeTerminalOrders() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	for id, o := range c.orders {
		if o.Status.Terminal() {
			c.removeLocked(id)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("removed terminal orders from cache", "count", removed)
	}
}

// Set updates or adds an order to the cache.
func (c *OrderStateCache) Set(o *Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(o)
}

func (c *OrderStateCache) setLocked(o *Order) {
	if o == nil {
		return
	}

	if old, exists := c.orders[o.ID]; exists {
		c.byStatus[old.Status] = removeID(c.byStatus[old.Status], o.ID)
		if old.AgentID != nil {
			c.byAgent[*old.AgentID] = removeID(c.byAgent[*old.AgentID], o.ID)
		}
	}

	c.orders[o.ID] = o
	c.byStatus[o.Status] = append(c.byStatus[o.Status], o.ID)
	if o.AgentID != nil {
		c.byAgent[*o.AgentID] = append(c.byAgent[*o.AgentID], o.ID)
	}
}

func (c *OrderStateCache) removeLocked(id uuid.UUID) {
	o := c.orders[id]
	if o == nil {
		return
	}
	c.byStatus[o.Status] = removeID(c.byStatus[o.Status], id)
	if o.AgentID != nil {
		c.byAgent[*o.AgentID] = removeID(c.byAgent[*o.AgentID], id)
	}
	delete(c.orders, id)
}

// Get retrieves an order by ID, or nil when not cached.
func (c *OrderStateCache) Get(id OrderID) *Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orders[id]
}

// Pool returns the dispatch pool view: ready_for_pickup and unassigned.
func (c *OrderStateCache) Pool() []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byStatus[StatusReadyForPickup]
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o := c.orders[id]; o != nil && o.AgentID == nil {
			result = append(result, o)
		}
	}
	return result
}

// GetByStatus returns all cached orders in the given status.
func (c *OrderStateCache) GetByStatus(status Status) []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byStatus[status]
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o := c.orders[id]; o != nil {
			result = append(result, o)
		}
	}
	return result
}

// GetByAgent returns all cached orders bound to the given agent.
func (c *OrderStateCache) GetByAgent(agentID AgentID) []*Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.byAgent[agentID]
	result := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o := c.orders[id]; o != nil {
			result = append(result, o)
		}
	}
	return result
}

// Count returns the number of cached orders.
func (c *OrderStateCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
