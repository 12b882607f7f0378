package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"

	dispatchevents "github.com/feastly/dispatch/internal/events"
)

// SSEHandler streams engine events to browsers over Server-Sent Events.
// Subscribers filter with ?order=<id> and/or ?agent=<id>; with no filter
// every event is delivered (dashboard mode). A reconnecting client gets a
// fresh snapshot instead of a backlog.
type SSEHandler struct {
	broadcaster *Broadcaster
	cache       *OrderStateCache
	logger      aqm.Logger
}

func NewSSEHandler(broadcaster *Broadcaster, cache *OrderStateCache, logger aqm.Logger) *SSEHandler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &SSEHandler{
		broadcaster: broadcaster,
		cache:       cache,
		logger:      logger,
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	orderFilter := r.URL.Query().Get("order")
	agentFilter := r.URL.Query().Get("agent")

	subscriberID := uuid.New().String()
	eventChan := h.broadcaster.Subscribe(subscriberID)
	defer h.broadcaster.Unsubscribe(subscriberID)

	// Establish the connection and configure client retry.
	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	flusher.Flush()

	h.sendSnapshot(w, flusher, orderFilter, agentFilter)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "subscriber_id", subscriberID)
			return

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()

		case evt, ok := <-eventChan:
			if !ok {
				return
			}
			if !matches(evt, orderFilter, agentFilter) {
				continue
			}

			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", evt.Data)
			flusher.Flush()
		}
	}
}

// sendSnapshot pushes the current state of every matching cached order,
// so a (re)connecting subscriber does not depend on a backlog.
func (h *SSEHandler) sendSnapshot(w http.ResponseWriter, flusher http.Flusher, orderFilter, agentFilter string) {
	if h.cache == nil {
		return
	}

	var orders []*Order
	switch {
	case orderFilter != "":
		id, err := uuid.Parse(orderFilter)
		if err != nil {
			return
		}
		if o := h.cache.Get(id); o != nil {
			orders = append(orders, o)
		}
	case agentFilter != "":
		id, err := uuid.Parse(agentFilter)
		if err != nil {
			return
		}
		orders = h.cache.GetByAgent(id)
	default:
		orders = h.cache.GetByStatus(StatusReadyForPickup)
	}

	for _, o := range orders {
		evt := dispatchevents.OrderStatusChangedEvent{
			OrderEventMetadata: dispatchevents.OrderEventMetadata{
				EventType:  dispatchevents.EventOrderStatusChanged,
				OccurredAt: o.UpdatedAt,
				OrderID:    o.ID.String(),
				CustomerID: o.CustomerID.String(),
				ShopID:     o.ShopID.String(),
			},
			NewStatus: string(o.Status),
		}
		if o.AgentID != nil {
			evt.AgentID = o.AgentID.String()
		}

		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: snapshot\n")
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()
}

// matches applies the subscriber's order/agent filters to an event.
func matches(evt StreamEvent, orderFilter, agentFilter string) bool {
	if orderFilter != "" && evt.OrderID != orderFilter {
		return false
	}
	if agentFilter != "" && evt.AgentID != agentFilter {
		return false
	}
	return true
}
