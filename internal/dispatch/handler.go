package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const MaxBodyBytes = 1 << 20

// Handler exposes the dispatch engine over HTTP.
type Handler struct {
	service *Service
	sse     *SSEHandler
	logger  aqm.Logger
	config  *aqm.Config
	tlm     *telemetry.HTTP
}

func NewHandler(service *Service, sse *SSEHandler, config *aqm.Config, logger aqm.Logger) *Handler {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &Handler{
		service: service,
		sse:     sse,
		logger:  logger,
		config:  config,
		tlm:     telemetry.NewHTTP(),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/{id}", h.GetOrder)
		r.Get("/{id}/history", h.GetHistory)
		r.Post("/{id}/cancel", h.CancelOrder)
		r.Patch("/{id}/preparing", h.MarkPreparing)
		r.Patch("/{id}/ready", h.MarkReady)
		r.Patch("/{id}/pickup", h.MarkPickedUp)
		r.Patch("/{id}/complete", h.CompleteOrder)
		r.Get("/{id}/chat", h.ChatHistory)
		r.Post("/{id}/chat", h.PostChatMessage)
	})

	r.Route("/pool", func(r chi.Router) {
		r.Get("/", h.ListPool)
		r.Post("/{id}/claim", h.ClaimOrder)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/location", h.ReportLocation)
		r.Get("/{id}/job", h.ActiveJob)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/return", h.PaymentReturn)
		r.Post("/webhook", h.PaymentWebhook)
	})

	if h.sse != nil {
		r.Get("/events", h.sse.ServeHTTP)
	}
}

func (h *Handler) log(r *http.Request) aqm.Logger {
	return h.logger.With("request_id", aqm.RequestIDFrom(r.Context()))
}

type createOrderRequest struct {
	ShopID      string    `json:"shop_id"`
	Items       []itemReq `json:"items"`
	Destination *GeoPoint `json:"destination,omitempty"`
	ReturnURL   string    `json:"return_url,omitempty"`
}

type itemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CreateOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleCustomer {
		aqm.RespondError(w, http.StatusForbidden, "Only customers can place orders")
		return
	}

	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	shopID, err := uuid.Parse(req.ShopID)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid shop ID")
		return
	}

	items := make([]OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		productID, err := uuid.Parse(it.ProductID)
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}
		items = append(items, OrderItem{
			ProductID: productID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	order, redirectURL, err := h.service.CreateOrder(ctx, CreateOrderInput{
		CustomerID:  actor.ID,
		ShopID:      shopID,
		Items:       items,
		Destination: req.Destination,
		ReturnURL:   req.ReturnURL,
	})
	if err != nil {
		log.Errorf("cannot create order: %v", err)
		aqm.RespondError(w, http.StatusUnprocessableEntity, "Could not create order")
		return
	}

	aqm.Respond(w, http.StatusCreated, map[string]interface{}{
		"order":        order,
		"redirect_url": redirectURL,
	}, nil)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListOrders")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	filter := OrderFilter{}

	switch actor.Role {
	case RoleCustomer:
		filter.CustomerID = &actor.ID
	case RoleAgent:
		filter.AgentID = &actor.ID
	case RoleMerchant:
		shopID, err := uuid.Parse(r.URL.Query().Get("shop"))
		if err != nil {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid shop ID")
			return
		}
		filter.ShopID = &shopID
	case RoleAdmin:
		// Unfiltered.
	default:
		aqm.RespondError(w, http.StatusForbidden, "Unknown role")
		return
	}

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := Status(statusStr)
		if !status.Valid() {
			aqm.RespondError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = &status
	}

	orders, err := h.service.ListOrders(ctx, filter)
	if err != nil {
		log.Errorf("cannot list orders: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list orders")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
	}, nil)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(ctx, id)
	if err != nil {
		log.Errorf("cannot get order: %v", err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.GetHistory")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleAdmin {
		aqm.RespondError(w, http.StatusForbidden, "Admin only")
		return
	}

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	records, err := h.service.History(ctx, id)
	if err != nil {
		log.Errorf("cannot load order history: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not load history")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"transitions": records,
	}, nil)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.CancelOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	actor := ActorFrom(ctx)

	var (
		order *Order
		err   error
	)
	switch actor.Role {
	case RoleCustomer:
		order, err = h.service.CancelPending(ctx, id, actor.ID)
	case RoleAdmin:
		order, err = h.service.ForceCancel(ctx, id, actor)
	default:
		aqm.RespondError(w, http.StatusForbidden, "Not allowed to cancel")
		return
	}

	if err != nil {
		log.Errorf("cannot cancel order %s: %v", id, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

func (h *Handler) MarkPreparing(w http.ResponseWriter, r *http.Request) {
	h.merchantTransition(w, r, "Handler.MarkPreparing", h.service.MarkPreparing)
}

func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	h.merchantTransition(w, r, "Handler.MarkReady", h.service.MarkReady)
}

func (h *Handler) merchantTransition(w http.ResponseWriter, r *http.Request, span string,
	apply func(ctx context.Context, id OrderID, shopID ShopID, actor Actor) (*Order, error)) {
	w, r, finish := h.tlm.Start(w, r, span)
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleMerchant && actor.Role != RoleAdmin {
		aqm.RespondError(w, http.StatusForbidden, "Merchant only")
		return
	}

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	shopID, err := uuid.Parse(r.URL.Query().Get("shop"))
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid shop ID")
		return
	}

	order, err := apply(ctx, id, shopID, actor)
	if err != nil {
		log.Errorf("merchant transition failed for order %s: %v", id, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

func (h *Handler) MarkPickedUp(w http.ResponseWriter, r *http.Request) {
	h.agentTransition(w, r, "Handler.MarkPickedUp", h.service.MarkPickedUp)
}

func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	h.agentTransition(w, r, "Handler.CompleteOrder", h.service.Complete)
}

func (h *Handler) agentTransition(w http.ResponseWriter, r *http.Request, span string,
	apply func(ctx context.Context, id OrderID, agentID AgentID) (*Order, error)) {
	w, r, finish := h.tlm.Start(w, r, span)
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleAgent {
		aqm.RespondError(w, http.StatusForbidden, "Agent only")
		return
	}

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := apply(ctx, id, actor.ID)
	if err != nil {
		log.Errorf("agent transition failed for order %s: %v", id, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

func (h *Handler) ListPool(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ListPool")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	orders, err := h.service.ListPool(ctx)
	if err != nil {
		log.Errorf("cannot list pool: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not list pool")
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
	}, nil)
}

func (h *Handler) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ClaimOrder")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleAgent {
		aqm.RespondError(w, http.StatusForbidden, "Agent only")
		return
	}

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.Claim(ctx, id, actor.ID)
	if err != nil {
		log.Infof("claim failed for order %s by agent %s: %v", id, actor.ID, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *Handler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ReportLocation")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	actor := ActorFrom(ctx)
	if actor.Role != RoleAgent {
		aqm.RespondError(w, http.StatusForbidden, "Agent only")
		return
	}

	var req locationRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.ReportLocation(ctx, actor.ID, GeoPoint{Lat: req.Lat, Lng: req.Lng}); err != nil {
		log.Errorf("cannot update agent location: %v", err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"updated": true,
	}, nil)
}

func (h *Handler) ActiveJob(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ActiveJob")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	agentID, err := uuid.Parse(idStr)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid agent ID")
		return
	}

	job, err := h.service.ActiveJob(ctx, agentID)
	if err != nil {
		log.Errorf("cannot load active job: %v", err)
		aqm.RespondError(w, http.StatusInternalServerError, "Could not load active job")
		return
	}

	busy := job != nil
	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"busy":  busy,
		"order": job,
	}, nil)
}

func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.ChatHistory")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	actor := ActorFrom(ctx)
	messages, err := h.service.ChatHistory(ctx, id, actor.ID, actor.Role)
	if err != nil {
		log.Errorf("cannot load chat history for order %s: %v", id, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"messages": messages,
	}, nil)
}

type chatMessageRequest struct {
	Body string `json:"body"`
}

func (h *Handler) PostChatMessage(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.PostChatMessage")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	id, ok := h.orderID(w, r)
	if !ok {
		return
	}

	var req chatMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Body == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Message body is required")
		return
	}

	actor := ActorFrom(ctx)
	message, err := h.service.PostMessage(ctx, id, actor.ID, req.Body)
	if err != nil {
		log.Infof("chat message rejected for order %s: %v", id, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusCreated, message, nil)
}

func (h *Handler) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.PaymentReturn")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	session := r.URL.Query().Get("session")
	if session == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Session is required")
		return
	}

	order, err := h.service.VerifyAndReconcile(ctx, session)
	if err != nil {
		log.Errorf("payment return reconciliation failed for session %s: %v", session, err)
		h.respondDomainError(w, err)
		return
	}

	aqm.Respond(w, http.StatusOK, order, nil)
}

type webhookPayload struct {
	Session string `json:"session"`
	Paid    bool   `json:"paid"`
}

// PaymentWebhook consumes the gateway's asynchronous callback. The
// gateway may redeliver; a duplicate confirmation is a no-op success so
// the gateway stops retrying.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	w, r, finish := h.tlm.Start(w, r, "Handler.PaymentWebhook")
	defer finish()
	log := h.log(r)
	ctx := r.Context()

	var payload webhookPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.Session == "" {
		aqm.RespondError(w, http.StatusBadRequest, "Session is required")
		return
	}

	if _, err := h.service.Reconcile(ctx, payload.Session, payload.Paid); err != nil {
		switch {
		case errors.Is(err, ErrPaymentMismatch):
			log.Infof("webhook for unknown session %s", payload.Session)
			aqm.RespondError(w, http.StatusUnprocessableEntity, "Unknown payment session")
		case errors.Is(err, ErrExpiredOrder):
			log.Infof("webhook for expired order, session %s", payload.Session)
			aqm.RespondError(w, http.StatusGone, "Order expired")
		default:
			log.Errorf("webhook reconciliation failed for session %s: %v", payload.Session, err)
			aqm.RespondError(w, http.StatusInternalServerError, "Could not reconcile payment")
		}
		return
	}

	aqm.Respond(w, http.StatusOK, map[string]interface{}{
		"received": true,
	}, nil)
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (OrderID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid order ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		aqm.RespondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

// respondDomainError maps the engine's typed failures onto HTTP statuses.
// The race family maps to 409: the caller re-reads state and moves on.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrAgentNotFound):
		aqm.RespondError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrInvalidTransition):
		aqm.RespondError(w, http.StatusConflict, "Invalid transition")
	case errors.Is(err, ErrAlreadyClaimed):
		aqm.RespondError(w, http.StatusConflict, "Order already claimed")
	case errors.Is(err, ErrAgentBusy):
		aqm.RespondError(w, http.StatusConflict, "Agent already has an active delivery")
	case errors.Is(err, ErrNotAParticipant):
		aqm.RespondError(w, http.StatusForbidden, "Not a chat participant")
	case errors.Is(err, ErrPaymentMismatch):
		aqm.RespondError(w, http.StatusUnprocessableEntity, "Unknown payment session")
	case errors.Is(err, ErrExpiredOrder):
		aqm.RespondError(w, http.StatusGone, "Order expired")
	default:
		aqm.RespondError(w, http.StatusInternalServerError, "Internal error")
	}
}
