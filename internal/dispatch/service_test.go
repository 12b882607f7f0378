package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/google/uuid"

	dispatchevents "github.com/feastly/dispatch/internal/events"
)

type testEnv struct {
	service     *Service
	orders      *MockOrderRepository
	agents      *MockAgentRepository
	chats       *MockChatRepository
	transitions *MockTransitionRepository
	publisher   *MockPublisher
	gateway     *MockGateway
}

func newTestEnv() *testEnv {
	env := &testEnv{
		orders:      NewMockOrderRepository(),
		agents:      NewMockAgentRepository(),
		chats:       NewMockChatRepository(),
		transitions: NewMockTransitionRepository(),
		publisher:   NewMockPublisher(),
		gateway:     NewMockGateway(),
	}
	env.service = NewService(ServiceDeps{
		Orders:      env.orders,
		Agents:      env.agents,
		Chats:       env.chats,
		Transitions: env.transitions,
		Gateway:     env.gateway,
		Publisher:   env.publisher,
	}, DefaultExpiryDeadline, aqm.NewNoopLogger())
	return env
}

func (env *testEnv) seedOrder(status Status) *Order {
	o := &Order{
		ID:             uuid.New(),
		CustomerID:     uuid.New(),
		ShopID:         uuid.New(),
		Status:         status,
		Total:          2500,
		PaymentSession: "sess_" + uuid.New().String(),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	env.orders.AddOrder(o)
	return o
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	in := CreateOrderInput{
		CustomerID: uuid.New(),
		ShopID:     uuid.New(),
		Items: []OrderItem{
			{ProductID: uuid.New(), Quantity: 2, UnitPrice: 750},
			{ProductID: uuid.New(), Quantity: 1, UnitPrice: 500},
		},
	}

	o, redirect, err := env.service.CreateOrder(ctx, in)
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if o.Status != StatusPending {
		t.Errorf("status = %s, want %s", o.Status, StatusPending)
	}
	if o.Total != 2000 {
		t.Errorf("total = %d, want 2000", o.Total)
	}
	if o.PaymentSession == "" {
		t.Error("payment session not set")
	}
	if redirect == "" {
		t.Error("redirect URL not returned")
	}

	stored, err := env.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if stored.PaymentSession != o.PaymentSession {
		t.Error("persisted session differs")
	}

	if got := len(env.publisher.EventsOn(dispatchevents.OrdersTopic)); got != 1 {
		t.Errorf("published %d order events, want 1", got)
	}
}

func TestCreateOrderRejectsEmptyAndInvalidItems(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, _, err := env.service.CreateOrder(ctx, CreateOrderInput{CustomerID: uuid.New(), ShopID: uuid.New()}); err == nil {
		t.Error("expected error for empty items")
	}

	in := CreateOrderInput{
		CustomerID: uuid.New(),
		ShopID:     uuid.New(),
		Items:      []OrderItem{{ProductID: uuid.New(), Quantity: 0, UnitPrice: 100}},
	}
	if _, _, err := env.service.CreateOrder(ctx, in); err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestMerchantTransitions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	actor := Actor{ID: uuid.New(), Role: RoleMerchant}

	o := env.seedOrder(StatusPaid)

	got, err := env.service.MarkPreparing(ctx, o.ID, o.ShopID, actor)
	if err != nil {
		t.Fatalf("MarkPreparing() error = %v", err)
	}
	if got.Status != StatusPreparing {
		t.Errorf("status = %s, want %s", got.Status, StatusPreparing)
	}

	got, err = env.service.MarkReady(ctx, o.ID, o.ShopID, actor)
	if err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}
	if got.Status != StatusReadyForPickup {
		t.Errorf("status = %s, want %s", got.Status, StatusReadyForPickup)
	}

	recs, _ := env.transitions.ListByOrder(ctx, o.ID)
	if len(recs) != 2 {
		t.Errorf("recorded %d transitions, want 2", len(recs))
	}
}

func TestMerchantTransitionWrongShop(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusPaid)

	_, err := env.service.MarkPreparing(ctx, o.ID, uuid.New(), Actor{ID: uuid.New(), Role: RoleMerchant})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}

	stored, _ := env.orders.Get(ctx, o.ID)
	if stored.Status != StatusPaid {
		t.Errorf("order mutated to %s despite shop mismatch", stored.Status)
	}
}

func TestMerchantTransitionOutOfOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Still pending: accepting before payment must fail.
	o := env.seedOrder(StatusPending)

	_, err := env.service.MarkPreparing(ctx, o.ID, o.ShopID, Actor{ID: uuid.New(), Role: RoleMerchant})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestClaim(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	agentID := uuid.New()

	o := env.seedOrder(StatusReadyForPickup)

	got, err := env.service.Claim(ctx, o.ID, agentID)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got.Status != StatusDriverAssigned {
		t.Errorf("status = %s, want %s", got.Status, StatusDriverAssigned)
	}
	if got.AgentID == nil || *got.AgentID != agentID {
		t.Error("agent not bound to claimed order")
	}

	busy, err := env.service.AgentBusy(ctx, agentID)
	if err != nil {
		t.Fatalf("AgentBusy() error = %v", err)
	}
	if !busy {
		t.Error("agent not busy after claim")
	}
}

// Many agents race for one order; exactly one must win and every loser
// must observe AlreadyClaimed with no side effects.
func TestClaimRaceExactlyOneWinner(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusReadyForPickup)

	const contenders = 32
	var wg sync.WaitGroup
	winners := make(chan AgentID, contenders)
	losses := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agentID := uuid.New()
			if _, err := env.service.Claim(ctx, o.ID, agentID); err != nil {
				losses <- err
				return
			}
			winners <- agentID
		}()
	}
	wg.Wait()
	close(winners)
	close(losses)

	var winnerIDs []AgentID
	for id := range winners {
		winnerIDs = append(winnerIDs, id)
	}
	if len(winnerIDs) != 1 {
		t.Fatalf("claim race produced %d winners, want 1", len(winnerIDs))
	}

	for err := range losses {
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("loser error = %v, want ErrAlreadyClaimed", err)
		}
	}

	stored, _ := env.orders.Get(ctx, o.ID)
	if stored.AgentID == nil || *stored.AgentID != winnerIDs[0] {
		t.Error("stored agent is not the race winner")
	}
	if stored.Status != StatusDriverAssigned {
		t.Errorf("stored status = %s, want %s", stored.Status, StatusDriverAssigned)
	}
}

// A losing agent stays idle and may immediately claim a different order.
func TestClaimLoserRemainsIdle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first := env.seedOrder(StatusReadyForPickup)
	second := env.seedOrder(StatusReadyForPickup)

	winner := uuid.New()
	loser := uuid.New()

	if _, err := env.service.Claim(ctx, first.ID, winner); err != nil {
		t.Fatalf("winner claim error = %v", err)
	}
	if _, err := env.service.Claim(ctx, first.ID, loser); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("loser error = %v, want ErrAlreadyClaimed", err)
	}

	busy, _ := env.service.AgentBusy(ctx, loser)
	if busy {
		t.Error("losing agent marked busy")
	}

	if _, err := env.service.Claim(ctx, second.ID, loser); err != nil {
		t.Errorf("loser cannot claim another order: %v", err)
	}
}

func TestClaimBusyAgentRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	agentID := uuid.New()

	first := env.seedOrder(StatusReadyForPickup)
	second := env.seedOrder(StatusReadyForPickup)

	if _, err := env.service.Claim(ctx, first.ID, agentID); err != nil {
		t.Fatalf("first claim error = %v", err)
	}

	_, err := env.service.Claim(ctx, second.ID, agentID)
	if !errors.Is(err, ErrAgentBusy) {
		t.Errorf("error = %v, want ErrAgentBusy", err)
	}

	stored, _ := env.orders.Get(ctx, second.ID)
	if stored.Status != StatusReadyForPickup || stored.AgentID != nil {
		t.Error("second order mutated by rejected claim")
	}
}

func TestClaimNotInPool(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusPreparing)

	_, err := env.service.Claim(ctx, o.ID, uuid.New())
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("error = %v, want ErrAlreadyClaimed", err)
	}
}

func TestAgentDeliveryFlow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	agentID := uuid.New()

	o := env.seedOrder(StatusReadyForPickup)
	if _, err := env.service.Claim(ctx, o.ID, agentID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	got, err := env.service.MarkPickedUp(ctx, o.ID, agentID)
	if err != nil {
		t.Fatalf("MarkPickedUp() error = %v", err)
	}
	if got.Status != StatusPickedUp {
		t.Errorf("status = %s, want %s", got.Status, StatusPickedUp)
	}

	busy, _ := env.service.AgentBusy(ctx, agentID)
	if !busy {
		t.Error("agent not busy while carrying order")
	}

	got, err = env.service.Complete(ctx, o.ID, agentID)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, StatusCompleted)
	}

	// Completion frees the agent for the next claim.
	busy, _ = env.service.AgentBusy(ctx, agentID)
	if busy {
		t.Error("agent still busy after completion")
	}
}

func TestAgentTransitionWrongAgent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	bound := uuid.New()

	o := env.seedOrder(StatusReadyForPickup)
	if _, err := env.service.Claim(ctx, o.ID, bound); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	_, err := env.service.MarkPickedUp(ctx, o.ID, uuid.New())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPending(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusPending)

	got, err := env.service.CancelPending(ctx, o.ID, o.CustomerID)
	if err != nil {
		t.Fatalf("CancelPending() error = %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want %s", got.Status, StatusCancelled)
	}
}

func TestCancelPendingWrongCustomer(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusPending)

	_, err := env.service.CancelPending(ctx, o.ID, uuid.New())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelPendingAfterPayment(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	o := env.seedOrder(StatusPaid)

	_, err := env.service.CancelPending(ctx, o.ID, o.CustomerID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestForceCancel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	admin := Actor{ID: uuid.New(), Role: RoleAdmin}

	for _, status := range []Status{
		StatusPending, StatusPaid, StatusPreparing, StatusReadyForPickup,
	} {
		o := env.seedOrder(status)
		got, err := env.service.ForceCancel(ctx, o.ID, admin)
		if err != nil {
			t.Errorf("ForceCancel(%s) error = %v", status, err)
			continue
		}
		if got.Status != StatusCancelled {
			t.Errorf("ForceCancel(%s) status = %s", status, got.Status)
		}
	}

	for _, status := range []Status{StatusCompleted, StatusCancelled} {
		o := env.seedOrder(status)
		if _, err := env.service.ForceCancel(ctx, o.ID, admin); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("ForceCancel(%s) error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

// Force-cancelling an assigned delivery must dissolve the agent binding:
// agent_id is non-null only while the order is assigned.
func TestForceCancelClearsAgentBinding(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	admin := Actor{ID: uuid.New(), Role: RoleAdmin}

	for _, prep := range []struct {
		name    string
		advance func(t *testing.T, o *Order, agentID AgentID)
	}{
		{"driverAssigned", func(t *testing.T, o *Order, agentID AgentID) {}},
		{"pickedUp", func(t *testing.T, o *Order, agentID AgentID) {
			if _, err := env.service.MarkPickedUp(ctx, o.ID, agentID); err != nil {
				t.Fatalf("MarkPickedUp() error = %v", err)
			}
		}},
	} {
		t.Run(prep.name, func(t *testing.T) {
			agentID := uuid.New()
			o := env.seedOrder(StatusReadyForPickup)
			if _, err := env.service.Claim(ctx, o.ID, agentID); err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			prep.advance(t, o, agentID)

			got, err := env.service.ForceCancel(ctx, o.ID, admin)
			if err != nil {
				t.Fatalf("ForceCancel() error = %v", err)
			}
			if got.Status != StatusCancelled {
				t.Errorf("status = %s, want %s", got.Status, StatusCancelled)
			}
			if got.AgentID != nil {
				t.Errorf("agent binding survived cancellation: %v", *got.AgentID)
			}

			stored, err := env.orders.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if stored.AgentID != nil {
				t.Errorf("persisted agent binding survived cancellation: %v", *stored.AgentID)
			}

			busy, err := env.service.AgentBusy(ctx, agentID)
			if err != nil {
				t.Fatalf("AgentBusy() error = %v", err)
			}
			if busy {
				t.Error("agent still busy after cancellation")
			}
		})
	}
}

// Random walks over the state machine: after every step agent_id must be
// set iff the order is in an assigned status, no matter which path the
// order took to get there.
func TestRandomWalkKeepsAgentBindingConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	admin := Actor{ID: uuid.New(), Role: RoleAdmin}

	assertBinding := func(t *testing.T, env *testEnv, id OrderID, step string) {
		t.Helper()
		o, err := env.orders.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() after %s error = %v", step, err)
		}
		if bound := o.AgentID != nil; bound != o.Status.Assigned() {
			t.Fatalf("after %s: status=%s agent bound=%v", step, o.Status, bound)
		}
	}

	for run := 0; run < 50; run++ {
		env := newTestEnv()
		ctx := context.Background()

		o := env.seedOrder(StatusPending)
		agentID := uuid.New()
		shopID := o.ShopID
		merchant := Actor{ID: uuid.New(), Role: RoleMerchant}

		for step := 0; step < 10; step++ {
			current, err := env.orders.Get(ctx, o.ID)
			if err != nil {
				t.Fatalf("run %d: Get() error = %v", run, err)
			}
			if current.Status.Terminal() {
				break
			}

			var name string
			forward := rng.Intn(2) == 0
			switch current.Status {
			case StatusPending:
				if forward {
					name = "reconcile"
					_, err = env.service.Reconcile(ctx, o.PaymentSession, true)
				} else {
					name = "cancelPending"
					_, err = env.service.CancelPending(ctx, o.ID, o.CustomerID)
				}
			case StatusPaid:
				if forward {
					name = "markPreparing"
					_, err = env.service.MarkPreparing(ctx, o.ID, shopID, merchant)
				} else {
					name = "forceCancel"
					_, err = env.service.ForceCancel(ctx, o.ID, admin)
				}
			case StatusPreparing:
				if forward {
					name = "markReady"
					_, err = env.service.MarkReady(ctx, o.ID, shopID, merchant)
				} else {
					name = "forceCancel"
					_, err = env.service.ForceCancel(ctx, o.ID, admin)
				}
			case StatusReadyForPickup:
				if forward {
					name = "claim"
					_, err = env.service.Claim(ctx, o.ID, agentID)
				} else {
					name = "forceCancel"
					_, err = env.service.ForceCancel(ctx, o.ID, admin)
				}
			case StatusDriverAssigned:
				if forward {
					name = "markPickedUp"
					_, err = env.service.MarkPickedUp(ctx, o.ID, agentID)
				} else {
					name = "forceCancel"
					_, err = env.service.ForceCancel(ctx, o.ID, admin)
				}
			case StatusPickedUp:
				if forward {
					name = "complete"
					_, err = env.service.Complete(ctx, o.ID, agentID)
				} else {
					name = "forceCancel"
					_, err = env.service.ForceCancel(ctx, o.ID, admin)
				}
			}
			if err != nil {
				t.Fatalf("run %d step %d: %s from %s error = %v", run, step, name, current.Status, err)
			}
			assertBinding(t, env, o.ID, name)
		}
	}
}

func TestListPoolFallsBackToStore(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	env.seedOrder(StatusReadyForPickup)
	env.seedOrder(StatusReadyForPickup)
	env.seedOrder(StatusPreparing)
	claimed := env.seedOrder(StatusReadyForPickup)
	if _, err := env.service.Claim(ctx, claimed.ID, uuid.New()); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	pool, err := env.service.ListPool(ctx)
	if err != nil {
		t.Fatalf("ListPool() error = %v", err)
	}
	if len(pool) != 2 {
		t.Errorf("pool has %d orders, want 2", len(pool))
	}
	for _, o := range pool {
		if o.Status != StatusReadyForPickup || o.AgentID != nil {
			t.Errorf("pool contains %s order (agent %v)", o.Status, o.AgentID)
		}
	}
}

func TestReportLocation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	agent := &Agent{ID: uuid.New(), UserID: uuid.New()}
	env.agents.AddAgent(agent)

	loc := GeoPoint{Lat: -34.9011, Lng: -56.1645}
	if err := env.service.ReportLocation(ctx, agent.ID, loc); err != nil {
		t.Fatalf("ReportLocation() error = %v", err)
	}

	stored, _ := env.agents.Get(ctx, agent.ID)
	if stored.Location == nil || stored.Location.Lat != loc.Lat {
		t.Error("location not stored")
	}

	if got := len(env.publisher.EventsOn(dispatchevents.AgentsTopic)); got != 1 {
		t.Errorf("published %d agent events, want 1", got)
	}
}

// The first report from an unknown agent registers it on the fly.
func TestReportLocationRegistersAgent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	agentID := uuid.New()

	if err := env.service.ReportLocation(ctx, agentID, GeoPoint{Lat: 1, Lng: 2}); err != nil {
		t.Fatalf("ReportLocation() error = %v", err)
	}

	stored, err := env.agents.Get(ctx, agentID)
	if err != nil {
		t.Fatalf("agent not registered: %v", err)
	}
	if stored.Location == nil {
		t.Error("location not stored on first report")
	}
}

func TestActiveJob(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	agentID := uuid.New()

	job, err := env.service.ActiveJob(ctx, agentID)
	if err != nil {
		t.Fatalf("ActiveJob() error = %v", err)
	}
	if job != nil {
		t.Error("idle agent has an active job")
	}

	o := env.seedOrder(StatusReadyForPickup)
	if _, err := env.service.Claim(ctx, o.ID, agentID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	job, err = env.service.ActiveJob(ctx, agentID)
	if err != nil {
		t.Fatalf("ActiveJob() error = %v", err)
	}
	if job == nil || job.ID != o.ID {
		t.Error("active job not returned after claim")
	}
}

func TestHistoryRecordsFullLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	merchant := Actor{ID: uuid.New(), Role: RoleMerchant}
	agentID := uuid.New()

	o := env.seedOrder(StatusPending)
	env.gateway.MarkPaid(o.PaymentSession)

	if _, err := env.service.Reconcile(ctx, o.PaymentSession, true); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, err := env.service.MarkPreparing(ctx, o.ID, o.ShopID, merchant); err != nil {
		t.Fatalf("MarkPreparing() error = %v", err)
	}
	if _, err := env.service.MarkReady(ctx, o.ID, o.ShopID, merchant); err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}
	if _, err := env.service.Claim(ctx, o.ID, agentID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := env.service.MarkPickedUp(ctx, o.ID, agentID); err != nil {
		t.Fatalf("MarkPickedUp() error = %v", err)
	}
	if _, err := env.service.Complete(ctx, o.ID, agentID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	recs, err := env.service.History(ctx, o.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []Status{StatusPaid, StatusPreparing, StatusReadyForPickup, StatusDriverAssigned, StatusPickedUp, StatusCompleted}
	if len(recs) != len(want) {
		t.Fatalf("history has %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.To != want[i] {
			t.Errorf("record %d: to = %s, want %s", i, rec.To, want[i])
		}
	}
}
