package services

import (
	"context"
	"drone-delivery-service/internal/adapters/repositories"
	"drone-delivery-service/internal/adapters/routing"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/ports"
	"errors"
	"sync"
	"testing"
	"time"
)

type fixture struct {
	t       *testing.T
	d       *Dispatcher
	repo    *repositories.MemoryOrderRepository
	pub     *recordingPublisher
	refunds *recordingRefunds
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		WaitWindow:     time.Second,
		ArrivalRadiusM: 50,
		TickInterval:   2 * time.Millisecond,
		FlightDuration: 30 * time.Millisecond,
		ReturnDuration: 20 * time.Millisecond,
	}
}

// fixtureOption adjusts the dispatcher's collaborators before it is built.
type fixtureOption func(*DispatcherDeps)

func newFixture(t *testing.T, cfg DispatcherConfig, opts ...fixtureOption) *fixture {
	t.Helper()

	repo := repositories.NewMemoryOrderRepository()
	for _, id := range []string{"drone-1", "drone-2"} {
		repo.PutDrone(&domain.Drone{ID: id, HomeLocation: &droneHome, BatteryLevel: 90, Status: domain.DroneAvailable})
	}
	repo.PutDrone(&domain.Drone{ID: "drone-nohome", BatteryLevel: 90, Status: domain.DroneAvailable})

	pub := &recordingPublisher{}
	refunds := &recordingRefunds{}
	deps := DispatcherDeps{
		Orders:    repo,
		Drones:    repo,
		Events:    pub,
		Refunds:   refunds,
		Estimator: NewEstimator(DefaultChain(nil, nil, 0, 1.35, 40)...),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	d := NewDispatcher(deps, cfg)
	t.Cleanup(d.Shutdown)

	return &fixture{t: t, d: d, repo: repo, pub: pub, refunds: refunds}
}

func (f *fixture) put(o *domain.Order) {
	if o.Version == 0 {
		o.Version = 1
	}
	f.repo.PutOrder(o)
}

func (f *fixture) readyOrder(id, droneID string) {
	f.t.Helper()
	f.put(&domain.Order{
		ID:                 id,
		Status:             domain.StatusReady,
		RestaurantLocation: &domain.Coordinates{Lat: restaurant.Lat, Lon: restaurant.Lon},
		DeliveryLocation:   &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		Total:              185000,
		PaymentMethod:      domain.PaymentCOD,
	})
	if droneID != "" {
		if _, err := f.d.AssignDrone(context.Background(), id, droneID); err != nil {
			f.t.Fatalf("AssignDrone: %v", err)
		}
	}
}

func (f *fixture) status(id string) domain.Status {
	o, err := f.repo.GetOrder(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetOrder: %v", err)
	}
	return o.Status
}

func (f *fixture) droneStatus(id string) domain.DroneStatus {
	d, err := f.repo.GetDrone(context.Background(), id)
	if err != nil {
		f.t.Fatalf("GetDrone: %v", err)
	}
	return d.Status
}

func (f *fixture) waitStatus(id string, want domain.Status) {
	f.t.Helper()
	eventually(f.t, 2*time.Second, func() bool { return f.status(id) == want }, string(want))
}

func (f *fixture) waitIdle(id string) {
	f.t.Helper()
	eventually(f.t, 2*time.Second, func() bool {
		return !f.d.engine.Running(id) && f.d.supervisor.Pending() == 0
	}, "no loops or timers for "+id)
}

func TestDispatcher_HappyPath(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.readyOrder("o1", "drone-1")

	if got := f.droneStatus("drone-1"); got != domain.DroneAssigned {
		t.Fatalf("drone status after assign = %s", got)
	}

	o, err := f.d.ConfirmHandoff(ctx, "o1")
	if err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}
	if o.Status != domain.StatusDelivering || o.RoutingMethod != domain.MethodHaversineAdjusted || o.DistanceKm <= 0 {
		t.Fatalf("after handoff = %+v", o)
	}

	f.waitStatus("o1", domain.StatusWaitingForCustomer)
	eventually(t, time.Second, func() bool { return f.d.supervisor.Pending() == 1 }, "wait timer armed")

	o, err = f.d.ConfirmReceipt(ctx, "o1")
	if err != nil || o.Status != domain.StatusDelivered || o.DeliveredAt == nil {
		t.Fatalf("ConfirmReceipt = %+v, %v", o, err)
	}

	eventually(t, 2*time.Second, func() bool {
		return f.droneStatus("drone-1") == domain.DroneAvailable && len(f.pub.ofType(ports.EventArrivedHome)) == 1
	}, "drone home")
	f.waitIdle("o1")

	if o, _ := f.repo.GetOrder(ctx, "o1"); o.DroneHomeAt == nil || o.Status != domain.StatusDelivered {
		t.Fatalf("after return: status=%s drone_home_at=%v", o.Status, o.DroneHomeAt)
	}
	if _, ok := f.d.Tracking("o1"); ok {
		t.Fatal("tracking kept after the drone landed")
	}

	want := []domain.Status{domain.StatusDelivering, domain.StatusWaitingForCustomer, domain.StatusDelivered}
	if got := f.pub.statuses(t); !equalStatuses(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	if len(f.pub.ofType(ports.EventPositionUpdate)) == 0 || len(f.pub.ofType(ports.EventReturningHome)) == 0 {
		t.Fatal("expected outbound and return position events")
	}

	// Replayed receipt is a no-op.
	if _, err := f.d.ConfirmReceipt(ctx, "o1"); err != nil {
		t.Fatalf("replayed receipt: %v", err)
	}
	if got := len(f.pub.statuses(t)); got != 3 {
		t.Fatalf("status events after replay = %d", got)
	}
}

func TestDispatcher_WaitWindowTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.WaitWindow = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.readyOrder("o1", "drone-1")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}

	f.waitStatus("o1", domain.StatusReturned)
	f.waitIdle("o1")

	want := []domain.Status{
		domain.StatusDelivering,
		domain.StatusWaitingForCustomer,
		domain.StatusDeliveryFailed,
		domain.StatusReturningToRestaurant,
		domain.StatusReturned,
	}
	if got := f.pub.statuses(t); !equalStatuses(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	if got := f.droneStatus("drone-1"); got != domain.DroneAvailable {
		t.Fatalf("drone status = %s", got)
	}

	o, _ := f.repo.GetOrder(context.Background(), "o1")
	if o.TimeoutAt == nil || o.ReturningAt == nil || o.ReturnedAt == nil {
		t.Fatalf("timestamps = %+v", o.Timestamps)
	}

	// A receipt that lost the race is rejected as stale.
	if _, err := f.d.ConfirmReceipt(context.Background(), "o1"); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("late receipt err = %v, want ErrStaleTransition", err)
	}
}

func TestDispatcher_ReceiptBeforeSimulatedArrival(t *testing.T) {
	cfg := fastConfig()
	cfg.FlightDuration = time.Hour
	f := newFixture(t, cfg)
	f.readyOrder("o1", "drone-1")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}
	eventually(t, time.Second, func() bool {
		tr, ok := f.d.Tracking("o1")
		return ok && !tr.Returning && tr.Position.Valid()
	}, "outbound tracking")

	o, err := f.d.ConfirmReceipt(context.Background(), "o1")
	if err != nil || o.Status != domain.StatusDelivered {
		t.Fatalf("ConfirmReceipt = %+v, %v", o, err)
	}
	if o.ArrivedAt == nil {
		t.Fatal("arrival not stamped before delivery")
	}

	eventually(t, 2*time.Second, func() bool { return f.droneStatus("drone-1") == domain.DroneAvailable }, "drone home")
	f.waitIdle("o1")
}

func TestDispatcher_Cancel(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	f.put(&domain.Order{
		ID: "o1", Status: domain.StatusConfirmed,
		Total: 250000, PaymentMethod: domain.PaymentOnline, PaymentStatus: domain.PaymentPaid,
	})
	if _, err := f.d.AssignDrone(ctx, "o1", "drone-1"); err != nil {
		t.Fatalf("AssignDrone: %v", err)
	}

	res, err := f.d.Cancel(ctx, "o1", "customer changed mind")
	if err != nil || !res.Applied {
		t.Fatalf("Cancel = %+v, %v", res, err)
	}
	if res.Refund == nil || res.Refund.Amount != 250000 || f.refunds.count() != 1 {
		t.Fatalf("refund = %+v (requests=%d)", res.Refund, f.refunds.count())
	}
	if got := f.droneStatus("drone-1"); got != domain.DroneAvailable {
		t.Fatalf("drone status = %s, want released", got)
	}

	res, err = f.d.Cancel(ctx, "o1", "again")
	if err != nil || res.Applied {
		t.Fatalf("second Cancel = %+v, %v", res, err)
	}
	if f.refunds.count() != 1 {
		t.Fatal("replayed cancel requested a second refund")
	}

	f.readyOrder("o2", "drone-2")
	if _, err := f.d.ConfirmHandoff(ctx, "o2"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}
	if _, err := f.d.Cancel(ctx, "o2", "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("in-flight cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestDispatcher_MissingGeodata(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	f.put(&domain.Order{ID: "o1", Status: domain.StatusReady, PaymentMethod: domain.PaymentCOD})
	if _, err := f.d.AssignDrone(ctx, "o1", "drone-1"); err != nil {
		t.Fatalf("AssignDrone: %v", err)
	}

	o, err := f.d.ConfirmHandoff(ctx, "o1")
	if err != nil || o.Status != domain.StatusDelivering {
		t.Fatalf("ConfirmHandoff = %+v, %v", o, err)
	}
	if f.d.engine.Running("o1") || o.RoutingMethod != "" {
		t.Fatal("untrackable order was simulated")
	}

	if o, err := f.d.ConfirmReceipt(ctx, "o1"); err != nil || o.Status != domain.StatusDelivered {
		t.Fatalf("ConfirmReceipt = %+v, %v", o, err)
	}
	eventually(t, 2*time.Second, func() bool { return f.droneStatus("drone-1") == domain.DroneAvailable }, "drone released")
}

func TestDispatcher_MissingHomeLeavesOrderFailed(t *testing.T) {
	cfg := fastConfig()
	cfg.WaitWindow = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.readyOrder("o1", "drone-nohome")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}

	f.waitStatus("o1", domain.StatusDeliveryFailed)
	f.waitIdle("o1")

	time.Sleep(30 * time.Millisecond)
	if got := f.status("o1"); got != domain.StatusDeliveryFailed {
		t.Fatalf("status = %s, want delivery_failed", got)
	}
}

func TestDispatcher_Telemetry(t *testing.T) {
	f := newFixture(t, fastConfig())
	err := f.d.ApplyTelemetry(context.Background(), LocationUpdate{OrderID: "o1", Position: customer})
	if !errors.Is(err, ErrTelemetryDisabled) {
		t.Fatalf("err = %v, want ErrTelemetryDisabled", err)
	}

	cfg := fastConfig()
	cfg.TelemetryEnabled = true
	cfg.FlightDuration = time.Hour
	f = newFixture(t, cfg)
	f.readyOrder("o1", "drone-1")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}

	err = f.d.ApplyTelemetry(context.Background(), LocationUpdate{
		OrderID:     "o1",
		Position:    domain.Coordinates{Lat: customer.Lat + 0.0001, Lon: customer.Lon},
		Percent:     99.9,
		RemainingKm: 0.011,
	})
	if err != nil {
		t.Fatalf("ApplyTelemetry: %v", err)
	}
	if got := f.status("o1"); got != domain.StatusWaitingForCustomer {
		t.Fatalf("status = %s, want waiting_for_customer", got)
	}
	if f.d.engine.Running("o1") {
		t.Fatal("simulation still running after arrival")
	}
}

func TestDispatcher_Resume(t *testing.T) {
	f := newFixture(t, fastConfig())
	long := time.Now().Add(-time.Hour)

	f.put(&domain.Order{
		ID: "waiting", Status: domain.StatusWaitingForCustomer, DroneID: "drone-1",
		RestaurantLocation: &domain.Coordinates{Lat: restaurant.Lat, Lon: restaurant.Lon},
		DeliveryLocation:   &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		Timestamps:         domain.Timestamps{ArrivedAt: &long},
	})
	f.put(&domain.Order{
		ID: "flying", Status: domain.StatusDelivering, DroneID: "drone-2",
		RestaurantLocation: &domain.Coordinates{Lat: restaurant.Lat, Lon: restaurant.Lon},
		DeliveryLocation:   &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		Timestamps:         domain.Timestamps{DeliveringAt: &long},
	})

	if err := f.d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	f.waitStatus("waiting", domain.StatusReturned)
	f.waitStatus("flying", domain.StatusWaitingForCustomer)
}

func TestDispatcher_CommandGuards(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.readyOrder("o1", "")

	if _, err := f.d.ConfirmHandoff(ctx, "o1"); !errors.Is(err, ErrNoDroneAssigned) {
		t.Fatalf("handoff without drone err = %v", err)
	}
	if _, err := f.d.Advance(ctx, "o1", domain.StatusDelivering); !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("advance to delivering err = %v", err)
	}
	if _, err := f.d.AssignDrone(ctx, "o1", "drone-404"); !errors.Is(err, ports.ErrDroneNotFound) {
		t.Fatalf("unknown drone err = %v", err)
	}

	f.readyOrder("o2", "drone-1")
	if _, err := f.d.AssignDrone(ctx, "o1", "drone-1"); !errors.Is(err, ErrDroneUnavailable) {
		t.Fatalf("busy drone err = %v", err)
	}
	if _, err := f.d.AssignDrone(ctx, "o2", "drone-1"); err != nil {
		t.Fatalf("re-assigning the same drone should be a no-op: %v", err)
	}

	if _, err := f.d.ConfirmHandoff(ctx, "o2"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}
	if _, err := f.d.AssignDrone(ctx, "o2", "drone-2"); !errors.Is(err, ErrCommandNotAllowed) {
		t.Fatalf("assign in flight err = %v", err)
	}
}

func TestDispatcher_EstimateFee(t *testing.T) {
	f := newFixture(t, fastConfig())

	q, err := f.d.EstimateFee(context.Background(), restaurant, customer, FeePolicy{Base: 15000, PerKm: 5000, Min: 15000})
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if q.Method != domain.MethodHaversineAdjusted || q.Fee <= 15000 {
		t.Fatalf("quote = %+v", q)
	}
}

// flakyOrders fails the first saves that would move an order into failStatus.
type flakyOrders struct {
	*repositories.MemoryOrderRepository
	failStatus domain.Status

	mu        sync.Mutex
	remaining int
	failed    int
}

func (f *flakyOrders) SaveOrder(ctx context.Context, o *domain.Order, expectedVersion int64) error {
	f.mu.Lock()
	if o.Status == f.failStatus && f.remaining > 0 {
		f.remaining--
		f.failed++
		f.mu.Unlock()
		return errors.New("disk I/O error")
	}
	f.mu.Unlock()
	return f.MemoryOrderRepository.SaveOrder(ctx, o, expectedVersion)
}

func (f *flakyOrders) failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func TestDispatcher_ArrivalWriteFailureRetries(t *testing.T) {
	var flaky *flakyOrders
	f := newFixture(t, fastConfig(), func(deps *DispatcherDeps) {
		flaky = &flakyOrders{
			MemoryOrderRepository: deps.Orders.(*repositories.MemoryOrderRepository),
			failStatus:            domain.StatusWaitingForCustomer,
			remaining:             2,
		}
		deps.Orders = flaky
	})
	f.readyOrder("o1", "drone-1")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}

	f.waitStatus("o1", domain.StatusWaitingForCustomer)
	eventually(t, time.Second, func() bool {
		return !f.d.engine.Running("o1") && f.d.supervisor.Pending() == 1
	}, "flight stopped and wait timer armed")

	if got := flaky.failures(); got != 2 {
		t.Fatalf("failed arrival writes = %d, want 2", got)
	}

	o, err := f.d.ConfirmReceipt(context.Background(), "o1")
	if err != nil || o.Status != domain.StatusDelivered {
		t.Fatalf("ConfirmReceipt = %+v, %v", o, err)
	}
	f.waitIdle("o1")
}

func TestDispatcher_ReceiptRetriesArrivalAfterWriteFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.FlightDuration = time.Hour
	var flaky *flakyOrders
	f := newFixture(t, cfg, func(deps *DispatcherDeps) {
		flaky = &flakyOrders{
			MemoryOrderRepository: deps.Orders.(*repositories.MemoryOrderRepository),
			failStatus:            domain.StatusWaitingForCustomer,
			remaining:             1,
		}
		deps.Orders = flaky
	})
	f.readyOrder("o1", "drone-1")

	if _, err := f.d.ConfirmHandoff(context.Background(), "o1"); err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}

	if _, err := f.d.ConfirmReceipt(context.Background(), "o1"); err == nil {
		t.Fatal("expected the failed arrival write to surface")
	}
	if got := f.status("o1"); got != domain.StatusDelivering {
		t.Fatalf("status = %s, want delivering", got)
	}
	if !f.d.engine.Running("o1") {
		t.Fatal("flight stopped although nothing was committed")
	}

	o, err := f.d.ConfirmReceipt(context.Background(), "o1")
	if err != nil || o.Status != domain.StatusDelivered {
		t.Fatalf("retried ConfirmReceipt = %+v, %v", o, err)
	}
	eventually(t, 2*time.Second, func() bool { return f.droneStatus("drone-1") == domain.DroneAvailable }, "drone home")
	f.waitIdle("o1")
}

func TestDispatcher_ReassignReleasesPreviousDrone(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.readyOrder("o1", "drone-1")

	o, err := f.d.AssignDrone(ctx, "o1", "drone-2")
	if err != nil || o.DroneID != "drone-2" {
		t.Fatalf("reassign = %+v, %v", o, err)
	}
	if got := f.droneStatus("drone-1"); got != domain.DroneAvailable {
		t.Fatalf("replaced drone status = %s, want available", got)
	}
	if got := f.droneStatus("drone-2"); got != domain.DroneAssigned {
		t.Fatalf("new drone status = %s, want assigned", got)
	}

	// The released drone can serve another order; the claimed one cannot.
	f.readyOrder("o2", "drone-1")
	if _, err := f.d.AssignDrone(ctx, "o2", "drone-2"); !errors.Is(err, ErrDroneUnavailable) {
		t.Fatalf("claiming an assigned drone err = %v", err)
	}
	if got := len(f.pub.ofType(ports.EventDroneAssigned)); got != 3 {
		t.Fatalf("drone-assigned events = %d, want 3", got)
	}
}

func TestDispatcher_ConcurrentAssignClaimsDroneOnce(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.repo.PutDrone(&domain.Drone{ID: "drone-3", HomeLocation: &droneHome, BatteryLevel: 90, Status: domain.DroneAvailable})

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "race-" + string(rune('a'+i))
		f.readyOrder(ids[i], "")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.d.AssignDrone(context.Background(), id, "drone-3")
		}()
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, ErrDroneUnavailable):
			t.Fatalf("order %s err = %v", ids[i], err)
		}
	}
	if won != 1 {
		t.Fatalf("orders holding drone-3 = %d, want 1", won)
	}
}

func TestDispatcher_CancelRefundOutlivesCaller(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.put(&domain.Order{
		ID: "o1", Status: domain.StatusConfirmed,
		Total: 99000, PaymentMethod: domain.PaymentOnline, PaymentStatus: domain.PaymentPaid,
	})
	if _, err := f.d.AssignDrone(context.Background(), "o1", "drone-1"); err != nil {
		t.Fatalf("AssignDrone: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.d.Cancel(ctx, "o1", "client hung up")
	if err != nil || !res.Applied {
		t.Fatalf("Cancel = %+v, %v", res, err)
	}

	f.refunds.mu.Lock()
	defer f.refunds.mu.Unlock()
	if len(f.refunds.got) != 1 || f.refunds.ctxErr[0] != nil {
		t.Fatalf("refund requests=%d ctx errors=%v, want one with a live context", len(f.refunds.got), f.refunds.ctxErr)
	}
	if got := f.droneStatus("drone-1"); got != domain.DroneAvailable {
		t.Fatalf("drone status = %s, want released", got)
	}
}

func TestDispatcher_ResumeFinishesReturnAfterDelivery(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	long := time.Now().Add(-time.Hour)

	f.repo.PutDrone(&domain.Drone{
		ID: "drone-1", HomeLocation: &droneHome, CurrentLocation: &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		BatteryLevel: 60, Status: domain.DroneReturning,
	})
	f.repo.PutDrone(&domain.Drone{ID: "drone-2", HomeLocation: &droneHome, BatteryLevel: 60, Status: domain.DroneReturning})

	f.put(&domain.Order{
		ID: "homebound", Status: domain.StatusDelivered, DroneID: "drone-1",
		RestaurantLocation: &domain.Coordinates{Lat: restaurant.Lat, Lon: restaurant.Lon},
		DeliveryLocation:   &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		Timestamps:         domain.Timestamps{DeliveredAt: &long},
	})
	f.put(&domain.Order{
		ID: "settled", Status: domain.StatusDelivered, DroneID: "drone-2",
		Timestamps: domain.Timestamps{DeliveredAt: &long, DroneHomeAt: &long},
	})
	f.put(&domain.Order{
		ID: "idle-drone", Status: domain.StatusDelivered, DroneID: "drone-nohome",
		Timestamps: domain.Timestamps{DeliveredAt: &long},
	})

	if err := f.d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	eventually(t, 2*time.Second, func() bool { return f.droneStatus("drone-1") == domain.DroneAvailable }, "drone-1 home")
	f.waitIdle("homebound")

	o, _ := f.repo.GetOrder(ctx, "homebound")
	if o.Status != domain.StatusDelivered || o.DroneHomeAt == nil {
		t.Fatalf("homebound: status=%s drone_home_at=%v", o.Status, o.DroneHomeAt)
	}
	home := f.pub.ofType(ports.EventArrivedHome)
	if len(home) != 1 || home[0].OrderID != "homebound" {
		t.Fatalf("arrived-home events = %+v, want one for homebound", home)
	}
	if got := f.droneStatus("drone-2"); got != domain.DroneReturning {
		t.Fatalf("settled order touched drone-2: status=%s", got)
	}
}

func TestDispatcher_HandoffPersistsRoutedGeometry(t *testing.T) {
	provider := routing.NewMockRouteProvider([]routing.MockPair{
		{From: restaurant, To: customer, Meters: 9400, Seconds: 1320},
	})
	f := newFixture(t, fastConfig(), func(deps *DispatcherDeps) {
		deps.Estimator = NewEstimator(DefaultChain(provider, nil, time.Second, 1.35, 40)...)
	})
	ctx := context.Background()
	f.readyOrder("o1", "drone-1")

	o, err := f.d.ConfirmHandoff(ctx, "o1")
	if err != nil {
		t.Fatalf("ConfirmHandoff: %v", err)
	}
	if o.RoutingMethod != domain.MethodRouting || o.DistanceKm != 9.4 || o.EstimatedDurationMin != 22 {
		t.Fatalf("after handoff = %+v", o)
	}

	stored, _ := f.repo.GetOrder(ctx, "o1")
	if len(stored.RouteGeometry) != 2 || stored.RouteGeometry[1] != customer {
		t.Fatalf("persisted geometry = %v", stored.RouteGeometry)
	}

	// A pair the provider does not know falls through to the adjusted estimate.
	f.put(&domain.Order{
		ID: "o2", Status: domain.StatusReady,
		RestaurantLocation: &domain.Coordinates{Lat: customer.Lat, Lon: customer.Lon},
		DeliveryLocation:   &domain.Coordinates{Lat: restaurant.Lat, Lon: restaurant.Lon},
	})
	if _, err := f.d.AssignDrone(ctx, "o2", "drone-2"); err != nil {
		t.Fatalf("AssignDrone: %v", err)
	}
	o, err = f.d.ConfirmHandoff(ctx, "o2")
	if err != nil || o.RoutingMethod != domain.MethodHaversineAdjusted || len(o.RouteGeometry) != 0 {
		t.Fatalf("fallback handoff = %+v, %v", o, err)
	}
}
