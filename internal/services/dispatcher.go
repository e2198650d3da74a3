package services

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/geo"
	"drone-delivery-service/internal/ports"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrNoDroneAssigned   = errors.New("no drone assigned")
	ErrDroneUnavailable  = ports.ErrDroneUnavailable
	ErrTelemetryDisabled = errors.New("telemetry disabled")
	ErrCommandNotAllowed = errors.New("command not allowed in current status")
)

const (
	// ioTimeout bounds fleet writes and publishes made from tick loops and timers.
	ioTimeout = 2 * time.Second
	// refundTimeout bounds the refund hand-off, which outlives the cancelling request.
	refundTimeout = 10 * time.Second
)

type DispatcherConfig struct {
	WaitWindow     time.Duration
	ArrivalRadiusM float64
	TickInterval   time.Duration
	// FlightDuration overrides the estimated duration when positive.
	FlightDuration   time.Duration
	ReturnDuration   time.Duration
	TelemetryEnabled bool
}

type DispatcherDeps struct {
	Orders    ports.OrderRepository
	Drones    ports.DroneRepository
	Events    ports.EventPublisher
	Refunds   ports.RefundPublisher
	Estimator *Estimator
}

// LocationUpdate is client telemetry, accepted only in demo mode.
type LocationUpdate struct {
	OrderID     string
	Position    domain.Coordinates
	Percent     float64
	RemainingKm float64
	ETAMinutes  float64
}

type returnKind int

const (
	returnAfterDelivery returnKind = iota
	returnAfterFailure
)

// Dispatcher executes inbound delivery commands and owns the server-side
// flight simulation and wait-window supervision for every order.
type Dispatcher struct {
	orders    ports.OrderRepository
	drones    ports.DroneRepository
	events    ports.EventPublisher
	refunds   ports.RefundPublisher
	estimator *Estimator
	cfg       DispatcherConfig

	machine    *StateMachine
	engine     *RouteProgressEngine
	supervisor *Supervisor

	tracking sync.Map // orderID -> domain.Tracking
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		orders:    deps.Orders,
		drones:    deps.Drones,
		events:    deps.Events,
		refunds:   deps.Refunds,
		estimator: deps.Estimator,
		cfg:       cfg,
		machine:   NewStateMachine(deps.Orders, deps.Events),
		engine:    NewRouteProgressEngine(cfg.TickInterval),
	}
	d.supervisor = NewSupervisor(cfg.WaitWindow, d.onWaitExpired)
	return d
}

// Snapshot is the full-state pull used by observers to reconcile.
func (d *Dispatcher) Snapshot(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return o, nil
}

// Tracking returns the latest position of the order's drone while it is on a leg.
func (d *Dispatcher) Tracking(orderID string) (domain.Tracking, bool) {
	v, ok := d.tracking.Load(orderID)
	if !ok {
		return domain.Tracking{}, false
	}
	return v.(domain.Tracking), true
}

func assignable(s domain.Status) error {
	switch s {
	case domain.StatusPending, domain.StatusConfirmed, domain.StatusPreparing, domain.StatusReady:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCommandNotAllowed, s)
}

// AssignDrone binds an available drone to an order that has not left yet.
// The drone is claimed with a conditional write before the order changes, and
// a drone replaced by reassignment is released.
func (d *Dispatcher) AssignDrone(ctx context.Context, orderID, droneID string) (*domain.Order, error) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("assign drone: %w", err)
	}
	if err := assignable(o.Status); err != nil {
		return nil, fmt.Errorf("assign drone order=%s: %w", orderID, err)
	}
	if o.DroneID == droneID {
		return o, nil
	}

	if err := d.drones.ClaimDrone(ctx, droneID); err != nil {
		return nil, fmt.Errorf("assign drone: %w", err)
	}

	var previous string
	o, err = d.machine.Update(ctx, orderID, func(o *domain.Order) error {
		if err := assignable(o.Status); err != nil {
			return err
		}
		previous = o.DroneID
		o.DroneID = droneID
		return nil
	})
	if err != nil {
		d.releaseDrone(ctx, droneID)
		return nil, fmt.Errorf("assign drone: %w", err)
	}
	if previous != "" && previous != droneID {
		d.releaseDrone(ctx, previous)
	}

	var pos *domain.Coordinates
	if drone, err := d.drones.GetDrone(ctx, droneID); err == nil {
		pos = drone.CurrentLocation
	}
	d.publish(ctx, ports.EventDroneAssigned, o.ID, o.Version, ports.DroneAssigned{
		DroneID:  droneID,
		Position: pos,
	})

	return o, nil
}

func (d *Dispatcher) releaseDrone(ctx context.Context, droneID string) {
	if err := d.drones.UpdateDroneStatus(ctx, droneID, domain.DroneAvailable); err != nil {
		log.Printf("release drone failed: drone=%s err=%v", droneID, err)
	}
}

// Advance applies the restaurant-side steps: confirmed, preparing and ready.
func (d *Dispatcher) Advance(ctx context.Context, orderID string, to domain.Status) (*domain.Order, error) {
	switch to {
	case domain.StatusConfirmed, domain.StatusPreparing, domain.StatusReady:
	default:
		return nil, fmt.Errorf("advance order=%s: %w: %s", orderID, ErrCommandNotAllowed, to)
	}

	res, err := d.machine.Transition(ctx, orderID, Event{To: to})
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	return res.Order, nil
}

// ConfirmHandoff records the restaurant handing the order to its drone and
// launches the flight. Orders missing geodata still transition but are not simulated.
func (d *Dispatcher) ConfirmHandoff(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("confirm handoff: %w", err)
	}
	if o.Status == domain.StatusDelivering {
		return o, nil
	}
	if o.DroneID == "" {
		return nil, fmt.Errorf("confirm handoff order=%s: %w", orderID, ErrNoDroneAssigned)
	}

	// Routing I/O happens before the transition so the order lock never spans it.
	var est *domain.Estimate
	if o.Trackable() && d.estimator != nil {
		e, err := d.estimator.Estimate(ctx, *o.RestaurantLocation, *o.DeliveryLocation)
		if err != nil {
			log.Printf("confirm handoff: estimate failed: order=%s err=%v", orderID, err)
		} else {
			est = &e
		}
	}

	res, err := d.machine.Transition(ctx, orderID, Event{
		From:   domain.StatusReady,
		To:     domain.StatusDelivering,
		Reason: "handed off to drone",
		Apply: func(o *domain.Order) {
			if est == nil {
				return
			}
			o.DistanceKm = est.DistanceKm
			o.EstimatedDurationMin = est.DurationMin
			o.RoutingMethod = est.Method
			if est.Method == domain.MethodRouting && len(est.RouteGeometry) >= 2 {
				o.RouteGeometry = est.RouteGeometry
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("confirm handoff: %w", err)
	}

	if res.Applied {
		if err := d.drones.UpdateDroneStatus(ctx, res.Order.DroneID, domain.DroneDelivering); err != nil {
			log.Printf("confirm handoff: drone status write failed: drone=%s err=%v", res.Order.DroneID, err)
		}
		d.startFlight(res.Order)
	}

	return res.Order, nil
}

// ConfirmReceipt records the customer taking the parcel. It cancels the wait
// timer before the transition; if the timer already won, the receipt is stale.
func (d *Dispatcher) ConfirmReceipt(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("confirm receipt: %w", err)
	}
	if o.Status == domain.StatusDelivered {
		return o, nil
	}

	// The customer can meet the drone before the simulation reports arrival.
	// The commit is attempted even if a tick holds the latch; the transition
	// itself is idempotent.
	if o.Status == domain.StatusDelivering {
		first := d.supervisor.MarkArrived(orderID)
		if err := d.commitArrival(ctx, orderID, first); err != nil {
			return nil, fmt.Errorf("confirm receipt: %w", err)
		}
	}

	d.supervisor.Cancel(orderID)

	res, err := d.machine.Transition(ctx, orderID, Event{
		From:   domain.StatusWaitingForCustomer,
		To:     domain.StatusDelivered,
		Reason: "customer confirmed receipt",
	})
	if err != nil {
		d.rearm(ctx, orderID)
		return nil, fmt.Errorf("confirm receipt: %w", err)
	}

	d.supervisor.Forget(orderID)
	if res.Applied {
		d.startReturn(res.Order, returnAfterDelivery)
	}

	return res.Order, nil
}

// Cancel cancels a pre-flight order and hands any refund owed to the payment collaborator.
func (d *Dispatcher) Cancel(ctx context.Context, orderID, reason string) (TransitionResult, error) {
	res, err := d.machine.Transition(ctx, orderID, Event{
		To:     domain.StatusCancelled,
		Reason: reason,
	})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("cancel: %w", err)
	}
	if !res.Applied {
		return res, nil
	}

	d.cleanup(orderID)

	// The cancel is committed; a caller that hangs up must not lose the refund.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	if res.Order.DroneID != "" {
		d.releaseDrone(rctx, res.Order.DroneID)
	}

	if res.Refund != nil && d.refunds != nil {
		if err := d.refunds.RequestRefund(rctx, *res.Refund); err != nil {
			log.Printf("refund request failed: order=%s amount=%d err=%v", orderID, res.Refund.Amount, err)
		}
	}

	return res, nil
}

// EstimateFee serves the fee calculation command.
func (d *Dispatcher) EstimateFee(ctx context.Context, origin, destination domain.Coordinates, policy FeePolicy) (FeeQuote, error) {
	if d.estimator == nil {
		return FeeQuote{}, ErrEstimateUnavailable
	}
	return d.estimator.Quote(ctx, origin, destination, policy)
}

// ApplyTelemetry accepts a client-reported position for a simulated drone.
func (d *Dispatcher) ApplyTelemetry(ctx context.Context, u LocationUpdate) error {
	if !d.cfg.TelemetryEnabled {
		return ErrTelemetryDisabled
	}
	if !u.Position.Valid() {
		return errors.New("apply telemetry: invalid coordinates")
	}

	o, err := d.orders.GetOrder(ctx, u.OrderID)
	if err != nil {
		return fmt.Errorf("apply telemetry: %w", err)
	}

	evType := ports.EventPositionUpdate
	switch o.Status {
	case domain.StatusDelivering, domain.StatusWaitingForCustomer:
	case domain.StatusDelivered, domain.StatusReturningToRestaurant:
		evType = ports.EventReturningHome
	default:
		return fmt.Errorf("apply telemetry order=%s: %w: %s", o.ID, ErrCommandNotAllowed, o.Status)
	}

	d.recordPosition(ctx, o.ID, o.DroneID, domain.Tracking{
		Position:    u.Position,
		Percent:     u.Percent,
		RemainingKm: u.RemainingKm,
		ETAMinutes:  u.ETAMinutes,
		Returning:   evType == ports.EventReturningHome,
		At:          d.machine.Now(),
	})

	d.publish(ctx, evType, o.ID, o.Version, ports.PositionUpdate{
		Position:    u.Position,
		Percent:     u.Percent,
		RemainingKm: u.RemainingKm,
		ETAMinutes:  u.ETAMinutes,
	})

	if o.Status == domain.StatusDelivering && d.reachedDestination(o, u.Position, u.RemainingKm) {
		return d.arrive(ctx, o.ID)
	}
	return nil
}

// Resume re-arms loops and timers for orders that were in flight when the
// process last stopped, including return flights after a delivery.
func (d *Dispatcher) Resume(ctx context.Context) error {
	orders, err := d.orders.ListOrdersByStatus(ctx,
		domain.StatusDelivering,
		domain.StatusWaitingForCustomer,
		domain.StatusDelivered,
		domain.StatusDeliveryFailed,
		domain.StatusReturningToRestaurant,
	)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	resumed := 0
	for _, o := range orders {
		if o.Status == domain.StatusDelivered && !d.returnPending(ctx, o) {
			continue
		}
		resumed++

		switch o.Status {
		case domain.StatusDelivering:
			d.startFlight(o)
		case domain.StatusWaitingForCustomer:
			d.supervisor.MarkArrived(o.ID)
			arrivedAt := d.machine.Now()
			if o.ArrivedAt != nil {
				arrivedAt = *o.ArrivedAt
			}
			d.supervisor.Watch(o.ID, arrivedAt)
		case domain.StatusDelivered:
			d.startReturn(o, returnAfterDelivery)
		case domain.StatusDeliveryFailed, domain.StatusReturningToRestaurant:
			d.startReturn(o, returnAfterFailure)
		}
	}

	log.Printf("resume: re-armed orders=%d", resumed)
	return nil
}

// returnPending reports whether a delivered order's drone was still flying home.
func (d *Dispatcher) returnPending(ctx context.Context, o *domain.Order) bool {
	if o.DroneHomeAt != nil || o.DroneID == "" {
		return false
	}
	drone, err := d.drones.GetDrone(ctx, o.DroneID)
	if err != nil {
		log.Printf("resume: drone lookup failed: order=%s drone=%s err=%v", o.ID, o.DroneID, err)
		return false
	}
	return drone.Status == domain.DroneReturning
}

// Shutdown stops every loop and timer without changing any order.
func (d *Dispatcher) Shutdown() {
	d.engine.StopAll()
	d.supervisor.StopAll()
}

func (d *Dispatcher) startFlight(o *domain.Order) {
	points := o.FlightPath()
	if points == nil {
		log.Printf("flight skipped: order=%s reason=missing geodata", o.ID)
		return
	}

	duration := d.cfg.FlightDuration
	if duration <= 0 {
		duration = time.Duration(o.EstimatedDurationMin * float64(time.Minute))
	}
	startedAt := d.machine.Now()
	if o.DeliveringAt != nil {
		startedAt = *o.DeliveringAt
	}

	f, err := NewFlight(points, duration, startedAt)
	if err != nil {
		log.Printf("flight skipped: order=%s err=%v", o.ID, err)
		return
	}

	orderID, droneID, version := o.ID, o.DroneID, o.Version
	dest := *o.DeliveryLocation

	onTick := func(p Progress) {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()

		d.recordPosition(ctx, orderID, droneID, trackingOf(p, false, d.machine.Now()))
		d.publish(ctx, ports.EventPositionUpdate, orderID, version, ports.PositionUpdate{
			Position:    p.Position,
			Percent:     p.Percent,
			RemainingKm: p.RemainingKm,
			ETAMinutes:  p.ETAMinutes,
		})

		if !p.Done && geo.Within(p.Position, dest, d.cfg.ArrivalRadiusM) {
			if err := d.arrive(ctx, orderID); err != nil {
				log.Printf("arrival failed: order=%s err=%v", orderID, err)
			}
		}
	}
	onDone := func(p Progress) error {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()

		err := d.arrive(ctx, orderID)
		if errors.Is(err, ErrStaleTransition) {
			log.Printf("arrival superseded: order=%s err=%v", orderID, err)
			return nil
		}
		return err
	}

	log.Printf("flight started: order=%s drone=%s km=%.3f dur=%s", orderID, droneID, f.Path.TotalKm(), duration)
	d.engine.Start(orderID, f, onTick, onDone)
}

func (d *Dispatcher) reachedDestination(o *domain.Order, pos domain.Coordinates, remainingKm float64) bool {
	if remainingKm <= 0 {
		return true
	}
	return o.DeliveryLocation != nil && geo.Within(pos, *o.DeliveryLocation, d.cfg.ArrivalRadiusM)
}

// arrive moves the order to waiting_for_customer once, however many ticks or
// telemetry updates land inside the arrival radius.
func (d *Dispatcher) arrive(ctx context.Context, orderID string) error {
	if !d.supervisor.MarkArrived(orderID) {
		return nil
	}
	return d.commitArrival(ctx, orderID, true)
}

// commitArrival transitions to waiting_for_customer, then stops the flight and
// arms the wait window. When nothing was committed the flight keeps running,
// and release frees the latch so a later tick, telemetry update or receipt
// retries.
func (d *Dispatcher) commitArrival(ctx context.Context, orderID string, release bool) error {
	res, err := d.machine.Transition(ctx, orderID, Event{
		From:   domain.StatusDelivering,
		To:     domain.StatusWaitingForCustomer,
		Reason: "drone arrived at delivery point",
	})
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			d.engine.Stop(orderID)
		} else if release {
			d.supervisor.ClearArrived(orderID)
		}
		return fmt.Errorf("arrive: %w", err)
	}
	d.engine.Stop(orderID)

	arrivedAt := d.machine.Now()
	if res.Order.ArrivedAt != nil {
		arrivedAt = *res.Order.ArrivedAt
	}
	d.supervisor.Watch(orderID, arrivedAt)

	return nil
}

// rearm restores the wait timer when a receipt was cancelled but never committed.
func (d *Dispatcher) rearm(ctx context.Context, orderID string) {
	o, err := d.orders.GetOrder(ctx, orderID)
	if err != nil || o.Status != domain.StatusWaitingForCustomer || o.ArrivedAt == nil {
		return
	}
	d.supervisor.Watch(orderID, *o.ArrivedAt)
}

// onWaitExpired runs on the supervisor's timer goroutine.
func (d *Dispatcher) onWaitExpired(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	res, err := d.machine.Transition(ctx, orderID, Event{
		From:   domain.StatusWaitingForCustomer,
		To:     domain.StatusDeliveryFailed,
		Reason: "customer did not confirm within wait window",
	})
	if err != nil {
		// A receipt that committed first makes the timeout stale.
		log.Printf("wait window expiry rejected: order=%s err=%v", orderID, err)
		return
	}

	d.startReturn(res.Order, returnAfterFailure)
}

// startReturn flies the drone home. After a failed delivery it also walks the
// order through returning_to_restaurant and returned.
func (d *Dispatcher) startReturn(o *domain.Order, kind returnKind) {
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()

	orderID, droneID := o.ID, o.DroneID

	var drone *domain.Drone
	if droneID != "" {
		var err error
		drone, err = d.drones.GetDrone(ctx, droneID)
		if err != nil {
			log.Printf("supervisor fault: order=%s drone=%s err=%v", orderID, droneID, err)
		}
	}
	if drone == nil || drone.HomeLocation == nil || !drone.HomeLocation.Valid() {
		// Leave the order where it is; a missing home is the fleet's data to repair.
		log.Printf("supervisor fault: order=%s drone=%s reason=missing home location status=%s", orderID, droneID, o.Status)
		d.cleanup(orderID)
		return
	}
	home := *drone.HomeLocation

	if kind == returnAfterFailure {
		res, err := d.machine.Transition(ctx, orderID, Event{
			To:     domain.StatusReturningToRestaurant,
			Reason: "returning after failed delivery",
		})
		if err != nil {
			log.Printf("return aborted: order=%s err=%v", orderID, err)
			d.cleanup(orderID)
			return
		}
		o = res.Order
	}

	from := home
	if t, ok := d.Tracking(orderID); ok {
		from = t.Position
	} else if drone.CurrentLocation != nil {
		from = *drone.CurrentLocation
	} else if o.DeliveryLocation != nil {
		from = *o.DeliveryLocation
	}

	if err := d.drones.UpdateDroneStatus(ctx, droneID, domain.DroneReturning); err != nil {
		log.Printf("return: drone status write failed: drone=%s err=%v", droneID, err)
	}

	version := o.Version
	onTick := func(p Progress) {
		tctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()

		d.recordPosition(tctx, orderID, droneID, trackingOf(p, true, d.machine.Now()))
		d.publish(tctx, ports.EventReturningHome, orderID, version, ports.PositionUpdate{
			Position:    p.Position,
			Percent:     p.Percent,
			RemainingKm: p.RemainingKm,
			ETAMinutes:  p.ETAMinutes,
		})
	}
	onDone := func(p Progress) error {
		dctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		return d.finishReturn(dctx, orderID, droneID, home, kind)
	}

	if err := d.engine.StartReturn(orderID, from, home, d.cfg.ReturnDuration, onTick, onDone); err != nil {
		log.Printf("return failed: order=%s err=%v", orderID, err)
		d.cleanup(orderID)
		return
	}
	log.Printf("return started: order=%s drone=%s", orderID, droneID)
}

// finishReturn records the drone home on the order before releasing the drone.
// An error leaves the return loop retrying on its next tick.
func (d *Dispatcher) finishReturn(
	ctx context.Context,
	orderID, droneID string,
	home domain.Coordinates,
	kind returnKind,
) error {
	homeAt := d.machine.Now()
	markHome := func(o *domain.Order) {
		if o.DroneHomeAt == nil {
			o.DroneHomeAt = &homeAt
		}
	}

	var o *domain.Order
	if kind == returnAfterFailure {
		res, err := d.machine.Transition(ctx, orderID, Event{
			From:   domain.StatusReturningToRestaurant,
			To:     domain.StatusReturned,
			Reason: "drone arrived home",
			Apply:  markHome,
		})
		if errors.Is(err, ErrStaleTransition) {
			log.Printf("return completion superseded: order=%s err=%v", orderID, err)
			d.cleanup(orderID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("finish return: %w", err)
		}
		o = res.Order
	} else {
		var err error
		o, err = d.machine.Update(ctx, orderID, func(o *domain.Order) error {
			markHome(o)
			return nil
		})
		if err != nil {
			return fmt.Errorf("finish return: %w", err)
		}
	}

	d.releaseDrone(ctx, droneID)
	d.publish(ctx, ports.EventArrivedHome, orderID, o.Version, ports.ArrivedHome{
		DroneID:  droneID,
		Position: home,
	})

	d.cleanup(orderID)
	log.Printf("return complete: order=%s drone=%s", orderID, droneID)
	return nil
}

func (d *Dispatcher) recordPosition(ctx context.Context, orderID, droneID string, t domain.Tracking) {
	d.tracking.Store(orderID, t)
	if droneID == "" {
		return
	}
	if err := d.drones.UpdateDroneLocation(ctx, droneID, t.Position); err != nil {
		log.Printf("drone location write failed: drone=%s err=%v", droneID, err)
	}
}

func trackingOf(p Progress, returning bool, at time.Time) domain.Tracking {
	return domain.Tracking{
		Position:    p.Position,
		Percent:     p.Percent,
		RemainingKm: p.RemainingKm,
		ETAMinutes:  p.ETAMinutes,
		Returning:   returning,
		At:          at,
	}
}

func (d *Dispatcher) cleanup(orderID string) {
	d.engine.Stop(orderID)
	d.supervisor.Forget(orderID)
	d.tracking.Delete(orderID)
}

func (d *Dispatcher) publish(ctx context.Context, t ports.EventType, orderID string, version int64, payload any) {
	if d.events == nil {
		return
	}
	env, err := ports.NewEnvelope(t, orderID, version, d.machine.Now(), payload)
	if err != nil {
		log.Printf("publish failed: order=%s type=%s err=%v", orderID, t, err)
		return
	}
	if err := d.events.Publish(ctx, env); err != nil {
		log.Printf("publish failed: order=%s type=%s err=%v", orderID, t, err)
	}
}
