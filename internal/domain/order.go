package domain

import "time"

// Status is the order delivery status.
type Status string

const (
	StatusPending               Status = "pending"
	StatusConfirmed             Status = "confirmed"
	StatusPreparing             Status = "preparing"
	StatusReady                 Status = "ready"
	StatusDelivering            Status = "delivering"
	StatusWaitingForCustomer    Status = "waiting_for_customer"
	StatusDelivered             Status = "delivered"
	StatusDeliveryFailed        Status = "delivery_failed"
	StatusReturningToRestaurant Status = "returning_to_restaurant"
	StatusReturned              Status = "returned"
	StatusCancelled             Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusDelivering,
	StatusWaitingForCustomer,
	StatusDelivered,
	StatusDeliveryFailed,
	StatusReturningToRestaurant,
	StatusReturned,
	StatusCancelled,
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusReturned || s == StatusCancelled
}

// InFlight reports whether a drone is airborne or hovering for this status.
func (s Status) InFlight() bool {
	return s == StatusDelivering || s == StatusWaitingForCustomer || s == StatusReturningToRestaurant
}

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// RefundDescriptor is handed to the payment collaborator when a paid order is cancelled.
// The core never executes the refund itself.
type RefundDescriptor struct {
	OrderID string        `json:"order_id"`
	Amount  int64         `json:"amount"`
	Method  PaymentMethod `json:"method"`
}

// Timestamps records when each transition was applied.
type Timestamps struct {
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	PreparingAt  *time.Time `json:"preparing_at,omitempty"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	DeliveringAt *time.Time `json:"delivering_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`
	ReturningAt  *time.Time `json:"returning_at,omitempty"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	// DroneHomeAt is set when the drone lands home after the order's last leg.
	// No status owns it, so Stamp never sets it.
	DroneHomeAt *time.Time `json:"drone_home_at,omitempty"`
}

// Stamp sets the timestamp field that belongs to entering status s.
func (ts *Timestamps) Stamp(s Status, at time.Time) {
	t := at
	switch s {
	case StatusConfirmed:
		ts.ConfirmedAt = &t
	case StatusPreparing:
		ts.PreparingAt = &t
	case StatusReady:
		ts.ReadyAt = &t
	case StatusDelivering:
		ts.DeliveringAt = &t
	case StatusWaitingForCustomer:
		ts.ArrivedAt = &t
	case StatusDelivered:
		ts.DeliveredAt = &t
	case StatusDeliveryFailed:
		ts.TimeoutAt = &t
	case StatusReturningToRestaurant:
		ts.ReturningAt = &t
	case StatusReturned:
		ts.ReturnedAt = &t
	case StatusCancelled:
		ts.CancelledAt = &t
	}
}

// Order is the delivery-relevant projection of a customer order.
// Status is mutated exclusively through the delivery state machine.
type Order struct {
	ID                 string
	Status             Status
	Version            int64
	RestaurantLocation *Coordinates
	DeliveryLocation   *Coordinates
	RouteGeometry      []Coordinates
	DroneID            string
	Total              int64
	PaymentMethod      PaymentMethod
	PaymentStatus      PaymentStatus
	CancelReason       string
	Timestamps

	DistanceKm           float64
	EstimatedDurationMin float64
	RoutingMethod        RoutingMethod
}

// Trackable reports whether position-dependent components can run for the order.
func (o *Order) Trackable() bool {
	return o.RestaurantLocation != nil && o.DeliveryLocation != nil &&
		o.RestaurantLocation.Valid() && o.DeliveryLocation.Valid()
}

// FlightPath returns the routed geometry when present, otherwise the straight
// restaurant to delivery leg. It returns nil for orders missing geodata.
func (o *Order) FlightPath() []Coordinates {
	if !o.Trackable() {
		return nil
	}
	if len(o.RouteGeometry) >= 2 {
		out := make([]Coordinates, len(o.RouteGeometry))
		copy(out, o.RouteGeometry)
		return out
	}
	return []Coordinates{*o.RestaurantLocation, *o.DeliveryLocation}
}

// Refund computes refund eligibility from payment status.
// Cash on delivery never owes a refund; a settled online payment owes the order total.
func (o *Order) Refund() *RefundDescriptor {
	if o.PaymentMethod == PaymentCOD || o.PaymentStatus != PaymentPaid {
		return nil
	}
	return &RefundDescriptor{
		OrderID: o.ID,
		Amount:  o.Total,
		Method:  o.PaymentMethod,
	}
}

// Clone returns a deep copy so callers can't mutate shared state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.RestaurantLocation != nil {
		v := *o.RestaurantLocation
		c.RestaurantLocation = &v
	}
	if o.DeliveryLocation != nil {
		v := *o.DeliveryLocation
		c.DeliveryLocation = &v
	}
	if o.RouteGeometry != nil {
		c.RouteGeometry = append([]Coordinates(nil), o.RouteGeometry...)
	}
	return &c
}
