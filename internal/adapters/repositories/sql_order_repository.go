package repositories

import (
	"context"
	"database/sql"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"drone-delivery-service/internal/ports"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQL-backed implementation of the OrderRepository and DroneRepository ports.
// The same queries serve SQLite and Postgres; Dialect only changes placeholders.
type SQLOrderRepository struct {
	DB      *sql.DB
	Dialect Dialect
}

func NewSQLOrderRepository(db *sql.DB, dialect Dialect) *SQLOrderRepository {
	return &SQLOrderRepository{DB: db, Dialect: dialect}
}

const orderColumns = `
	id, status, version,
	restaurant_lat, restaurant_lon, delivery_lat, delivery_lon,
	route_geometry, drone_id, total, payment_method, payment_status, cancel_reason,
	distance_km, estimated_duration_min, routing_method,
	confirmed_at, preparing_at, ready_at, delivering_at, arrived_at,
	delivered_at, timeout_at, returning_at, returned_at, cancelled_at,
	drone_home_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLOrderRepository) GetOrder(ctx context.Context, id string) (_ *domain.Order, err error) {
	defer obs.Time(ctx, "orders.GetOrder")(&err)

	if s.DB == nil {
		return nil, errors.New("sql order repository: DB is nil")
	}

	q := s.Dialect.rebind(`SELECT ` + orderColumns + ` FROM orders WHERE id = ?;`)

	o, err := scanOrder(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get order id=%s: %w", id, ports.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order id=%s: %w", id, err)
	}

	return o, nil
}

// SaveOrder writes every delivery field when the stored version matches.
func (s *SQLOrderRepository) SaveOrder(ctx context.Context, o *domain.Order, expectedVersion int64) (err error) {
	defer obs.Time(ctx, "orders.SaveOrder")(&err)

	if s.DB == nil {
		return errors.New("sql order repository: DB is nil")
	}

	geometry, err := encodeGeometry(o.RouteGeometry)
	if err != nil {
		return fmt.Errorf("save order id=%s: %w", o.ID, err)
	}

	rLat, rLon := nullCoords(o.RestaurantLocation)
	dLat, dLon := nullCoords(o.DeliveryLocation)

	q := s.Dialect.rebind(`
	UPDATE orders SET
		status = ?,
		version = version + 1,
		restaurant_lat = ?, restaurant_lon = ?,
		delivery_lat = ?, delivery_lon = ?,
		route_geometry = ?,
		drone_id = ?,
		total = ?,
		payment_method = ?,
		payment_status = ?,
		cancel_reason = ?,
		distance_km = ?,
		estimated_duration_min = ?,
		routing_method = ?,
		confirmed_at = ?, preparing_at = ?, ready_at = ?, delivering_at = ?, arrived_at = ?,
		delivered_at = ?, timeout_at = ?, returning_at = ?, returned_at = ?, cancelled_at = ?,
		drone_home_at = ?
	WHERE id = ? AND version = ?;
	`)

	ts := o.Timestamps
	res, err := s.DB.ExecContext(ctx, q,
		string(o.Status),
		rLat, rLon, dLat, dLon,
		geometry,
		o.DroneID,
		o.Total,
		string(o.PaymentMethod),
		string(o.PaymentStatus),
		o.CancelReason,
		o.DistanceKm,
		o.EstimatedDurationMin,
		string(o.RoutingMethod),
		toMillis(ts.ConfirmedAt), toMillis(ts.PreparingAt), toMillis(ts.ReadyAt),
		toMillis(ts.DeliveringAt), toMillis(ts.ArrivedAt), toMillis(ts.DeliveredAt),
		toMillis(ts.TimeoutAt), toMillis(ts.ReturningAt), toMillis(ts.ReturnedAt),
		toMillis(ts.CancelledAt), toMillis(ts.DroneHomeAt),
		o.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("save order id=%s: update orders table: %w", o.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save order id=%s: rows affected: %w", o.ID, err)
	}
	if n == 0 {
		if _, err := s.GetOrder(ctx, o.ID); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
		return fmt.Errorf("save order id=%s expected_version=%d: %w", o.ID, expectedVersion, ports.ErrVersionConflict)
	}

	return nil
}

func (s *SQLOrderRepository) ListOrdersByStatus(ctx context.Context, statuses ...domain.Status) (_ []*domain.Order, err error) {
	defer obs.Time(ctx, "orders.ListOrdersByStatus")(&err)

	if s.DB == nil {
		return nil, errors.New("sql order repository: DB is nil")
	}
	if len(statuses) == 0 {
		return []*domain.Order{}, nil
	}

	// Only the placeholder structure is interpolated; values stay parameterized.
	ph := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		ph = append(ph, "?")
		args = append(args, string(st))
	}

	q := s.Dialect.rebind(fmt.Sprintf(
		`SELECT %s FROM orders WHERE status IN (%s) ORDER BY id;`,
		orderColumns, strings.Join(ph, ","),
	))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: query orders table: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Order, 0, 16)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: scan row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: row iteration: %w", err)
	}

	return out, nil
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                                       domain.Order
		status, payMethod, payStatus, method    string
		rLat, rLon, dLat, dLon                  sql.NullFloat64
		geometry                                sql.NullString
		confirmed, preparing, ready, delivering sql.NullInt64
		arrived, delivered, timeout, returning  sql.NullInt64
		returned, cancelled, droneHome          sql.NullInt64
	)

	err := r.Scan(
		&o.ID, &status, &o.Version,
		&rLat, &rLon, &dLat, &dLon,
		&geometry, &o.DroneID, &o.Total, &payMethod, &payStatus, &o.CancelReason,
		&o.DistanceKm, &o.EstimatedDurationMin, &method,
		&confirmed, &preparing, &ready, &delivering, &arrived,
		&delivered, &timeout, &returning, &returned, &cancelled,
		&droneHome,
	)
	if err != nil {
		return nil, err
	}

	o.Status = domain.Status(status)
	o.PaymentMethod = domain.PaymentMethod(payMethod)
	o.PaymentStatus = domain.PaymentStatus(payStatus)
	o.RoutingMethod = domain.RoutingMethod(method)
	o.RestaurantLocation = fromNullCoords(rLat, rLon)
	o.DeliveryLocation = fromNullCoords(dLat, dLon)

	if geometry.Valid && geometry.String != "" {
		if err := json.Unmarshal([]byte(geometry.String), &o.RouteGeometry); err != nil {
			return nil, fmt.Errorf("decode route geometry for order %s: %w", o.ID, err)
		}
	}

	o.ConfirmedAt = fromMillis(confirmed)
	o.PreparingAt = fromMillis(preparing)
	o.ReadyAt = fromMillis(ready)
	o.DeliveringAt = fromMillis(delivering)
	o.ArrivedAt = fromMillis(arrived)
	o.DeliveredAt = fromMillis(delivered)
	o.TimeoutAt = fromMillis(timeout)
	o.ReturningAt = fromMillis(returning)
	o.ReturnedAt = fromMillis(returned)
	o.CancelledAt = fromMillis(cancelled)
	o.DroneHomeAt = fromMillis(droneHome)

	return &o, nil
}

func (s *SQLOrderRepository) GetDrone(ctx context.Context, id string) (_ *domain.Drone, err error) {
	defer obs.Time(ctx, "drones.GetDrone")(&err)

	if s.DB == nil {
		return nil, errors.New("sql order repository: DB is nil")
	}

	q := s.Dialect.rebind(`
	SELECT id, current_lat, current_lon, home_lat, home_lon, battery_level, status
	FROM drones
	WHERE id = ?;
	`)

	var (
		d                      domain.Drone
		cLat, cLon, hLat, hLon sql.NullFloat64
		status                 string
	)
	err = s.DB.QueryRowContext(ctx, q, id).Scan(&d.ID, &cLat, &cLon, &hLat, &hLon, &d.BatteryLevel, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get drone id=%s: %w", id, ports.ErrDroneNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get drone id=%s: %w", id, err)
	}

	d.CurrentLocation = fromNullCoords(cLat, cLon)
	d.HomeLocation = fromNullCoords(hLat, hLon)
	d.Status = domain.DroneStatus(status)

	return &d, nil
}

func (s *SQLOrderRepository) UpdateDroneLocation(ctx context.Context, id string, loc domain.Coordinates) error {
	q := s.Dialect.rebind(`UPDATE drones SET current_lat = ?, current_lon = ? WHERE id = ?;`)
	return s.execDrone(ctx, "update drone location", q, loc.Lat, loc.Lon, id)
}

func (s *SQLOrderRepository) UpdateDroneStatus(ctx context.Context, id string, status domain.DroneStatus) error {
	q := s.Dialect.rebind(`UPDATE drones SET status = ? WHERE id = ?;`)
	return s.execDrone(ctx, "update drone status", q, string(status), id)
}

// ClaimDrone assigns the drone only while it is still available, so two orders
// racing for one drone cannot both win.
func (s *SQLOrderRepository) ClaimDrone(ctx context.Context, id string) (err error) {
	defer obs.Time(ctx, "drones.ClaimDrone")(&err)

	q := s.Dialect.rebind(`UPDATE drones SET status = ? WHERE id = ? AND status = ?;`)
	err = s.execDrone(ctx, "claim drone", q, string(domain.DroneAssigned), id, string(domain.DroneAvailable))
	if !errors.Is(err, ports.ErrDroneNotFound) {
		return err
	}

	d, gerr := s.GetDrone(ctx, id)
	if gerr != nil {
		return fmt.Errorf("claim drone: %w", gerr)
	}
	return fmt.Errorf("claim drone id=%s status=%s: %w", id, d.Status, ports.ErrDroneUnavailable)
}

func (s *SQLOrderRepository) execDrone(ctx context.Context, op, q string, args ...any) error {
	if s.DB == nil {
		return errors.New("sql order repository: DB is nil")
	}

	res, err := s.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ports.ErrDroneNotFound)
	}
	return nil
}

func nullCoords(c *domain.Coordinates) (lat, lon sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func fromNullCoords(lat, lon sql.NullFloat64) *domain.Coordinates {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &domain.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func encodeGeometry(g []domain.Coordinates) (sql.NullString, error) {
	if len(g) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode route geometry: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
