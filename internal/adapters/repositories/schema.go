package repositories

import (
	"database/sql"
	"drone-delivery-service/internal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Column types are chosen so the same DDL runs on SQLite and Postgres.
// Timestamps are stored as unix milliseconds.
var schemaStatements = []string{
	`
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		restaurant_lat DOUBLE PRECISION,
		restaurant_lon DOUBLE PRECISION,
		delivery_lat DOUBLE PRECISION,
		delivery_lon DOUBLE PRECISION,
		route_geometry TEXT,
		drone_id TEXT NOT NULL DEFAULT '',
		total BIGINT NOT NULL DEFAULT 0,
		payment_method TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		estimated_duration_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		routing_method TEXT NOT NULL DEFAULT '',
		confirmed_at BIGINT,
		preparing_at BIGINT,
		ready_at BIGINT,
		delivering_at BIGINT,
		arrived_at BIGINT,
		delivered_at BIGINT,
		timeout_at BIGINT,
		returning_at BIGINT,
		returned_at BIGINT,
		cancelled_at BIGINT,
		drone_home_at BIGINT
	);
	`,
	`
	CREATE INDEX IF NOT EXISTS idx_orders_status
	ON orders(status);
	`,
	`
	CREATE TABLE IF NOT EXISTS drones (
		id TEXT PRIMARY KEY,
		current_lat DOUBLE PRECISION,
		current_lon DOUBLE PRECISION,
		home_lat DOUBLE PRECISION,
		home_lon DOUBLE PRECISION,
		battery_level DOUBLE PRECISION NOT NULL DEFAULT 100,
		status TEXT NOT NULL
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS estimate_cache (
		cache_key TEXT PRIMARY KEY,
		distance_km DOUBLE PRECISION NOT NULL,
		duration_min DOUBLE PRECISION NOT NULL,
		route_geometry TEXT NOT NULL,
		method TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	`,
}

// Initialize the database schema.
func InitSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("init schema: DB is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("init schema: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schemaStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: exec statement #%d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("init schema: commit tx: %w", err)
	}

	return nil
}

type coordSeed struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type DroneSeed struct {
	ID           string     `json:"id"`
	Home         *coordSeed `json:"home"`
	Current      *coordSeed `json:"current"`
	BatteryLevel float64    `json:"battery_level"`
}

type OrderSeed struct {
	ID            string     `json:"id"`
	Restaurant    *coordSeed `json:"restaurant"`
	Delivery      *coordSeed `json:"delivery"`
	Total         int64      `json:"total"`
	PaymentMethod string     `json:"payment_method"`
	PaymentStatus string     `json:"payment_status"`
}

type Seed struct {
	Drones []DroneSeed `json:"drones"`
	Orders []OrderSeed `json:"orders"`
}

func (c *coordSeed) coords() *domain.Coordinates {
	if c == nil {
		return nil
	}
	return &domain.Coordinates{Lat: c.Lat, Lon: c.Lon}
}

// Populate the database with drones and pending orders from a JSON file.
// Existing rows are left untouched so reseeding never rewinds live orders.
func SeedFromJSON(db *sql.DB, dialect Dialect, jsonPath string) error {
	bytes, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("seed: read %q: %w", jsonPath, err)
	}

	var data Seed
	if err := json.Unmarshal(bytes, &data); err != nil {
		return fmt.Errorf("seed: parse json: %w", err)
	}

	for i, d := range data.Drones {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("seed: drone at index %d: id cannot be empty", i+1)
		}
	}
	for i, o := range data.Orders {
		if strings.TrimSpace(o.ID) == "" {
			return fmt.Errorf("seed: order at index %d: id cannot be empty", i+1)
		}
		switch domain.PaymentMethod(o.PaymentMethod) {
		case domain.PaymentCOD, domain.PaymentOnline:
		default:
			return fmt.Errorf("seed: order %q: unknown payment method %q", o.ID, o.PaymentMethod)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("seed: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	droneStmt, err := tx.Prepare(dialect.rebind(`
	INSERT INTO drones (id, current_lat, current_lon, home_lat, home_lon, battery_level, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING;
	`))
	if err != nil {
		return fmt.Errorf("seed: prepare drone insert: %w", err)
	}
	defer droneStmt.Close()

	for _, d := range data.Drones {
		current := d.Current
		if current == nil {
			current = d.Home
		}
		cLat, cLon := nullCoords(current.coords())
		hLat, hLon := nullCoords(d.Home.coords())
		battery := d.BatteryLevel
		if battery == 0 {
			battery = 100
		}
		if _, err := droneStmt.Exec(d.ID, cLat, cLon, hLat, hLon, battery, string(domain.DroneAvailable)); err != nil {
			return fmt.Errorf("seed: insert drone id=%s: %w", d.ID, err)
		}
	}

	orderStmt, err := tx.Prepare(dialect.rebind(`
	INSERT INTO orders (
		id, status, version,
		restaurant_lat, restaurant_lon, delivery_lat, delivery_lon,
		total, payment_method, payment_status
	)
	VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING;
	`))
	if err != nil {
		return fmt.Errorf("seed: prepare order insert: %w", err)
	}
	defer orderStmt.Close()

	for _, o := range data.Orders {
		rLat, rLon := nullCoords(o.Restaurant.coords())
		dLat, dLon := nullCoords(o.Delivery.coords())
		payStatus := o.PaymentStatus
		if payStatus == "" {
			payStatus = string(domain.PaymentPending)
		}
		if _, err := orderStmt.Exec(
			o.ID, string(domain.StatusPending),
			rLat, rLon, dLat, dLon,
			o.Total, o.PaymentMethod, payStatus,
		); err != nil {
			return fmt.Errorf("seed: insert order id=%s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed: commit tx: %w", err)
	}

	return nil
}
