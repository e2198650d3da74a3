package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the delivery coordinator.
// Values come from an optional YAML file and are overridden by environment variables.
type Config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	DBDriver string `yaml:"db_driver" validate:"oneof=sqlite pgx"`
	DBPath   string `yaml:"db_path"`
	// DatabaseURL is required when DBDriver is pgx.
	DatabaseURL string `yaml:"database_url" validate:"required_if=DBDriver pgx"`
	SeedPath    string `yaml:"seed_path"`

	ORSAPIKey      string        `yaml:"ors_api_key"`
	RoutingTimeout time.Duration `yaml:"routing_timeout" validate:"gt=0"`
	RedisURL       string        `yaml:"redis_url"`
	NATSURL        string        `yaml:"nats_url"`
	AMQPURL        string        `yaml:"amqp_url"`
	RefundExchange string        `yaml:"refund_exchange"`

	Delivery Delivery `yaml:"delivery"`
	Fee      Fee      `yaml:"fee"`
}

// Delivery groups the flight and supervision policy.
type Delivery struct {
	WaitWindow       time.Duration `yaml:"wait_window" validate:"gt=0"`
	ArrivalRadiusM   float64       `yaml:"arrival_radius_m" validate:"gt=0"`
	TickInterval     time.Duration `yaml:"tick_interval" validate:"gt=0"`
	FlightDuration   time.Duration `yaml:"flight_duration" validate:"gte=0"`
	ReturnDuration   time.Duration `yaml:"return_duration" validate:"gt=0"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gt=0"`
	DetourFactor     float64       `yaml:"detour_factor" validate:"gte=1"`
	DroneSpeedKmh    float64       `yaml:"drone_speed_kmh" validate:"gt=0"`
	TelemetryEnabled bool          `yaml:"telemetry_enabled"`
}

// Fee is the delivery fee policy in minor currency units.
type Fee struct {
	Base  int64 `yaml:"base" validate:"gte=0"`
	PerKm int64 `yaml:"per_km" validate:"gte=0"`
	Min   int64 `yaml:"min" validate:"gte=0"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Port:           "8080",
		DBDriver:       "sqlite",
		DBPath:         "data/app.db",
		SeedPath:       "data/seeds/orders.json",
		RoutingTimeout: 3 * time.Second,
		RefundExchange: "payments",
		Delivery: Delivery{
			WaitWindow:     5 * time.Minute,
			ArrivalRadiusM: 50,
			TickInterval:   time.Second,
			ReturnDuration: time.Minute,
			PollInterval:   10 * time.Second,
			DetourFactor:   1.35,
			DroneSpeedKmh:  40,
		},
		Fee: Fee{Base: 15000, PerKm: 5000, Min: 15000},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if non-empty),
// then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("load config: validate: %w", err)
	}

	return cfg, nil
}

// Get returns the environment value for key, or fallback when unset.
func Get(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func applyEnv(cfg *Config) error {
	cfg.Port = Get("PORT", cfg.Port)
	cfg.DBDriver = Get("DB_DRIVER", cfg.DBDriver)
	cfg.DBPath = Get("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = Get("DATABASE_URL", cfg.DatabaseURL)
	cfg.SeedPath = Get("SEED_PATH", cfg.SeedPath)
	cfg.ORSAPIKey = Get("ORS_API_KEY", cfg.ORSAPIKey)
	cfg.RedisURL = Get("REDIS_URL", cfg.RedisURL)
	cfg.NATSURL = Get("NATS_URL", cfg.NATSURL)
	cfg.AMQPURL = Get("AMQP_URL", cfg.AMQPURL)
	cfg.RefundExchange = Get("REFUND_EXCHANGE", cfg.RefundExchange)

	var errs []error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ROUTING_TIMEOUT", &cfg.RoutingTimeout},
		{"WAIT_WINDOW", &cfg.Delivery.WaitWindow},
		{"TICK_INTERVAL", &cfg.Delivery.TickInterval},
		{"FLIGHT_DURATION", &cfg.Delivery.FlightDuration},
		{"RETURN_DURATION", &cfg.Delivery.ReturnDuration},
		{"POLL_INTERVAL", &cfg.Delivery.PollInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", d.key, v, err))
			continue
		}
		*d.dst = parsed
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"ARRIVAL_RADIUS_M", &cfg.Delivery.ArrivalRadiusM},
		{"DETOUR_FACTOR", &cfg.Delivery.DetourFactor},
		{"DRONE_SPEED_KMH", &cfg.Delivery.DroneSpeedKmh},
	}
	for _, f := range floats {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", f.key, v, err))
			continue
		}
		*f.dst = parsed
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"FEE_BASE", &cfg.Fee.Base},
		{"FEE_PER_KM", &cfg.Fee.PerKm},
		{"FEE_MIN", &cfg.Fee.Min},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", i.key, v, err))
			continue
		}
		*i.dst = parsed
	}

	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEMETRY_ENABLED=%q: %w", v, err))
		} else {
			cfg.Delivery.TelemetryEnabled = b
		}
	}

	return errors.Join(errs...)
}
