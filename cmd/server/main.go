package main

import (
	"context"
	"database/sql"
	"drone-delivery-service/internal/adapters/cache"
	"drone-delivery-service/internal/adapters/payment"
	"drone-delivery-service/internal/adapters/repositories"
	"drone-delivery-service/internal/adapters/routing"
	"drone-delivery-service/internal/api"
	"drone-delivery-service/internal/api/handlers"
	"drone-delivery-service/internal/config"
	"drone-delivery-service/internal/platform/db"
	"drone-delivery-service/internal/ports"
	"drone-delivery-service/internal/realtime"
	"drone-delivery-service/internal/services"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const estimateCacheTTL = 24 * time.Hour

// main is the application composition root.
// It wires concrete adapters (SQL, Redis, ORS, NATS, RabbitMQ) behind ports and starts the HTTP server.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	cfg, err := config.Load(config.Get("CONFIG_PATH", ""))
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	dsn := cfg.DBPath
	if cfg.DBDriver == "pgx" {
		dsn = cfg.DatabaseURL
	}
	conn, err := db.Open(ctx, cfg.DBDriver, dsn)
	if err != nil {
		return err
	}
	defer conn.Close()

	dialect := repositories.DialectFor(cfg.DBDriver)

	// Local SQLite runs initialize schema and seed demo data on startup;
	// Postgres is prepared with cmd/dbtool.
	if cfg.DBDriver == "sqlite" {
		if err := initAndSeed(conn, dialect, cfg.SeedPath); err != nil {
			return err
		}
	}

	checks := map[string]handlers.Check{"db": conn.PingContext}

	estimateCache, closeCache, err := newEstimateCache(ctx, cfg, conn, checks)
	if err != nil {
		return err
	}
	defer closeCache()

	var provider ports.RouteProvider
	if strings.TrimSpace(cfg.ORSAPIKey) != "" {
		p, err := routing.NewORSRouteProvider(cfg.ORSAPIKey)
		if err != nil {
			return err
		}
		provider = p
	} else {
		log.Println("ORS_API_KEY not set; estimates use haversine only")
	}

	estimator := services.NewEstimator(services.DefaultChain(
		provider,
		estimateCache,
		cfg.RoutingTimeout,
		cfg.Delivery.DetourFactor,
		cfg.Delivery.DroneSpeedKmh,
	)...)

	hub := realtime.NewHub(64)
	if cfg.NATSURL != "" {
		bridge, err := realtime.NewNATSBridge(cfg.NATSURL, hub)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Close()
	}

	var refunds ports.RefundPublisher = payment.LogRefundPublisher{}
	if cfg.AMQPURL != "" {
		rp, err := payment.DialRefundPublisher(cfg.AMQPURL, cfg.RefundExchange)
		if err != nil {
			return err
		}
		defer rp.Close()
		refunds = rp
		checks["rabbitmq"] = func(context.Context) error { return rp.Ping() }
	}

	repo := repositories.NewSQLOrderRepository(conn, dialect)
	dispatcher := services.NewDispatcher(services.DispatcherDeps{
		Orders:    repo,
		Drones:    repo,
		Events:    hub,
		Refunds:   refunds,
		Estimator: estimator,
	}, services.DispatcherConfig{
		WaitWindow:       cfg.Delivery.WaitWindow,
		ArrivalRadiusM:   cfg.Delivery.ArrivalRadiusM,
		TickInterval:     cfg.Delivery.TickInterval,
		FlightDuration:   cfg.Delivery.FlightDuration,
		ReturnDuration:   cfg.Delivery.ReturnDuration,
		TelemetryEnabled: cfg.Delivery.TelemetryEnabled,
	})
	defer dispatcher.Shutdown()

	if err := dispatcher.Resume(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Orders: dispatcher,
		Hub:    hub,
		Fee:    services.FeePolicy{Base: cfg.Fee.Base, PerKm: cfg.Fee.PerKm, Min: cfg.Fee.Min},
		Checks: checks,
	})

	// WriteTimeout stays zero: websocket connections are long-lived and
	// manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server listening addr=:%s driver=%s", cfg.Port, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// newEstimateCache prefers Redis when configured, otherwise the SQL table of
// the active driver.
func newEstimateCache(
	ctx context.Context,
	cfg config.Config,
	conn *sql.DB,
	checks map[string]handlers.Check,
) (ports.EstimateCache, func(), error) {
	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return cache.NewRedisEstimateCache(client, estimateCacheTTL), func() { client.Close() }, nil
	}

	if cfg.DBDriver == "pgx" {
		return cache.NewSQLEstimateCache(conn), func() {}, nil
	}
	return cache.NewSqliteEstimateCache(conn), func() {}, nil
}

func initAndSeed(conn *sql.DB, dialect repositories.Dialect, seedPath string) error {
	if err := repositories.InitSchema(conn); err != nil {
		return fmt.Errorf("init and seed: %w", err)
	}

	if err := repositories.SeedFromJSON(conn, dialect, seedPath); err != nil {
		return fmt.Errorf("init and seed: %w", err)
	}

	return nil
}
