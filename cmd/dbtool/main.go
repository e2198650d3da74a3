package main

import (
	"context"
	"database/sql"
	"drone-delivery-service/internal/adapters/repositories"
	"drone-delivery-service/internal/config"
	"drone-delivery-service/internal/platform/db"
	"flag"
	"log"
	"strings"

	"github.com/joho/godotenv"
)

// dbtool prepares a database: it creates the schema and, unless -schema-only
// is set, loads the seed file. Seeding is idempotent.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found (using environment variables)")
	}

	schemaOnly := flag.Bool("schema-only", false, "create tables without seeding")
	flag.Parse()

	driver := config.Get("DB_DRIVER", "pgx")
	dsn := config.Get("DATABASE_URL", "")
	if driver == "sqlite" {
		dsn = config.Get("DB_PATH", "data/app.db")
	}
	if strings.TrimSpace(dsn) == "" {
		log.Fatal("DATABASE_URL is required")
	}

	conn, err := db.Open(context.Background(), driver, dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	seedPath := config.Get("SEED_PATH", "data/seeds/orders.json")
	if err := initAndSeed(conn, repositories.DialectFor(driver), seedPath, *schemaOnly); err != nil {
		log.Fatal(err)
	}
}

func initAndSeed(conn *sql.DB, dialect repositories.Dialect, seedPath string, schemaOnly bool) error {
	log.Println("Initializing database schema...")
	if err := repositories.InitSchema(conn); err != nil {
		return err
	}
	log.Println("Schema ready.")

	if schemaOnly {
		return nil
	}

	log.Println("Seeding database...")
	if err := repositories.SeedFromJSON(conn, dialect, seedPath); err != nil {
		return err
	}
	log.Println("Seeding complete.")

	return nil
}
