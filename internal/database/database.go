package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Services that own a schema.
var Services = []string{"order", "stock", "payment"}

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	Health(ctx context.Context) map[string]string

	DB() *sql.DB

	// Close terminates the database connection.
	Close() error
}

type service struct {
	db *sql.DB
}

// Open connects through the pgx stdlib driver and pings once so a bad URL
// fails at startup.
func Open(ctx context.Context, url string) (Service, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &service{db: db}, nil
}

func (s *service) DB() *sql.DB { return s.db }

// Health pings the database and reports pool statistics.
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	stats := make(map[string]string)
	if err := s.db.PingContext(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()

	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}
	return stats
}

func (s *service) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema of one service. Statements are
// idempotent so it is safe on every start.
func Migrate(ctx context.Context, db *sql.DB, svc string) error {
	script, err := migrations.ReadFile("migrations/" + svc + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for service %q", svc)
	}
	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("migrate %s: %w", svc, err)
	}
	return nil
}
