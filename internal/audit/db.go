package audit

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	sqltrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/database/sql"
)

// DBConfig carries the connection parameters for the optional audit
// Postgres database.
type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// OpenDB opens an APM-traced *sql.DB against cfg, tuned for a small
// audit-writer connection pool since this connection only ever
// receives fire-and-forget inserts from the metrics path.
func OpenDB(cfg DBConfig) (*sql.DB, error) {
	sqltrace.Register("postgres", &pq.Driver{}, sqltrace.WithServiceName("dispatchd-db"))

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
	log.Printf("[AUDIT] connecting to database at %s:%s", cfg.Host, cfg.Port)

	db, err := sqltrace.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	log.Println("[AUDIT] database connection established with APM tracing")
	return db, nil
}
