package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	// modernc registers as "sqlite", which sqlx does not know; it takes ? placeholders.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type DB struct {
	*sqlx.DB
	Driver string
}

func New(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverPostgres:
		// Add connection timeout if not present
		if !strings.Contains(dsn, "connect_timeout") {
			if strings.Contains(dsn, "?") {
				dsn += "&connect_timeout=10"
			} else {
				dsn += "?connect_timeout=10"
			}
		}
	case DriverSQLite:
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.Contains(dsn, "_pragma=foreign_keys") {
			dsn += sep + "_pragma=foreign_keys(1)"
			sep = "&"
		}
		if !strings.Contains(dsn, "_time_format") {
			dsn += sep + "_time_format=sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, Driver: driver}, nil
}

// RunMigrations applies the embedded schema files for the driver in name order.
func (db *DB) RunMigrations(log *logrus.Entry) error {
	dir := "migrations/" + db.Driver
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, name := range names {
		migrationSQL, err := migrationsFS.ReadFile(dir + "/" + name)
		if err != nil {
			return err
		}

		if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
			// Ignore errors from already-applied migrations (e.g., "already exists")
			if !strings.Contains(err.Error(), "already exists") &&
				!strings.Contains(err.Error(), "duplicate") {
				return fmt.Errorf("failed to run migration %s: %w", name, err)
			}
			continue
		}
		log.Debugf("applied migration %s", name)
	}

	log.Infof("database schema up to date (%d migrations, driver %s)", len(names), db.Driver)
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
