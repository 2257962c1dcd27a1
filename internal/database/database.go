// Package database provides MySQL connection management for edgewatch.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"github.com/dbsmedya/edgewatch/internal/config"
)

const (
	connectAttempts = 3
	connMaxLifetime = 10 * time.Minute
)

// Manager owns the single connection pool shared by every store.
type Manager struct {
	DB     *sql.DB
	config *config.DatabaseConfig
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.DatabaseConfig) *Manager {
	return &Manager{config: cfg}
}

// Connect opens the pool and verifies it with a ping, retrying with
// exponential backoff.
func (m *Manager) Connect(ctx context.Context) error {
	if m.config == nil {
		return fmt.Errorf("database config is nil")
	}

	var lastErr error
	backoff := time.Second

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err := open(m.config)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				m.DB = db
				return nil
			}
			_ = db.Close()
		}
		lastErr = err

		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	return fmt.Errorf("failed to connect to %s:%d after %d attempts: %w",
		m.config.Host, m.config.Port, connectAttempts, lastErr)
}

func open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", BuildDSN(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(connMaxLifetime)

	return db, nil
}

// BuildDSN constructs a MySQL DSN from configuration.
// Timestamps are parsed into time.Time in UTC to match what the stores write.
// clientFoundRows makes UPDATE report matched rather than changed rows.
func BuildDSN(cfg *config.DatabaseConfig) string {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	params := "?parseTime=true&loc=UTC&clientFoundRows=true"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	default:
		params += "&tls=preferred"
	}

	return dsn + params
}

// Close closes the pool if it was opened.
func (m *Manager) Close() error {
	if m.DB == nil {
		return nil
	}
	if err := m.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.DB == nil {
		return fmt.Errorf("database not connected")
	}
	if err := m.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
