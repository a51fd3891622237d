package database

import (
	"errors"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	// WriteRetryDelay is the pause before the single retry of a failed write.
	WriteRetryDelay time.Duration `json:"write_retry_delay"`
	// MigrationsPath points at a directory of *.sql files; empty means the embedded set.
	MigrationsPath string `json:"migrations_path"`
}

// DefaultConfig returns production-ready database configuration.
// SQLite performs well with 10 pooled connections at the scale of one campus.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/campuschat.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteRetryDelay: 5 * time.Second,
		MigrationsPath:  "",
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// SQLite pragmas applied to every pooled connection through the DSN and once at startup.
// WAL keeps history reads concurrent with the single writer goroutine.
var SQLitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// DSN builds the go-sqlite3 connection string for path.
func DSN(path string) string {
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
