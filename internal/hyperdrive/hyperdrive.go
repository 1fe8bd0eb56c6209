// Package hyperdrive implements the Hyperdrive binding: a parsed postgres
// connection string and a pooled database/sql handle opened with lib/pq.
package hyperdrive

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/cryguy/worker/v3/internal/core"
)

const defaultPort = 5432

// Config is a core.Hyperdrive for one database.
type Config struct {
	raw      string
	host     string
	port     int
	user     string
	password string
	database string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	mu sync.Mutex
	db *sql.DB
}

var _ core.Hyperdrive = (*Config)(nil)

// Parse validates a postgres:// or postgresql:// connection string.
func Parse(connStr string) (*Config, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("connection string scheme must be postgres or postgresql, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("connection string has no host")
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", p)
		}
	}
	c := &Config{
		raw:             connStr,
		host:            u.Hostname(),
		port:            port,
		database:        trimSlash(u.Path),
		MaxOpenConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	if u.User != nil {
		c.user = u.User.Username()
		c.password, _ = u.User.Password()
	}
	return c, nil
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func (c *Config) ConnectionString() string { return c.raw }
func (c *Config) Host() string             { return c.host }
func (c *Config) Port() int                { return c.port }
func (c *Config) User() string             { return c.user }
func (c *Config) Password() string         { return c.password }
func (c *Config) Database() string         { return c.database }

// Connect returns the shared pool, opening and pinging it on first use.
func (c *Config) Connect(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := sql.Open("postgres", c.raw)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to %s:%d: %w", c.host, c.port, err)
	}
	c.db = db
	return db, nil
}

// Close closes the pool if it was opened.
func (c *Config) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
