package dataqueue

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/teranos/dataqueue/errors"
)

// BackendKind selects the storage backend.
type BackendKind string

const (
	// BackendRelational stores jobs in PostgreSQL.
	BackendRelational BackendKind = "relational"
	// BackendKV stores jobs in Redis.
	BackendKV BackendKind = "kv"
)

// Config describes a queue instance: which backend to use, how to reach it,
// and how to size its pool. URL wins over the discrete connection fields.
type Config struct {
	Backend BackendKind `json:"backend"`

	// Connection: either a full URL or discrete fields.
	URL      string `json:"url,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"` // db name (relational) or numeric index (kv)
	SSL      bool   `json:"ssl,omitempty"`

	// Pool sizing. Zero values take backend defaults.
	MaxConns          int           `json:"max_conns,omitempty"`
	MinConns          int           `json:"min_conns,omitempty"`
	IdleTimeout       time.Duration `json:"idle_timeout,omitempty"`
	ConnectionTimeout time.Duration `json:"connection_timeout,omitempty"`

	// KeyPrefix namespaces every key (kv backend only). Default "dq:".
	KeyPrefix string `json:"key_prefix,omitempty"`

	// Verbose lowers the default logger to debug level.
	Verbose bool `json:"verbose,omitempty"`
}

// Validate checks the backend kind and that a connection target is present.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRelational, BackendKV:
	case "":
		return errors.New("backend kind is required")
	default:
		return errors.Newf("unknown backend kind %q", c.Backend)
	}
	if c.URL == "" && c.Host == "" {
		return errors.New("connection URL or host is required")
	}
	return nil
}

// postgresDSN assembles the relational connection string.
func (c *Config) postgresDSN() string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	if c.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// redisAddr assembles the kv connection target when no URL is given.
func (c *Config) redisAddr() string {
	port := c.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// redisDB parses Database as a numeric index; empty means 0.
func (c *Config) redisDB() (int, error) {
	if c.Database == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(c.Database)
	if err != nil {
		return 0, errors.Wrapf(err, "kv database must be a numeric index, got %q", c.Database)
	}
	return n, nil
}
