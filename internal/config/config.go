package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of the gateway. All values come from the
// environment; defaults match production behavior.
type Config struct {
	Server struct {
		Host        string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
		Port        int           `env:"SERVER_PORT" envDefault:"3002"`
		ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"10s"`
	}

	Auth struct {
		JWTSecret string        `env:"JWT_SECRET,required"`
		Grace     time.Duration `env:"AUTH_GRACE" envDefault:"1s"`
	}

	Upstream struct {
		URL              string        `env:"UPSTREAM_URL,required"`
		ReconnectDelay   time.Duration `env:"UPSTREAM_RECONNECT_DELAY" envDefault:"5s"`
		HandshakeTimeout time.Duration `env:"UPSTREAM_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	}

	Status struct {
		CacheTTL      time.Duration `env:"STATUS_CACHE_TTL" envDefault:"10m"`
		OnlineWindow  time.Duration `env:"STATUS_ONLINE_WINDOW" envDefault:"45m"`
		LookupTimeout time.Duration `env:"STATUS_LOOKUP_TIMEOUT" envDefault:"3s"`
	}

	Postgres struct {
		Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
		Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
		Database string `env:"POSTGRES_DATABASE" envDefault:"gliderops"`
		User     string `env:"POSTGRES_USER" envDefault:"gliderops"`
		Password string `env:"POSTGRES_PASSWORD" envDefault:""`
	}

	Enrich struct {
		BaseURL string        `env:"DDB_BASE_URL" envDefault:""`
		Timeout time.Duration `env:"DDB_TIMEOUT" envDefault:"2s"`
	}

	NATS struct {
		URL           string        `env:"NATS_URL" envDefault:""`
		MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"10"`
		ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"1s"`
	}

	Limits struct {
		MessagesPerSecond float64 `env:"CLIENT_MESSAGES_PER_SEC" envDefault:"25"`
		MessageBurst      int     `env:"CLIENT_MESSAGE_BURST" envDefault:"50"`
		MaxMessageSize    int64   `env:"CLIENT_MAX_MESSAGE_SIZE" envDefault:"65536"`
	}

	Log struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
	}
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// PostgresDSN builds the connection string for the observation store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database)
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
