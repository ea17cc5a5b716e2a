// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the relay configuration, populated from the environment.
// Every variable is read under the prefix passed to NewConfig, conventionally
// RELAY_.
type Config struct {
	// Host is the listen host for every transport. Empty binds all
	// interfaces.
	Host string `env:"HOST"`

	// Port is the plain TCP listen port.
	Port string `env:"PORT" envDefault:"5000"`

	// WSPort is the WebSocket listen port. Empty disables the WebSocket
	// transport.
	WSPort string `env:"WS_PORT"`

	// WSPath is the WebSocket upgrade path.
	WSPath string `env:"WS_PATH" envDefault:"/relay"`

	// ServerCert and ServerKey enable TLS on every transport when both are
	// set. Setting only one is a configuration error.
	ServerCert string `env:"SERVER_CERT"`
	ServerKey  string `env:"SERVER_KEY"`

	// Filters names the filter units to run, in order, against every
	// relayed payload.
	Filters []string `env:"FILTERS" envSeparator:","`

	// ReadTimeout reaps clients idle between frames.
	ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"10m"`

	// WriteTimeout bounds each broadcast write to a peer.
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`

	// ShutdownTimeout bounds connection draining on shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// MaxFrameSize caps request payload sizes in bytes.
	MaxFrameSize uint32 `env:"MAX_FRAME_SIZE" envDefault:"8388608"`

	// MaxConnections caps concurrently served TCP connections. Zero means
	// no cap.
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"0"`

	// FrameRateCapacity and FrameRateRefill configure the per-client token
	// bucket: burst capacity and tokens per second. Zero capacity disables
	// rate limiting.
	FrameRateCapacity int64 `env:"FRAME_RATE_CAPACITY" envDefault:"0"`
	FrameRateRefill   int64 `env:"FRAME_RATE_REFILL" envDefault:"0"`

	// FilterMaxFailures arms a per-filter circuit breaker: a unit failing
	// that many times in a row is skipped until FilterResetTimeout elapses.
	// Zero leaves filters always on.
	FilterMaxFailures  int           `env:"FILTER_MAX_FAILURES" envDefault:"0"`
	FilterResetTimeout time.Duration `env:"FILTER_RESET_TIMEOUT" envDefault:"1m"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// MetricsPort serves Prometheus metrics; HealthPort serves the health,
	// readiness and liveness probes.
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT" envDefault:"8080"`
}

// NewConfig reads the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}

// Address returns the TCP listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// WSAddress returns the WebSocket listen address. Only meaningful when
// WSPort is set.
func (c Config) WSAddress() string {
	return net.JoinHostPort(c.Host, c.WSPort)
}

// TLS loads the TLS configuration, or returns nil when TLS is not
// configured. Setting only one of the certificate pair is an error.
func (c Config) TLS() (*tls.Config, error) {
	switch {
	case c.ServerCert == "" && c.ServerKey == "":
		return nil, nil
	case c.ServerCert == "" || c.ServerKey == "":
		return nil, errors.New("both SERVER_CERT and SERVER_KEY must be set for TLS")
	}

	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
