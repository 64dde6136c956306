// Package config holds the gateway's construction-time settings.
//
// Settings are read from the environment exactly once, in
// FromEnv, and from then on are threaded explicitly through
// constructors. No other package reads os.Getenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Settings mirrors the environment variables named in the wire
// contract: DATABASE_URL, REGISTRY_PATH, BACKEND_TIMEOUT,
// RETRY_ATTEMPTS, RETRY_BACKOFF_BASE.
type Settings struct {
	DatabaseURL      string
	RegistryPath     string
	BackendTimeout   time.Duration
	RetryAttempts    int
	RetryBackoffBase time.Duration

	// Addr is the gateway's own HTTP listen address; not part of the
	// original environment contract but needed to serve §6's routes.
	Addr string
}

const (
	defaultBackendTimeoutSeconds   = 10
	defaultRetryAttempts           = 2
	defaultRetryBackoffBaseSeconds = 0.5
	defaultAddr                    = ":8080"
	defaultRegistryPath            = "registry.yaml"
)

// FromEnv builds Settings from the process environment, applying the
// documented defaults for anything unset.
func FromEnv() (Settings, error) {
	s := Settings{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RegistryPath:     getenvDefault("REGISTRY_PATH", defaultRegistryPath),
		BackendTimeout:   time.Duration(defaultBackendTimeoutSeconds) * time.Second,
		RetryAttempts:    defaultRetryAttempts,
		RetryBackoffBase: time.Duration(defaultRetryBackoffBaseSeconds * float64(time.Second)),
		Addr:             getenvDefault("GATEWAY_ADDR", defaultAddr),
	}

	if v := os.Getenv("BACKEND_TIMEOUT"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid BACKEND_TIMEOUT %q: %w", v, err)
		}
		s.BackendTimeout = time.Duration(secs * float64(time.Second))
	}

	if v := os.Getenv("RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid RETRY_ATTEMPTS %q: %w", v, err)
		}
		s.RetryAttempts = n
	}

	if v := os.Getenv("RETRY_BACKOFF_BASE"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid RETRY_BACKOFF_BASE %q: %w", v, err)
		}
		s.RetryBackoffBase = time.Duration(secs * float64(time.Second))
	}

	return s, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Overrides holds CLI flag values that take precedence over the
// environment variables FromEnv reads. A nil field means the flag
// wasn't set and the environment/default value stands.
type Overrides struct {
	Addr             *string
	DatabaseURL      *string
	RegistryPath     *string
	BackendTimeout   *time.Duration
	RetryAttempts    *int
	RetryBackoffBase *time.Duration
}

// Apply returns s with every set field in o substituted in.
func (o Overrides) Apply(s Settings) Settings {
	if o.Addr != nil {
		s.Addr = *o.Addr
	}
	if o.DatabaseURL != nil {
		s.DatabaseURL = *o.DatabaseURL
	}
	if o.RegistryPath != nil {
		s.RegistryPath = *o.RegistryPath
	}
	if o.BackendTimeout != nil {
		s.BackendTimeout = *o.BackendTimeout
	}
	if o.RetryAttempts != nil {
		s.RetryAttempts = *o.RetryAttempts
	}
	if o.RetryBackoffBase != nil {
		s.RetryBackoffBase = *o.RetryBackoffBase
	}
	return s
}
