package db

import (
	"fmt"
	"time"

	"github.com/migadu/pgkeeper/config"
)

const (
	ProfilePrimary      = "primary"
	ProfileModerate     = "moderate"
	ProfileConservative = "conservative"
)

// Profile is the tuning a Handle is built with.
type Profile struct {
	Name              string
	URL               string
	MaxConns          int32
	MinConns          int32
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	MaxConnLifetime   time.Duration
	KeepAlive         time.Duration
	HealthCheckPeriod time.Duration
	Debug             bool
}

// ProfileFromConfig derives the primary profile. Production favors fewer
// connections and longer timeouts; development the opposite.
func ProfileFromConfig(cfg *config.DatabaseConfig) (Profile, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return Profile{}, fmt.Errorf("invalid connect_timeout: %w", err)
	}
	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return Profile{}, fmt.Errorf("invalid idle_timeout: %w", err)
	}
	lifetime, err := cfg.GetMaxConnLifetime()
	if err != nil {
		return Profile{}, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	keepAlive, err := cfg.GetKeepAlive()
	if err != nil {
		return Profile{}, fmt.Errorf("invalid keep_alive: %w", err)
	}

	return Profile{
		Name:              ProfilePrimary,
		URL:               cfg.URL,
		MaxConns:          cfg.GetMaxConns(),
		MinConns:          cfg.GetMinConns(),
		ConnectTimeout:    connectTimeout,
		IdleTimeout:       idleTimeout,
		MaxConnLifetime:   lifetime,
		KeepAlive:         keepAlive,
		HealthCheckPeriod: keepAlive * 3,
		Debug:             cfg.GetDebug(),
	}, nil
}

// ModerateProfile is the first recovery stage: reduced capacity with moderate timeouts.
func ModerateProfile(base Profile) Profile {
	p := base
	p.Name = ProfileModerate
	p.MaxConns = 5
	p.MinConns = 0
	p.ConnectTimeout = 10 * time.Second
	p.IdleTimeout = 30 * time.Second
	return p
}

// ConservativeProfile is the last recovery stage: minimal capacity allowed to
// shrink to zero idle connections, a longer connect timeout and a shorter idle timeout.
func ConservativeProfile(base Profile) Profile {
	p := base
	p.Name = ProfileConservative
	p.MaxConns = 2
	p.MinConns = 0
	p.ConnectTimeout = 30 * time.Second
	p.IdleTimeout = 5 * time.Second
	return p
}
