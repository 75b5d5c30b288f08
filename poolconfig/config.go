// Package poolconfig decodes the on-disk TOML form of a pool's tunables,
// the way cmd/main.go's loadConfig decodes the forwarder's configuration.
package poolconfig

import (
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"connpool/pool"
)

// PoolConfig is the decoded form of one origin's pool.toml section.
type PoolConfig struct {
	Connect struct {
		TimeoutSeconds int `toml:"timeoutSeconds"`
	} `toml:"connect"`

	ConnectionPool struct {
		MaximumConcurrentHTTP1Connections int `toml:"maximumConcurrentHTTP1Connections"`
		IdleTimeoutSeconds                int `toml:"idleTimeoutSeconds"`
	} `toml:"connectionPool"`
}

// LoadPoolConfig reads and decodes the TOML file at path, filling in
// spec-recognized defaults for anything left unset: 8 concurrent
// connections, a 30 second connect timeout, a 90 second idle timeout.
func LoadPoolConfig(path string) (PoolConfig, error) {
	var cfg PoolConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return PoolConfig{}, err
	}
	if cfg.ConnectionPool.MaximumConcurrentHTTP1Connections <= 0 {
		log.Warningf("poolconfig: connectionPool.maximumConcurrentHTTP1Connections not set, defaulting to 8")
		cfg.ConnectionPool.MaximumConcurrentHTTP1Connections = 8
	}
	if cfg.Connect.TimeoutSeconds <= 0 {
		log.Warningf("poolconfig: connect.timeoutSeconds not set, defaulting to 30")
		cfg.Connect.TimeoutSeconds = 30
	}
	if cfg.ConnectionPool.IdleTimeoutSeconds <= 0 {
		log.Warningf("poolconfig: connectionPool.idleTimeoutSeconds not set, defaulting to 90")
		cfg.ConnectionPool.IdleTimeoutSeconds = 90
	}
	return cfg, nil
}

// ToPoolConfig converts the decoded TOML form to the pool package's own
// Config.
func (c PoolConfig) ToPoolConfig() pool.Config {
	return pool.Config{
		MaxConcurrentHTTP1Connections: c.ConnectionPool.MaximumConcurrentHTTP1Connections,
		ConnectTimeout:                time.Duration(c.Connect.TimeoutSeconds) * time.Second,
		IdleTimeout:                   time.Duration(c.ConnectionPool.IdleTimeoutSeconds) * time.Second,
	}
}
