// Package cluster wires the individually-testable components — process
// kernel, local registry, behavior catalog, transport, membership,
// remote call/cast/spawn, remote monitor/link, global registry,
// distributed supervisor, and observer — into one running node (spec
// §6 cluster configuration, §4 end to end).
package cluster

import (
	"time"

	"github.com/noexrun/noex/errdefs"
	"github.com/noexrun/noex/nodeid"
)

// Config recognizes the cluster configuration options (spec §6).
type Config struct {
	NodeName string // required
	Host     string // default "0.0.0.0"
	Port     int    // default 4369

	Seeds []string // node identifiers ("name@host:port") dialed on Start

	ClusterSecret string // enables HMAC signing/verification when non-empty

	HeartbeatIntervalMs    int64 // default 5000
	HeartbeatMissThreshold int   // default 3
	ReconnectBaseDelayMs   int64 // default 1000
	ReconnectMaxDelayMs    int64 // default 30000
}

// WithDefaults fills in every option Config leaves zero (spec §6 table
// defaults).
func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 4369
	}
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = 5000
	}
	if c.HeartbeatMissThreshold == 0 {
		c.HeartbeatMissThreshold = 3
	}
	if c.ReconnectBaseDelayMs == 0 {
		c.ReconnectBaseDelayMs = 1000
	}
	if c.ReconnectMaxDelayMs == 0 {
		c.ReconnectMaxDelayMs = 30000
	}
	return c
}

// Validate checks Config against the boundary rules in spec §8
// ("heartbeatIntervalMs < 100 rejected") and §3 (node identifier
// grammar for NodeName/Seeds), returning an InvalidClusterConfig error
// on the first violation found.
func (c Config) Validate() error {
	if c.NodeName == "" {
		return errdefs.NewInvalidClusterConfig("nodeName is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errdefs.NewInvalidClusterConfig("port must be in 1..65535")
	}
	if c.HeartbeatIntervalMs < 100 {
		return errdefs.NewInvalidClusterConfig("heartbeatIntervalMs must be >= 100")
	}
	if c.HeartbeatMissThreshold < 1 {
		return errdefs.NewInvalidClusterConfig("heartbeatMissThreshold must be >= 1")
	}
	for _, seed := range c.Seeds {
		if _, err := nodeid.Parse(seed); err != nil {
			return errdefs.NewInvalidClusterConfig("invalid seed " + seed + ": " + err.Error())
		}
	}
	return nil
}

func (c Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c Config) reconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

func (c Config) reconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

func (c Config) localID() (nodeid.ID, error) {
	return nodeid.New(c.NodeName, c.Host, c.Port)
}

func (c Config) seedIDs() ([]nodeid.ID, error) {
	ids := make([]nodeid.ID, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		id, err := nodeid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
