// config.go: the configuration surface, parsed with
// ardanlabs/conf/v3 the way manager.go parses its own
// Config via conf.Parse(prefix, cfg).
package mesh

import (
	"fmt"

	"github.com/ardanlabs/conf/v3"
)

// Config is the strongly-typed configuration surface for a mesh service.
// Field defaults mirror the documented configuration table exactly.
type Config struct {
	Bus struct {
		Servers           []string `conf:"default:nats://localhost:4222"`
		PoolSize          int      `conf:"default:1"`
		ReconnectAttempts int      `conf:"default:10"`
		ReconnectWaitS    float64  `conf:"default:2.0"`
		UseBinaryCodec    bool     `conf:"default:true"`
	}
	KV struct {
		Bucket       string `conf:"required"`
		SanitizeKeys bool   `conf:"default:true"`
		History      int    `conf:"default:10"`
	}
	Registry struct {
		TTLSeconds       float64 `conf:"default:30"`
		HeartbeatSeconds float64 `conf:"default:10"`
	}
	Election struct {
		LeaderTTLSeconds       float64 `conf:"default:5"`
		HeartbeatSeconds       float64 `conf:"default:0"` // 0 means leader_ttl/3, min 0.5; resolved in Validate
		ElectionTimeoutSeconds float64 `conf:"default:10"`
		DetectionThresholdS    float64 `conf:"default:0.5"`
		ElectionDelayS         float64 `conf:"default:0.2"`
		MaxAttempts            int     `conf:"default:3"`
	}
	Discovery struct {
		CacheTTLSeconds float64 `conf:"default:10"`
		CacheMaxEntries int     `conf:"default:1000"`
	}
	Client struct {
		Sticky struct {
			MaxRetries        int     `conf:"default:3"`
			InitialDelayMS    int     `conf:"default:100"`
			BackoffMultiplier float64 `conf:"default:2.0"`
			MaxDelayMS        int     `conf:"default:5000"`
			JitterFactor      float64 `conf:"default:0.1"`
		}
	}
}

// ParseConfig parses environment variables prefixed with namespace into a
// Config, resolving ref+ secrets first and validating the result,
// generalizing manager.go's Manager.Parse sequencing (resolve secrets,
// then conf.Parse).
func ParseConfig(namespace string, cfg *Config) (help string, err error) {
	if err := ResolveEnvSecrets(); err != nil {
		return "", fmt.Errorf("resolving secrets: %w", err)
	}
	help, err = conf.Parse(namespace, cfg)
	if err != nil {
		if err == conf.ErrHelpWanted {
			return help, nil
		}
		return "", fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return "", nil
}

// Validate applies the cross-field defaults and bounds:
// election.heartbeat_s defaults to max(0.5, leader_ttl/3), and
// heartbeat_interval must stay strictly below leader_ttl.
func (c *Config) Validate() error {
	if c.Election.HeartbeatSeconds == 0 {
		hb := c.Election.LeaderTTLSeconds / 3
		if hb < 0.5 {
			hb = 0.5
		}
		c.Election.HeartbeatSeconds = hb
	}
	if c.Election.HeartbeatSeconds >= c.Election.LeaderTTLSeconds {
		return ValidationError("election.heartbeat_s", "must be strictly less than election.leader_ttl_s")
	}
	if c.Bus.PoolSize < 1 || c.Bus.PoolSize > 10 {
		return ValidationError("bus.pool_size", "must be within [1,10]")
	}
	if c.Client.Sticky.MaxRetries < 0 || c.Client.Sticky.MaxRetries > 10 {
		return ValidationError("client.sticky.max_retries", "must be within [0,10]")
	}
	return nil
}
