// auth.go: shared-token authentication for the embedded test server,
// adapted from pkg/env/auth.go's AuthConfig/LoadAuthConfig/ConfigureAuth.
// That file covers four auth modes (none, token, nkey, jwt) for a
// long-lived mesh node; account/NKey/JWT provisioning belongs to bus
// operators, not this runtime, so only the none/token modes survive here,
// narrowed to what a token-protected bus needs, such as the embedded
// server that StartTestServer in testserver.go runs for the package tests.
package mesh

import (
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	authModeEnv  = "MESH_TEST_AUTH"
	authTokenEnv = "MESH_TEST_TOKEN"
)

// TestAuthConfig selects authentication for StartTestServer.
type TestAuthConfig struct {
	// Mode is "none" or "token"; empty means "none".
	Mode string
	// Token is the shared token required in "token" mode.
	Token string
}

// LoadTestAuthConfig reads MESH_TEST_AUTH/MESH_TEST_TOKEN from the
// process environment, mirroring LoadAuthConfig's env-first convention.
func LoadTestAuthConfig() (TestAuthConfig, error) {
	cfg := TestAuthConfig{Mode: strings.TrimSpace(os.Getenv(authModeEnv))}
	if cfg.Mode == "" {
		cfg.Mode = "none"
	}

	switch cfg.Mode {
	case "none":
		return cfg, nil
	case "token":
		cfg.Token = os.Getenv(authTokenEnv)
		if cfg.Token == "" {
			return cfg, fmt.Errorf("token auth requires %s", authTokenEnv)
		}
		return cfg, nil
	default:
		return cfg, fmt.Errorf("unknown test auth mode: %s (use: none, token)", cfg.Mode)
	}
}

// applyTestAuth applies cfg to server options, the token-mode analogue of
// ConfigureAuth.
func applyTestAuth(opts *server.Options, cfg TestAuthConfig) error {
	switch cfg.Mode {
	case "", "none":
		return nil
	case "token":
		opts.Authorization = cfg.Token
		return nil
	default:
		return fmt.Errorf("unknown test auth mode: %s", cfg.Mode)
	}
}
