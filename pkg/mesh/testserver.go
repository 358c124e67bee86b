// testserver.go: an embedded NATS+JetStream server for tests, adapted
// from pkg/env/nats.go's StartNATSNode. Narrowed to what the
// test harness needs (optional shared-token auth) since full NKey/JWT
// account provisioning is an external bus-protocol concern out of scope.
package mesh

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// TestServer wraps an embedded, in-memory NATS/JetStream server for use
// in package tests.
type TestServer struct {
	srv   *server.Server
	Token string
}

// StartTestServer boots an in-memory JetStream-enabled server on a random
// port, mirroring StartNATSNode's options (JetStream: true, NoLog: true,
// in-memory store). Authentication follows LoadTestAuthConfig: set
// MESH_TEST_AUTH=token and MESH_TEST_TOKEN=<token> to require a token.
func StartTestServer() (*TestServer, error) {
	authCfg, err := LoadTestAuthConfig()
	if err != nil {
		return nil, fmt.Errorf("test auth config: %w", err)
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	if err := applyTestAuth(opts, authCfg); err != nil {
		return nil, err
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating test server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("test server not ready within 10s")
	}

	return &TestServer{srv: ns, Token: authCfg.Token}, nil
}

// ClientURL returns the URL test clients should connect to.
func (t *TestServer) ClientURL() string { return t.srv.ClientURL() }

// Connect opens a *nats.Conn against this test server, supplying the
// server's token automatically when auth is enabled.
func (t *TestServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	if t.Token != "" {
		opts = append([]nats.Option{nats.Token(t.Token)}, opts...)
	}
	return nats.Connect(t.ClientURL(), opts...)
}

// Shutdown stops the embedded server and waits for it to drain.
func (t *TestServer) Shutdown() {
	t.srv.Shutdown()
	t.srv.WaitForShutdown()
}
