package zkutils

import (
	"os"
	"strings"
	"testing"
	"time"
)

// Environment variable holding a comma separated list of ZooKeeper servers to
// run integration tests against.
const TestServersEnv = "ZK_SERVERS"

// Integration test servers.
//
// Skips the test if no servers are configured.
func IntegrationServers(t testing.TB) []string {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(TestServersEnv))
	if raw == "" {
		t.Skipf("%s not set, skipping ZooKeeper integration test", TestServersEnv)
	}

	return strings.Split(raw, ",")
}

// Connect a connection manager to the test servers.
//
// The connection is closed when the test finishes.
func ConnectTest(t testing.TB) *ConnMan {
	t.Helper()

	cm, err := Connect(IntegrationServers(t), Options{
		SessionTimeout:    4 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to ZooKeeper: %v", err)
	}

	t.Cleanup(func() { cm.Close() })
	return cm
}
