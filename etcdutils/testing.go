package etcdutils

import (
	"os"
	"strings"
	"testing"
	"time"
)

// Environment variable holding a comma separated list of etcd endpoints to
// run integration tests against.
const TestEndpointsEnv = "ETCD_ENDPOINTS"

// Integration test endpoints.
//
// Skips the test if no endpoints are configured.
func IntegrationEndpoints(t testing.TB) []string {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(TestEndpointsEnv))
	if raw == "" {
		t.Skipf("%s not set, skipping etcd integration test", TestEndpointsEnv)
	}

	return strings.Split(raw, ",")
}

// Connect a client to the test endpoints.
//
// The client is closed when the test finishes.
func ConnectTest(t testing.TB) *Client {
	t.Helper()

	c, err := Connect(IntegrationEndpoints(t), Options{
		SessionTTL: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to connect to etcd: %v", err)
	}

	t.Cleanup(func() { c.Close() })
	return c
}
