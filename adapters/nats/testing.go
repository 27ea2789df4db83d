package nats

import (
	"context"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServerImage is the NATS image NewTestServer runs.
const TestServerImage = "nats:latest"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Skip(args ...any)
	Cleanup(func())
}

// NewTestServer starts a JetStream enabled NATS server that lives as long
// as the test and returns a Connector for it. Source stores and
// invalidators need JetStream and core pub/sub, so one server covers both.
// The test is skipped in -short mode.
func NewTestServer(t Testing, opts ...natsgo.Option) Connector {
	if testing.Short() {
		t.Skip("nats test server not started in short mode")
	}

	ctx := t.Context()
	server, err := testcontainers.Run(
		ctx, TestServerImage,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(server); err != nil {
			t.Errorf("terminate nats test server: %s", err)
		}
	})

	endpoint, err := server.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats test server: %s", endpoint)
	return ConnectURL(endpoint, opts...)
}
