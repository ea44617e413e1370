package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paraloom/go-p2p/types"
)

const testListenAddress = "/ip4/127.0.0.1/tcp/0"

// MockLogger implements the Logger interface for testing
type MockLogger struct {
	t testing.TB
}

// Debugf logs debug messages with formatted output
func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.t.Logf("[DEBUG] "+format, args...)
}

// Infof logs info messages with formatted output
func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.t.Logf("[INFO] "+format, args...)
}

// Warnf logs warning messages with formatted output
func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.t.Logf("[WARN] "+format, args...)
}

// Errorf logs error messages with formatted output
func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.t.Logf("[ERROR] "+format, args...)
}

// Fatalf logs fatal messages with formatted output and terminates the test
func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.t.Fatalf("[FATAL] "+format, args...)
}

var _ types.Logger = (*MockLogger)(nil)

func createTestLogger(t testing.TB) *MockLogger {
	return &MockLogger{t: t}
}

// newTestProtocol creates a protocol that is stopped when the test ends.
func newTestProtocol(t *testing.T, name string) *Protocol {
	t.Helper()

	p, err := New(context.Background(), createTestLogger(t), Config{ProcessName: name})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.Stop(ctx); err != nil {
			t.Logf("failed to stop %s in cleanup: %v", name, err)
		}
	})

	return p
}

// startTestProtocol creates a protocol with handler installed and listening on loopback.
func startTestProtocol(t *testing.T, name string, handler Handler) *Protocol {
	t.Helper()

	p := newTestProtocol(t, name)

	if handler != nil {
		require.NoError(t, p.SetHandler(handler))
	}

	require.NoError(t, p.Start(context.Background(), testListenAddress))

	return p
}

// connectTestProtocols dials b from a and waits until both sides see the connection.
func connectTestProtocols(t *testing.T, a, b *Protocol) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NotEmpty(t, b.Addrs())
	require.NoError(t, a.Connect(ctx, b.Addrs()[0]))

	require.Eventually(t, func() bool {
		return len(a.ConnectedPeers()) == 1 && len(b.ConnectedPeers()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

type received struct {
	source types.NodeID
	msg    Message
}

// recordingHandler collects every delivered message on a channel.
func recordingHandler(ch chan<- received) Handler {
	return HandlerFunc(func(_ context.Context, source types.NodeID, msg Message) error {
		ch <- received{source: source, msg: msg}
		return nil
	})
}
