package p2p

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraloom/go-p2p/types"
)

func TestProtocol_New(t *testing.T) {
	p := newTestProtocol(t, "new-test")

	assert.Equal(t, StateConstructed, p.State())
	assert.False(t, p.LocalPeerID().IsZero())
	assert.Equal(t, p.LocalPeerID(), p.LocalPeerID())
	assert.Empty(t, p.ConnectedPeers())
}

func TestProtocol_IdentityIsUniquePerInstance(t *testing.T) {
	a := newTestProtocol(t, "a")
	b := newTestProtocol(t, "b")

	assert.False(t, a.LocalPeerID().Equal(b.LocalPeerID()))
}

func TestProtocol_ConfiguredPrivateKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	a, err := New(context.Background(), createTestLogger(t), Config{PrivateKey: key})
	require.NoError(t, err)

	idA := a.LocalPeerID()
	require.NoError(t, a.Stop(context.Background()))

	b, err := New(context.Background(), createTestLogger(t), Config{PrivateKey: key})
	require.NoError(t, err)

	defer func() { _ = b.Stop(context.Background()) }()

	assert.True(t, idA.Equal(b.LocalPeerID()))
}

func TestProtocol_InitErrors(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "bad private key", config: Config{PrivateKey: "not-hex"}},
		{name: "short private key", config: Config{PrivateKey: "abcd"}},
		{name: "bad shared key", config: Config{SharedKey: "xyz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), createTestLogger(t), tt.config)
			assert.ErrorIs(t, err, ErrProtocolInit)
		})
	}
}

func TestProtocol_StartStop(t *testing.T) {
	p := newTestProtocol(t, "lifecycle")

	require.NoError(t, p.Start(context.Background(), testListenAddress))
	assert.Equal(t, StateRunning, p.State())
	require.NotEmpty(t, p.Addrs())
	assert.Contains(t, p.Addrs()[0], "/p2p/"+p.host.ID().String())

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, StateStopped, p.State())

	assert.NoError(t, p.Stop(context.Background()), "stop is idempotent")
	assert.Error(t, p.Start(context.Background(), testListenAddress))
}

func TestProtocol_StartTwice(t *testing.T) {
	p := startTestProtocol(t, "twice", nil)

	assert.Error(t, p.Start(context.Background(), testListenAddress))
}

func TestProtocol_BindErrors(t *testing.T) {
	t.Run("malformed address", func(t *testing.T) {
		p := newTestProtocol(t, "malformed")

		err := p.Start(context.Background(), "127.0.0.1:4001")
		assert.ErrorIs(t, err, ErrBind)
		assert.Equal(t, StateConstructed, p.State())
	})

	t.Run("unassigned address", func(t *testing.T) {
		p := newTestProtocol(t, "unassigned")

		err := p.Start(context.Background(), "/ip4/203.0.113.7/tcp/0")
		assert.ErrorIs(t, err, ErrBind)
	})
}

func TestProtocol_SetHandlerAfterStart(t *testing.T) {
	p := newTestProtocol(t, "handler-lock")

	require.NoError(t, p.SetHandler(HandlerFunc(func(context.Context, types.NodeID, Message) error { return nil })))
	require.NoError(t, p.Start(context.Background(), testListenAddress))

	err := p.SetHandler(HandlerFunc(func(context.Context, types.NodeID, Message) error { return nil }))
	assert.ErrorIs(t, err, ErrHandlerLocked)
}

func TestProtocol_SendAfterStop(t *testing.T) {
	p := startTestProtocol(t, "send-after-stop", nil)
	peerB := newTestProtocol(t, "peer")

	require.NoError(t, p.Stop(context.Background()))

	err := p.SendMessage(context.Background(), peerB.LocalPeerID(), Ping())
	assert.ErrorIs(t, err, ErrChannelClosed)

	err = p.Broadcast(context.Background(), Ping())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestProtocol_ContextCancelStopsLoop(t *testing.T) {
	p := newTestProtocol(t, "ctx-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx, testListenAddress))

	cancel()

	require.Eventually(t, func() bool {
		return p.State() == StateStopped
	}, 5*time.Second, 10*time.Millisecond)

	err := p.SendMessage(context.Background(), types.NodeID{0x01}, Ping())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestProtocol_SendValidatesMessage(t *testing.T) {
	p := startTestProtocol(t, "validate", nil)

	err := p.SendMessage(context.Background(), types.NodeID{0x01}, Message{Kind: KindDiscovery})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	err = p.SendMessage(context.Background(), nil, Ping())
	assert.Error(t, err)
}

func TestProtocol_PingPong(t *testing.T) {
	pongs := make(chan received, 16)

	a := startTestProtocol(t, "a", recordingHandler(pongs))

	var b *Protocol

	pings := atomic.Int32{}
	b = startTestProtocol(t, "b", HandlerFunc(func(ctx context.Context, source types.NodeID, msg Message) error {
		if msg.Kind != KindPing {
			return nil
		}

		pings.Add(1)

		return b.SendMessage(ctx, source, Pong())
	}))

	connectTestProtocols(t, a, b)

	require.NoError(t, a.SendMessage(context.Background(), b.LocalPeerID(), Ping()))

	select {
	case got := <-pongs:
		assert.Equal(t, KindPong, got.msg.Kind)
		assert.True(t, got.source.Equal(b.LocalPeerID()))
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for pong")
	}

	select {
	case extra := <-pongs:
		t.Fatalf("unexpected second message %s", extra.msg)
	case <-time.After(500 * time.Millisecond):
	}

	assert.Equal(t, int32(1), pings.Load())
}

func TestProtocol_InboundKeepsArrivalOrder(t *testing.T) {
	p := newTestProtocol(t, "order")
	limiter := newPeerLimiter(-1, 1)
	from := newTestProtocol(t, "from").host.ID()

	const n = 20
	for i := 1; i <= n; i++ {
		data, err := EncodeMessage(ResourceUpdate(types.ResourceContribution{CPUCores: uint32(i)}))
		require.NoError(t, err)

		p.handleEvent(event{kind: eventMessage, peer: from, data: data, route: routeDirect}, limiter)
	}

	require.Len(t, p.dispatch, n)

	for i := 1; i <= n; i++ {
		in := <-p.dispatch
		assert.True(t, in.source.Equal(types.NodeIDFromPeer(from)))
		assert.Equal(t, uint32(i), in.msg.Resources.CPUCores)
	}
}

func TestProtocol_InboundDrops(t *testing.T) {
	p := newTestProtocol(t, "drops")
	from := newTestProtocol(t, "from").host.ID()

	p.handleEvent(event{kind: eventMessage, peer: from, data: []byte("junk")}, newPeerLimiter(-1, 1))
	assert.InDelta(t, 1, testutil.ToFloat64(p.metrics.dropped.WithLabelValues(dropInvalid)), 0)

	data, err := EncodeMessage(Ping())
	require.NoError(t, err)

	limiter := newPeerLimiter(0.001, 1)
	for i := 0; i < maxRateViolations+1; i++ {
		p.handleEvent(event{kind: eventMessage, peer: from, data: data}, limiter)
	}

	assert.Len(t, p.dispatch, 1)
	assert.InDelta(t, maxRateViolations, testutil.ToFloat64(p.metrics.dropped.WithLabelValues(dropRateLimited)), 0)
	assert.True(t, p.gater.IsBlocked(from), "repeat offenders are blocked")
}

func TestProtocol_HandlerErrorsDoNotStopLoop(t *testing.T) {
	calls := atomic.Int32{}

	a := startTestProtocol(t, "sender", nil)
	b := startTestProtocol(t, "failing", HandlerFunc(func(context.Context, types.NodeID, Message) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	connectTestProtocols(t, a, b)

	require.NoError(t, a.SendMessage(context.Background(), b.LocalPeerID(), Ping()))
	require.NoError(t, a.SendMessage(context.Background(), b.LocalPeerID(), Ping()))

	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 10*time.Second, 20*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(b.metrics.handlerErrors), 0)
	assert.Equal(t, StateRunning, b.State())
}

func TestProtocol_SendToDisconnectedPeerIsDropped(t *testing.T) {
	a := startTestProtocol(t, "lonely", nil)
	stranger := newTestProtocol(t, "stranger")

	require.NoError(t, a.SendMessage(context.Background(), stranger.LocalPeerID(), Ping()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(a.metrics.dropped.WithLabelValues(dropNotConnected)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateRunning, a.State())
}

func TestProtocol_Broadcast(t *testing.T) {
	got := make(chan received, 64)

	a := startTestProtocol(t, "publisher", nil)
	b := startTestProtocol(t, "subscriber", recordingHandler(got))

	connectTestProtocols(t, a, b)

	info := testNodeInfo()
	info.ID = a.LocalPeerID()

	deadline := time.After(15 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)

	defer ticker.Stop()

	for {
		select {
		case r := <-got:
			require.Equal(t, KindDiscovery, r.msg.Kind)
			assert.True(t, r.source.Equal(a.LocalPeerID()))
			assert.Equal(t, info, *r.msg.NodeInfo)

			return
		case <-ticker.C:
			// the gossip mesh forms on the heartbeat, so publish until it is up
			require.NoError(t, a.Broadcast(context.Background(), Discovery(info)))
		case <-deadline:
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestProtocol_NodesWithoutPeersStayIsolated(t *testing.T) {
	a := startTestProtocol(t, "dev-a", nil)
	b := startTestProtocol(t, "dev-b", nil)

	time.Sleep(2 * time.Second)

	assert.Empty(t, a.ConnectedPeers())
	assert.Empty(t, b.ConnectedPeers())
}

func TestProtocol_ConnectedPeers(t *testing.T) {
	a := startTestProtocol(t, "a", nil)
	b := startTestProtocol(t, "b", nil)

	connectTestProtocols(t, a, b)

	require.Eventually(t, func() bool {
		peers := a.ConnectedPeers()
		return len(peers) == 1 && peers[0].ConnTime != nil
	}, 5*time.Second, 10*time.Millisecond)

	info := a.ConnectedPeers()[0]
	assert.True(t, info.ID.Equal(b.LocalPeerID()))
	assert.Contains(t, info.IPs, "127.0.0.1")

	require.NoError(t, a.DisconnectPeer(context.Background(), b.LocalPeerID()))

	require.Eventually(t, func() bool {
		return len(a.ConnectedPeers()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProtocol_BlockPeer(t *testing.T) {
	a := startTestProtocol(t, "a", nil)
	b := startTestProtocol(t, "b", nil)

	connectTestProtocols(t, a, b)

	require.NoError(t, a.BlockPeer(b.LocalPeerID(), time.Minute))

	require.Eventually(t, func() bool {
		return len(a.ConnectedPeers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Error(t, a.Connect(ctx, b.Addrs()[0]))
}

func TestProtocol_Connect_InvalidAddress(t *testing.T) {
	a := startTestProtocol(t, "a", nil)

	assert.Error(t, a.Connect(context.Background(), "not-an-address"))
	assert.Error(t, a.Connect(context.Background(), "/ip4/127.0.0.1/tcp/1"), "address without peer id")
	assert.Error(t, a.Connect(context.Background(), a.Addrs()[0]), "self dial")
}

func TestProtocol_PrivateNetwork(t *testing.T) {
	const sharedKey = "7a1d3c5e9b2f4a6c8e0d1b3f5a7c9e1d3b5f7a9c1e3d5b7f9a1c3e5d7b9f1a3c"

	newPrivate := func(name, key string) *Protocol {
		p, err := New(context.Background(), createTestLogger(t), Config{ProcessName: name, SharedKey: key})
		require.NoError(t, err)

		t.Cleanup(func() { _ = p.Stop(context.Background()) })
		require.NoError(t, p.Start(context.Background(), testListenAddress))

		return p
	}

	a := newPrivate("private-a", sharedKey)
	b := newPrivate("private-b", sharedKey)
	public := startTestProtocol(t, "public", nil)

	connectTestProtocols(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	assert.Error(t, public.Connect(ctx, a.Addrs()[0]))
}

func TestProtocol_MetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()

	p, err := New(context.Background(), createTestLogger(t), Config{Registerer: reg})
	require.NoError(t, err)

	defer func() { _ = p.Stop(context.Background()) }()

	p.metrics.handlerErrors.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "paraloom_handler_errors_total")
}
