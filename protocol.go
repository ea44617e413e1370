package p2p

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"golang.org/x/sync/errgroup"

	"github.com/paraloom/go-p2p/types"
)

// Protocol is the network layer of a node. It owns the libp2p host, the gossip topic and the
// event loop that merges inbound messages, outbound requests and connection events.
type Protocol struct {
	config Config
	logger types.Logger

	host    host.Host
	gater   *ConnectionGater
	pubSub  *pubsub.PubSub
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	metrics *protocolMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handler   Handler
	started   bool
	stopAfter func() bool
	group     errgroup.Group

	state atomic.Int32

	outbound        chan outbound
	events          chan event
	dispatch        chan inbound
	done            chan struct{}
	doneOnce        sync.Once
	transportClosed chan struct{}
	transportOnce   sync.Once
	stopOnce        sync.Once
	stopErr         error

	peerConnTimes sync.Map
}

type outbound struct {
	peer      types.NodeID
	broadcast bool
	msg       Message
}

type inbound struct {
	source types.NodeID
	msg    Message
	id     string
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventConnected
	eventDisconnected
)

type event struct {
	kind  eventKind
	peer  peer.ID
	data  []byte
	route string
}

// New creates a protocol with a fresh or configured identity, an idle transport and a joined
// gossip topic. No address is bound until Start.
func New(ctx context.Context, logger types.Logger, config Config) (*Protocol, error) {
	config = config.withDefaults()

	logger.Infof("[Protocol] creating %s", config.ProcessName)

	pk, err := loadPrivateKey(config)
	if err != nil {
		return nil, fmt.Errorf("[Protocol] %w: %w", ErrProtocolInit, err)
	}

	gater := NewConnectionGater(logger, config.MaxConnsPerPeer)

	opts := []libp2p.Option{
		libp2p.Identity(pk),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionGater(gater),
	}

	if config.SharedKey != "" {
		psk, pskErr := decodeSharedKey(config.SharedKey)
		if pskErr != nil {
			return nil, fmt.Errorf("[Protocol] %w: %w", ErrProtocolInit, pskErr)
		}

		opts = append(opts, libp2p.PrivateNetwork(psk))
	}

	if config.EnableConnManager {
		cm, cmErr := connmgr.NewConnManager(config.ConnLowWater, config.ConnHighWater,
			connmgr.WithGracePeriod(config.ConnGracePeriod))
		if cmErr != nil {
			return nil, fmt.Errorf("[Protocol] %w: error creating connection manager: %w", ErrProtocolInit, cmErr)
		}

		opts = append(opts, libp2p.ConnectionManager(cm))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("[Protocol] %w: error creating libp2p host: %w", ErrProtocolInit, err)
	}

	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	ps, err := pubsub.NewGossipSub(lifeCtx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMaxMessageSize(config.MaxMessageSize))
	if err != nil {
		cancel()
		_ = h.Close()

		return nil, fmt.Errorf("[Protocol] %w: error creating gossipsub: %w", ErrProtocolInit, err)
	}

	topic, err := ps.Join(config.TopicName)
	if err != nil {
		cancel()
		_ = h.Close()

		return nil, fmt.Errorf("[Protocol] %w: error joining topic %s: %w", ErrProtocolInit, config.TopicName, err)
	}

	p := &Protocol{
		config:          config,
		logger:          logger,
		host:            h,
		gater:           gater,
		pubSub:          ps,
		topic:           topic,
		metrics:         newProtocolMetrics(config.Registerer),
		ctx:             lifeCtx,
		cancel:          cancel,
		outbound:        make(chan outbound, config.QueueSize),
		events:          make(chan event, config.QueueSize),
		dispatch:        make(chan inbound, config.DispatchQueueSize),
		done:            make(chan struct{}),
		transportClosed: make(chan struct{}),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			p.notify(event{kind: eventConnected, peer: conn.RemotePeer()})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			p.gater.ReleaseConn(conn.RemotePeer())
			p.notify(event{kind: eventDisconnected, peer: conn.RemotePeer()})
		},
	})

	logger.Infof("[Protocol] peer ID: %s", h.ID())
	logger.Infof("[Protocol] joined topic: %s", config.TopicName)

	return p, nil
}

// SetHandler installs the message handler. It must be called before Start.
func (p *Protocol) SetHandler(handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrHandlerLocked
	}

	p.handler = handler

	return nil
}

// Start binds listenAddress, subscribes to the gossip topic, registers the direct message
// stream handler and launches the event loop. It returns once the loop is running.
//
// Canceling ctx terminates the loop the same way Stop does.
func (p *Protocol) Start(ctx context.Context, listenAddress string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.State() != StateConstructed {
		return fmt.Errorf("[Protocol] cannot start in state %s", p.State())
	}

	maddr, err := multiaddr.NewMultiaddr(listenAddress)
	if err != nil {
		return fmt.Errorf("[Protocol] %w %q: %w", ErrBind, listenAddress, err)
	}

	if err = p.host.Network().Listen(maddr); err != nil {
		return fmt.Errorf("[Protocol] %w %q: %w", ErrBind, listenAddress, err)
	}

	p.setState(StateListening)

	for _, addr := range p.Addrs() {
		p.logger.Infof("[Protocol] listening on %s", addr)
	}

	sub, err := p.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("[Protocol] %w: error subscribing to %s: %w", ErrProtocolInit, p.config.TopicName, err)
	}

	p.sub = sub
	p.host.SetStreamHandler(protocol.ID(p.config.ProtocolID), p.handleStream)
	p.stopAfter = context.AfterFunc(ctx, p.cancel)
	p.started = true

	handler := p.handler

	p.group.Go(func() error { return p.readSubscription(p.ctx, sub) })
	p.group.Go(func() error { p.dispatchLoop(p.ctx, handler); return nil })
	p.group.Go(func() error { p.eventLoop(p.ctx); return nil })

	p.setState(StateRunning)
	p.logger.Infof("[%s] started", p.config.ProcessName)

	return nil
}

// Stop terminates the event loop and closes the host. It is safe to call more than once.
func (p *Protocol) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.logger.Infof("[Protocol] stopping")

		p.mu.Lock()
		stopAfter := p.stopAfter
		sub := p.sub
		p.mu.Unlock()

		p.cancel()

		if stopAfter != nil {
			stopAfter()
		}

		waitCh := make(chan error, 1)

		go func() { waitCh <- p.group.Wait() }()

		select {
		case err := <-waitCh:
			if err != nil {
				p.logger.Warnf("[Protocol] event loop ended with error: %v", err)
			}
		case <-ctx.Done():
			p.stopErr = fmt.Errorf("[Protocol] timed out waiting for event loop: %w", ctx.Err())
		}

		p.closeDone()

		if sub != nil {
			sub.Cancel()
		}

		if err := p.topic.Close(); err != nil {
			p.logger.Debugf("[Protocol] error closing topic: %v", err)
		}

		if err := p.host.Close(); err != nil {
			p.logger.Errorf("[Protocol] error closing host: %v", err)

			if p.stopErr == nil {
				p.stopErr = err
			}
		}

		p.setState(StateStopped)
		p.logger.Infof("[Protocol] host closed")
	})

	return p.stopErr
}

// State returns the lifecycle phase.
func (p *Protocol) State() State {
	return State(p.state.Load())
}

func (p *Protocol) setState(s State) {
	p.state.Store(int32(s))
}

// SendMessage queues msg for delivery to peerID over a direct stream. Delivery is fire and
// forget: a peer that is not connected when the message is processed is logged and skipped.
func (p *Protocol) SendMessage(ctx context.Context, peerID types.NodeID, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if peerID.IsZero() {
		return fmt.Errorf("[Protocol] send requires a peer id")
	}

	return p.enqueue(ctx, outbound{peer: peerID, msg: msg})
}

// Broadcast queues msg for publication on the gossip topic.
func (p *Protocol) Broadcast(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	return p.enqueue(ctx, outbound{broadcast: true, msg: msg})
}

func (p *Protocol) enqueue(ctx context.Context, out outbound) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}

	select {
	case p.outbound <- out:
		return nil
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalPeerID returns the identity of this node.
func (p *Protocol) LocalPeerID() types.NodeID {
	return types.NodeIDFromPeer(p.host.ID())
}

// Addrs returns the dialable addresses of this node, each ending in its /p2p/ component.
func (p *Protocol) Addrs() []string {
	addrs := p.host.Addrs()
	out := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, p.host.ID()))
	}

	return out
}

// Connect dials a full peer multiaddr such as /ip4/127.0.0.1/tcp/4001/p2p/<id>.
func (p *Protocol) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("[Protocol] invalid peer address %s: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("[Protocol] failed to get peer info from %s: %w", addr, err)
	}

	if info.ID == p.host.ID() {
		return fmt.Errorf("[Protocol] refusing to dial self")
	}

	if err = p.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("[Protocol] failed to connect to %s: %w", addr, err)
	}

	p.logger.Infof("[Protocol] connected to peer: %s", addr)

	return nil
}

// ConnectedPeers returns the peers with at least one open connection.
func (p *Protocol) ConnectedPeers() []PeerInfo {
	peerIDs := p.host.Network().Peers()
	peers := make([]PeerInfo, 0, len(peerIDs))

	for _, peerID := range peerIDs {
		info := PeerInfo{ID: types.NodeIDFromPeer(peerID)}

		for _, conn := range p.host.Network().ConnsToPeer(peerID) {
			remote := conn.RemoteMultiaddr()
			info.Addrs = append(info.Addrs, remote.String())

			if ip, err := manet.ToIP(remote); err == nil {
				info.IPs = append(info.IPs, ip.String())
			}
		}

		if ct, ok := p.peerConnTimes.Load(peerID); ok {
			t := ct.(time.Time)
			info.ConnTime = &t
		}

		peers = append(peers, info)
	}

	return peers
}

// DisconnectPeer closes every connection to peerID.
func (p *Protocol) DisconnectPeer(_ context.Context, peerID types.NodeID) error {
	pid, err := peerID.PeerID()
	if err != nil {
		return fmt.Errorf("[Protocol] invalid peer id %s: %w", peerID, err)
	}

	p.peerConnTimes.Delete(pid)

	return p.host.Network().ClosePeer(pid)
}

// BlockPeer disconnects peerID and rejects its connections for duration.
func (p *Protocol) BlockPeer(peerID types.NodeID, duration time.Duration) error {
	pid, err := peerID.PeerID()
	if err != nil {
		return fmt.Errorf("[Protocol] invalid peer id %s: %w", peerID, err)
	}

	p.gater.BlockPeer(pid, duration)
	p.logger.Warnf("[Protocol] blocked peer %s for %s", peerID, duration)

	return p.host.Network().ClosePeer(pid)
}

// Gater exposes the connection gater, for subnet blocking.
func (p *Protocol) Gater() *ConnectionGater {
	return p.gater
}

func (p *Protocol) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// notify forwards a connection event without blocking the swarm.
func (p *Protocol) notify(ev event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debugf("[Protocol] event queue full, dropping connection event for %s", ev.peer)
	}
}
