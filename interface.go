package p2p

import (
	"context"
	"time"

	"github.com/paraloom/go-p2p/types"
)

// ProtocolI defines the interface of the peer network protocol layer.
// It abstracts the concrete implementation so the node service can be tested without a
// network.
type ProtocolI interface {
	// Lifecycle
	SetHandler(handler Handler) error
	Start(ctx context.Context, listenAddress string) error
	Stop(ctx context.Context) error
	State() State

	// Messaging
	SendMessage(ctx context.Context, peerID types.NodeID, msg Message) error
	Broadcast(ctx context.Context, msg Message) error

	// Peer management
	LocalPeerID() types.NodeID
	Addrs() []string
	Connect(ctx context.Context, addr string) error
	ConnectedPeers() []PeerInfo
	DisconnectPeer(ctx context.Context, peerID types.NodeID) error
	BlockPeer(peerID types.NodeID, duration time.Duration) error
}

var _ ProtocolI = (*Protocol)(nil)
