package p2p

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paraloom/go-p2p/types"
)

const (
	// DefaultTopicName is the gossip topic every node joins.
	DefaultTopicName = "paraloom/messages/1.0.0"
	// DefaultProtocolID identifies direct peer-to-peer message streams.
	DefaultProtocolID = "/paraloom/msg/1.0.0"
	// DefaultQueueSize is the capacity of the outbound message queue.
	DefaultQueueSize = 100
	// DefaultMaxMessageSize bounds an encoded message.
	DefaultMaxMessageSize = 1 << 20
	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 10 * time.Second
	// DefaultMessagesPerSecond is the sustained inbound rate allowed per peer.
	DefaultMessagesPerSecond = 50
	// DefaultMessageBurst is the inbound burst allowed per peer.
	DefaultMessageBurst = 100
)

// State is the lifecycle phase of a Protocol.
type State int32

const (
	// StateConstructed has an identity and an idle transport.
	StateConstructed State = iota
	// StateListening is bound to its listen address.
	StateListening
	// StateRunning has an active event loop.
	StateRunning
	// StateStopped has a terminated event loop.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateListening:
		return "Listening"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Handler processes messages received from the network. A single handler is installed
// before Start and is called from one dispatcher goroutine, so messages from one peer are
// handled in the order they were received.
type Handler interface {
	HandleMessage(ctx context.Context, source types.NodeID, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, source types.NodeID, msg Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, source types.NodeID, msg Message) error {
	return f(ctx, source, msg)
}

// Config defines the configuration parameters for a Protocol.
type Config struct {
	ProcessName       string        // Identifier for this node in logs
	TopicName         string        // Gossip topic (default DefaultTopicName)
	ProtocolID        string        // Direct stream protocol (default DefaultProtocolID)
	PrivateKey        string        // Hex encoded ed25519 key; empty generates a fresh identity
	SharedKey         string        // Hex pre-shared key; non-empty restricts the node to a private network
	QueueSize         int           // Outbound queue capacity
	DispatchQueueSize int           // Capacity of the queue feeding the handler
	MaxMessageSize    int           // Maximum encoded message size in bytes
	SendTimeout       time.Duration // Timeout of one delivery attempt
	MessagesPerSecond float64       // Inbound rate per peer; negative disables limiting
	MessageBurst      int           // Inbound burst per peer
	// Connection management configuration
	EnableConnManager bool          // Whether to enable connection manager with high/low water marks
	ConnLowWater      int           // Minimum number of connections to maintain (default: 50)
	ConnHighWater     int           // Maximum number of connections before pruning (default: 100)
	ConnGracePeriod   time.Duration // Grace period before pruning new connections (default: 60s)
	MaxConnsPerPeer   int           // Maximum connections allowed per peer, 0 for unlimited
	// Registerer receives the protocol metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.ProcessName == "" {
		c.ProcessName = "paraloom"
	}

	if c.TopicName == "" {
		c.TopicName = DefaultTopicName
	}

	if c.ProtocolID == "" {
		c.ProtocolID = DefaultProtocolID
	}

	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}

	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = DefaultQueueSize
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}

	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}

	if c.MessagesPerSecond == 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}

	if c.MessageBurst <= 0 {
		c.MessageBurst = DefaultMessageBurst
	}

	if c.ConnLowWater <= 0 {
		c.ConnLowWater = 50
	}

	if c.ConnHighWater <= 0 {
		c.ConnHighWater = 100
	}

	if c.ConnGracePeriod <= 0 {
		c.ConnGracePeriod = time.Minute
	}

	return c
}

// PeerInfo contains information about a connected peer.
type PeerInfo struct {
	ID       types.NodeID
	Addrs    []string
	IPs      []string
	ConnTime *time.Time // Connection time (nil if not known)
}
