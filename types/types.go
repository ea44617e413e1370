// Package types holds the value types shared by the sampler, the protocol layer and the node
// service: identifiers, resource contributions, advertised node information and lifecycle status.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// NodeID is the opaque identifier of a peer. It holds the bytes of the transport-level
// authenticated identity and renders as lowercase hex.
type NodeID []byte

// NodeIDFromPeer converts a libp2p peer ID into a NodeID.
func NodeIDFromPeer(id peer.ID) NodeID {
	return NodeID(id)
}

// ParseNodeID decodes the hex form produced by String.
func ParseNodeID(s string) (NodeID, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("hex string must have an even number of characters")
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex character: %w", err)
	}

	return NodeID(b), nil
}

// String returns the stable hex rendering of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id)
}

// Equal reports whether both identifiers hold the same bytes.
func (id NodeID) Equal(other NodeID) bool {
	return string(id) == string(other)
}

// IsZero reports whether the identifier is empty.
func (id NodeID) IsZero() bool {
	return len(id) == 0
}

// PeerID converts the identifier back into a libp2p peer ID.
func (id NodeID) PeerID() (peer.ID, error) {
	return peer.IDFromBytes(id)
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// ResourceContribution is a point-in-time snapshot of the capacity a node offers.
type ResourceContribution struct {
	CPUCores      uint32 `json:"cpu_cores"`      // Logical cores, never capped
	MemoryMB      uint64 `json:"memory_mb"`      // Memory ceiling applied to total capacity
	StorageMB     uint64 `json:"storage_mb"`     // Available disk, capped at the storage ceiling
	BandwidthKbps uint64 `json:"bandwidth_kbps"` // Placeholder until a real measurement exists
}

// NodeType is the role a node plays in the network.
type NodeType int

const (
	// NodeTypeResourceProvider is a standard node providing resources.
	NodeTypeResourceProvider NodeType = iota
	// NodeTypeCoordinator coordinates task distribution.
	NodeTypeCoordinator
	// NodeTypeBridge bridges to an external chain.
	NodeTypeBridge
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeResourceProvider: "ResourceProvider",
	NodeTypeCoordinator:      "Coordinator",
	NodeTypeBridge:           "Bridge",
}

// ParseNodeType maps a configured name to a NodeType. Unknown names map to
// NodeTypeResourceProvider.
func ParseNodeType(s string) NodeType {
	for t, name := range nodeTypeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return t
		}
	}

	return NodeTypeResourceProvider
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("NodeType(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(text []byte) error {
	*t = ParseNodeType(string(text))
	return nil
}

// NodeInfo is the identity and capability a node advertises.
type NodeInfo struct {
	ID        NodeID               `json:"id"`
	NodeType  NodeType             `json:"node_type"`
	Resources ResourceContribution `json:"resources"`
	Address   string               `json:"address"`
}
