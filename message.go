package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"

	"github.com/paraloom/go-p2p/types"
)

// ProtocolVersion is the wire format version carried by every envelope. Peers must share the
// major version.
const ProtocolVersion = "1.0.0"

var currentVersion = version.Must(version.NewVersion(ProtocolVersion))

// Kind tags the variant of a Message.
type Kind uint8

const (
	// KindPing asks the receiver for a Pong.
	KindPing Kind = iota + 1
	// KindPong acknowledges a Ping.
	KindPong
	// KindDiscovery advertises a node's identity and capability.
	KindDiscovery
	// KindResourceUpdate carries a node's current contribution.
	KindResourceUpdate
)

var kindNames = map[Kind]string{
	KindPing:           "ping",
	KindPong:           "pong",
	KindDiscovery:      "discovery",
	KindResourceUpdate: "resource_update",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(k))
	}

	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}

	return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, text)
}

// Message is the protocol unit exchanged between peers. Which payload is set depends on
// Kind: Discovery carries NodeInfo, ResourceUpdate carries Resources, Ping and Pong carry
// nothing. Messages are treated as immutable once built.
type Message struct {
	Kind      Kind
	NodeInfo  *types.NodeInfo
	Resources *types.ResourceContribution
}

// Ping builds a Ping message.
func Ping() Message { return Message{Kind: KindPing} }

// Pong builds a Pong message.
func Pong() Message { return Message{Kind: KindPong} }

// Discovery builds a capability advertisement.
func Discovery(info types.NodeInfo) Message {
	return Message{Kind: KindDiscovery, NodeInfo: &info}
}

// ResourceUpdate builds a contribution update.
func ResourceUpdate(resources types.ResourceContribution) Message {
	return Message{Kind: KindResourceUpdate, Resources: &resources}
}

// Validate checks that the payload matches the kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindPing, KindPong:
		if m.NodeInfo != nil || m.Resources != nil {
			return fmt.Errorf("%w: %s carries no payload", ErrInvalidMessage, m.Kind)
		}
	case KindDiscovery:
		if m.NodeInfo == nil || m.Resources != nil {
			return fmt.Errorf("%w: discovery requires node info only", ErrInvalidMessage)
		}
	case KindResourceUpdate:
		if m.Resources == nil || m.NodeInfo != nil {
			return fmt.Errorf("%w: resource update requires resources only", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(m.Kind))
	}

	return nil
}

func (m Message) String() string {
	switch m.Kind {
	case KindDiscovery:
		return fmt.Sprintf("discovery{id=%s type=%s}", m.NodeInfo.ID, m.NodeInfo.NodeType)
	case KindResourceUpdate:
		return fmt.Sprintf("resource_update{%+v}", *m.Resources)
	default:
		return m.Kind.String()
	}
}

// envelope is the JSON wire form of a Message.
type envelope struct {
	Version   string                      `json:"version"`
	ID        string                      `json:"id"`
	Kind      Kind                        `json:"kind"`
	NodeInfo  *types.NodeInfo             `json:"node_info,omitempty"`
	Resources *types.ResourceContribution `json:"resources,omitempty"`
}

func (e envelope) message() Message {
	return Message{Kind: e.Kind, NodeInfo: e.NodeInfo, Resources: e.Resources}
}

// EncodeMessage serialises msg into a versioned envelope.
func EncodeMessage(msg Message) ([]byte, error) {
	data, _, err := encodeEnvelope(msg)
	return data, err
}

// DecodeMessage parses an envelope produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return Message{}, err
	}

	return env.message(), nil
}

func encodeEnvelope(msg Message) ([]byte, string, error) {
	if err := msg.Validate(); err != nil {
		return nil, "", err
	}

	env := envelope{
		Version:   ProtocolVersion,
		ID:        uuid.NewString(),
		Kind:      msg.Kind,
		NodeInfo:  msg.NodeInfo,
		Resources: msg.Resources,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	return data, env.ID, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	if err := checkVersion(env.Version); err != nil {
		return envelope{}, err
	}

	if err := env.message().Validate(); err != nil {
		return envelope{}, err
	}

	return env, nil
}

func checkVersion(v string) error {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrIncompatibleVersion, v)
	}

	if parsed.Segments()[0] != currentVersion.Segments()[0] {
		return fmt.Errorf("%w: peer speaks %s, local %s", ErrIncompatibleVersion, parsed, currentVersion)
	}

	return nil
}
