// Package mocks provides mock implementations of the node collaborators used in testing.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/paraloom/go-p2p"
	"github.com/paraloom/go-p2p/types"
)

// MockProtocol is a mock implementation of the p2p.ProtocolI interface
type MockProtocol struct {
	mock.Mock
}

var _ p2p.ProtocolI = (*MockProtocol)(nil)

// SetHandler mocks the SetHandler method
func (m *MockProtocol) SetHandler(handler p2p.Handler) error {
	args := m.Called(handler)
	return args.Error(0)
}

// Start mocks the Start method
func (m *MockProtocol) Start(ctx context.Context, listenAddress string) error {
	args := m.Called(ctx, listenAddress)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockProtocol) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// State mocks the State method
func (m *MockProtocol) State() p2p.State {
	args := m.Called()
	return args.Get(0).(p2p.State)
}

// SendMessage mocks the SendMessage method
func (m *MockProtocol) SendMessage(ctx context.Context, peerID types.NodeID, msg p2p.Message) error {
	args := m.Called(ctx, peerID, msg)
	return args.Error(0)
}

// Broadcast mocks the Broadcast method
func (m *MockProtocol) Broadcast(ctx context.Context, msg p2p.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// LocalPeerID mocks the LocalPeerID method
func (m *MockProtocol) LocalPeerID() types.NodeID {
	args := m.Called()
	return args.Get(0).(types.NodeID)
}

// Addrs mocks the Addrs method
func (m *MockProtocol) Addrs() []string {
	args := m.Called()
	if addrs := args.Get(0); addrs != nil {
		return addrs.([]string)
	}

	return nil
}

// Connect mocks the Connect method
func (m *MockProtocol) Connect(ctx context.Context, addr string) error {
	args := m.Called(ctx, addr)
	return args.Error(0)
}

// ConnectedPeers mocks the ConnectedPeers method
func (m *MockProtocol) ConnectedPeers() []p2p.PeerInfo {
	args := m.Called()
	if peers := args.Get(0); peers != nil {
		return peers.([]p2p.PeerInfo)
	}

	return nil
}

// DisconnectPeer mocks the DisconnectPeer method
func (m *MockProtocol) DisconnectPeer(ctx context.Context, peerID types.NodeID) error {
	args := m.Called(ctx, peerID)
	return args.Error(0)
}

// BlockPeer mocks the BlockPeer method
func (m *MockProtocol) BlockPeer(peerID types.NodeID, duration time.Duration) error {
	args := m.Called(peerID, duration)
	return args.Error(0)
}

// NewMockProtocol creates a new mock protocol instance
func NewMockProtocol() *MockProtocol {
	return &MockProtocol{}
}
