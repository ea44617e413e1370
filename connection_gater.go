package p2p

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/paraloom/go-p2p/types"
)

// ConnectionGater decides which connections the host accepts. It keeps a time-limited peer
// blocklist, a list of blocked subnets and an optional per-peer connection limit.
type ConnectionGater struct {
	mu              sync.Mutex
	blockedPeers    map[peer.ID]time.Time
	blockedSubnets  []*net.IPNet
	maxConnsPerPeer int
	peerConns       map[peer.ID]int
	logger          types.Logger
}

// NewConnectionGater creates a gater. A maxConnsPerPeer of zero disables the per-peer limit.
func NewConnectionGater(logger types.Logger, maxConnsPerPeer int) *ConnectionGater {
	return &ConnectionGater{
		blockedPeers:    make(map[peer.ID]time.Time),
		maxConnsPerPeer: maxConnsPerPeer,
		peerConns:       make(map[peer.ID]int),
		logger:          logger,
	}
}

// BlockPeer rejects every connection to or from p for duration.
func (cg *ConnectionGater) BlockPeer(p peer.ID, duration time.Duration) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	cg.blockedPeers[p] = time.Now().Add(duration)
}

// UnblockPeer removes p from the blocklist.
func (cg *ConnectionGater) UnblockPeer(p peer.ID) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	delete(cg.blockedPeers, p)
}

// BlockSubnet rejects connections to and from addresses inside cidr.
func (cg *ConnectionGater) BlockSubnet(cidr string) error {
	_, subnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("[Gater] invalid subnet %q: %w", cidr, err)
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	cg.blockedSubnets = append(cg.blockedSubnets, subnet)

	return nil
}

// IsBlocked reports whether p is currently blocked. Expired entries are removed.
func (cg *ConnectionGater) IsBlocked(p peer.ID) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	return cg.isPeerBlockedLocked(p)
}

func (cg *ConnectionGater) isPeerBlockedLocked(p peer.ID) bool {
	expiry, exists := cg.blockedPeers[p]
	if !exists {
		return false
	}

	if time.Now().Before(expiry) {
		return true
	}

	delete(cg.blockedPeers, p)

	return false
}

func (cg *ConnectionGater) inBlockedSubnet(addr multiaddr.Multiaddr) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if len(cg.blockedSubnets) == 0 {
		return false
	}

	ip, err := manet.ToIP(addr)
	if err != nil {
		return false
	}

	for _, subnet := range cg.blockedSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}

	return false
}

// ReleaseConn forgets one connection of p. It is called when a connection closes.
func (cg *ConnectionGater) ReleaseConn(p peer.ID) {
	if cg.maxConnsPerPeer <= 0 {
		return
	}

	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.peerConns[p] <= 1 {
		delete(cg.peerConns, p)
		return
	}

	cg.peerConns[p]--
}

// InterceptPeerDial is called before dialing a peer
func (cg *ConnectionGater) InterceptPeerDial(p peer.ID) (allow bool) {
	if cg.IsBlocked(p) {
		cg.logger.Debugf("[Gater] blocked dial to peer: %s", p)
		return false
	}

	return true
}

// InterceptAddrDial is called before dialing an address
func (cg *ConnectionGater) InterceptAddrDial(p peer.ID, addr multiaddr.Multiaddr) (allow bool) {
	if cg.IsBlocked(p) {
		cg.logger.Debugf("[Gater] blocked dial to address %s for peer: %s", addr, p)
		return false
	}

	if cg.inBlockedSubnet(addr) {
		cg.logger.Debugf("[Gater] blocked dial to subnet address: %s", addr)
		return false
	}

	return true
}

// InterceptAccept is called before accepting a connection
func (cg *ConnectionGater) InterceptAccept(connAddr network.ConnMultiaddrs) (allow bool) {
	remoteAddr := connAddr.RemoteMultiaddr()

	if cg.inBlockedSubnet(remoteAddr) {
		cg.logger.Debugf("[Gater] blocked accept from subnet address: %s", remoteAddr)
		return false
	}

	return true
}

// InterceptSecured is called after the handshake
func (cg *ConnectionGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) (allow bool) {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if cg.isPeerBlockedLocked(p) {
		cg.logger.Debugf("[Gater] blocked secured connection from peer: %s", p)
		return false
	}

	if cg.maxConnsPerPeer > 0 {
		if cg.peerConns[p] >= cg.maxConnsPerPeer {
			cg.logger.Debugf("[Gater] peer %s exceeded max connections (%d)", p, cg.maxConnsPerPeer)
			return false
		}

		cg.peerConns[p]++
	}

	return true
}

// InterceptUpgraded is called after protocol negotiation
func (cg *ConnectionGater) InterceptUpgraded(_ network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

var _ connmgr.ConnectionGater = (*ConnectionGater)(nil)
