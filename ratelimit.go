package p2p

import (
	"math"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

// maxRateViolations is the number of rejected messages after which a peer is blocked.
const maxRateViolations = 10

type peerRate struct {
	limiter    *rate.Limiter
	violations int
}

// peerLimiter applies a token bucket to inbound messages of each peer. It is owned by the
// event loop and is not safe for concurrent use.
type peerLimiter struct {
	limit rate.Limit
	burst int
	peers map[peer.ID]*peerRate
}

func newPeerLimiter(perSecond float64, burst int) *peerLimiter {
	limit := rate.Limit(perSecond)
	if perSecond < 0 || math.IsInf(perSecond, 1) {
		limit = rate.Inf
	}

	return &peerLimiter{
		limit: limit,
		burst: burst,
		peers: make(map[peer.ID]*peerRate),
	}
}

// allow reports whether a message from p may be processed, and whether p has now exceeded
// the violation budget.
func (l *peerLimiter) allow(p peer.ID) (ok bool, exceeded bool) {
	if l.limit == rate.Inf {
		return true, false
	}

	pr, found := l.peers[p]
	if !found {
		pr = &peerRate{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.peers[p] = pr
	}

	if pr.limiter.Allow() {
		return true, false
	}

	pr.violations++
	if pr.violations >= maxRateViolations {
		delete(l.peers, p)
		return false, true
	}

	return false, false
}

func (l *peerLimiter) forget(p peer.ID) {
	delete(l.peers, p)
}
