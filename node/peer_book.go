package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paraloom/go-p2p/storage"
	"github.com/paraloom/go-p2p/types"
)

const (
	// DefaultPeerTTL is how long a peer is remembered after it was last heard from.
	DefaultPeerTTL = 7 * 24 * time.Hour
	// DefaultMaxPeers bounds the peer book.
	DefaultMaxPeers = 200

	peerKeyPrefix = "peer/"

	// maxFailures is the failure count at which a peer is dropped on prune.
	maxFailures = 10
)

// PeerRecord is what the node knows about a remote peer.
type PeerRecord struct {
	ID           types.NodeID                `json:"id"`
	Info         *types.NodeInfo             `json:"node_info,omitempty"`
	Resources    *types.ResourceContribution `json:"resources,omitempty"`
	LastSeen     time.Time                   `json:"last_seen"`
	LastPong     time.Time                   `json:"last_pong"`
	PongCount    int                         `json:"pong_count"`
	FailureCount int                         `json:"failure_count"`
}

func (r PeerRecord) successRatio() float64 {
	return float64(r.PongCount) / float64(r.PongCount+r.FailureCount+1)
}

func (r PeerRecord) clone() PeerRecord {
	if r.Info != nil {
		info := *r.Info
		r.Info = &info
	}

	if r.Resources != nil {
		res := *r.Resources
		r.Resources = &res
	}

	return r
}

// PeerBook tracks peers heard from on the network and persists them in the store so that
// the record survives restarts.
type PeerBook struct {
	mu    sync.RWMutex
	peers map[string]*PeerRecord
	store storage.Store
	now   func() time.Time
}

// NewPeerBook creates an empty book backed by store.
func NewPeerBook(store storage.Store) *PeerBook {
	return &PeerBook{
		peers: make(map[string]*PeerRecord),
		store: store,
		now:   time.Now,
	}
}

// LoadPeerBook reads every persisted record from store. Records that cannot be decoded are
// skipped.
func LoadPeerBook(store storage.Store) (*PeerBook, error) {
	pb := NewPeerBook(store)

	err := store.Iterate([]byte(peerKeyPrefix), func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil || rec.ID.IsZero() {
			return nil
		}

		pb.peers[rec.ID.String()] = &rec

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[PeerBook] error loading peers: %w", err)
	}

	return pb, nil
}

func peerKey(id string) []byte {
	return []byte(peerKeyPrefix + id)
}

// Save writes every record to the store and removes the records that are no longer in the
// book.
func (pb *PeerBook) Save() error {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	var stale [][]byte

	err := pb.store.Iterate([]byte(peerKeyPrefix), func(key, _ []byte) error {
		id := string(bytes.TrimPrefix(key, []byte(peerKeyPrefix)))
		if _, ok := pb.peers[id]; !ok {
			stale = append(stale, bytes.Clone(key))
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("[PeerBook] error scanning peers: %w", err)
	}

	for _, key := range stale {
		if err := pb.store.Delete(key); err != nil {
			return fmt.Errorf("[PeerBook] error removing peer: %w", err)
		}
	}

	for id, rec := range pb.peers {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("[PeerBook] error encoding peer %s: %w", id, err)
		}

		if err := pb.store.Put(peerKey(id), data); err != nil {
			return fmt.Errorf("[PeerBook] error saving peer %s: %w", id, err)
		}
	}

	return nil
}

// record returns the entry for id, creating it when missing. Callers hold the write lock.
func (pb *PeerBook) record(id types.NodeID) *PeerRecord {
	key := id.String()

	rec, ok := pb.peers[key]
	if !ok {
		rec = &PeerRecord{ID: append(types.NodeID(nil), id...)}
		pb.peers[key] = rec
	}

	rec.LastSeen = pb.now()

	return rec
}

// RecordSeen notes that id was heard from.
func (pb *PeerBook) RecordSeen(id types.NodeID) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.record(id)
}

// RecordPong notes a liveness reply from id. A pong resets the failure count.
func (pb *PeerBook) RecordPong(id types.NodeID) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	rec := pb.record(id)
	rec.LastPong = rec.LastSeen
	rec.PongCount++
	rec.FailureCount = 0
}

// RecordFailure notes a failed exchange with id.
func (pb *PeerBook) RecordFailure(id types.NodeID) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.record(id).FailureCount++
}

// RecordDiscovery stores the capability advertisement of id.
func (pb *PeerBook) RecordDiscovery(id types.NodeID, info types.NodeInfo) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	rec := pb.record(id)
	rec.Info = &info
	res := info.Resources
	rec.Resources = &res
}

// RecordResources stores the latest contribution reported by id.
func (pb *PeerBook) RecordResources(id types.NodeID, resources types.ResourceContribution) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.record(id).Resources = &resources
}

// Get returns a copy of the record for id.
func (pb *PeerBook) Get(id types.NodeID) (PeerRecord, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	rec, ok := pb.peers[id.String()]
	if !ok {
		return PeerRecord{}, false
	}

	return rec.clone(), true
}

// Remove forgets id.
func (pb *PeerBook) Remove(id types.NodeID) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	delete(pb.peers, id.String())
}

// Count returns the number of known peers.
func (pb *PeerBook) Count() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	return len(pb.peers)
}

// All returns copies of every record ordered by id.
func (pb *PeerBook) All() []PeerRecord {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	out := make([]PeerRecord, 0, len(pb.peers))
	for _, rec := range pb.peers {
		out = append(out, rec.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})

	return out
}

// BestPeers returns up to limit peers seen within ttl, responsive peers first, then by
// success ratio and most recent pong.
func (pb *PeerBook) BestPeers(limit int, ttl time.Duration) []PeerRecord {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	cutoff := pb.now().Add(-ttl)
	valid := make([]PeerRecord, 0, len(pb.peers))

	for _, rec := range pb.peers {
		if rec.LastSeen.After(cutoff) && rec.FailureCount < 5 {
			valid = append(valid, rec.clone())
		}
	}

	sort.Slice(valid, func(i, j int) bool {
		if (valid[i].PongCount > 0) != (valid[j].PongCount > 0) {
			return valid[i].PongCount > 0
		}

		ri, rj := valid[i].successRatio(), valid[j].successRatio()
		if ri != rj {
			return ri > rj
		}

		return valid[i].LastPong.After(valid[j].LastPong)
	})

	if limit < len(valid) {
		valid = valid[:limit]
	}

	return valid
}

// Prune removes peers not seen within ttl or failing too often, then keeps only the best
// maxPeers.
func (pb *PeerBook) Prune(maxPeers int, ttl time.Duration) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	cutoff := pb.now().Add(-ttl)
	kept := make([]*PeerRecord, 0, len(pb.peers))

	for _, rec := range pb.peers {
		if rec.LastSeen.After(cutoff) && rec.FailureCount < maxFailures {
			kept = append(kept, rec)
		}
	}

	if len(kept) > maxPeers {
		sort.Slice(kept, func(i, j int) bool {
			ri, rj := kept[i].successRatio(), kept[j].successRatio()
			if ri != rj {
				return ri > rj
			}

			return kept[i].LastSeen.After(kept[j].LastSeen)
		})

		kept = kept[:maxPeers]
	}

	pb.peers = make(map[string]*PeerRecord, len(kept))
	for _, rec := range kept {
		pb.peers[rec.ID.String()] = rec
	}
}
