package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paraloom/go-p2p/storage"
	"github.com/paraloom/go-p2p/types"
)

func TestPeerBook_Records(t *testing.T) {
	pb := NewPeerBook(openTestStore(t))
	id := types.NodeID{0x01}

	pb.RecordFailure(id)
	pb.RecordFailure(id)

	rec, ok := pb.Get(id)
	require.True(t, ok)
	assert.Equal(t, 2, rec.FailureCount)

	pb.RecordPong(id)

	rec, _ = pb.Get(id)
	assert.Equal(t, 1, rec.PongCount)
	assert.Zero(t, rec.FailureCount, "a pong resets failures")
	assert.False(t, rec.LastPong.IsZero())

	pb.RecordResources(id, types.ResourceContribution{CPUCores: 3})

	rec, _ = pb.Get(id)
	assert.Equal(t, uint32(3), rec.Resources.CPUCores)

	assert.Equal(t, 1, pb.Count())

	pb.Remove(id)
	assert.Zero(t, pb.Count())

	_, ok = pb.Get(id)
	assert.False(t, ok)
}

func TestPeerBook_GetReturnsCopy(t *testing.T) {
	pb := NewPeerBook(openTestStore(t))
	id := types.NodeID{0x01}

	pb.RecordResources(id, types.ResourceContribution{CPUCores: 3})

	rec, _ := pb.Get(id)
	rec.Resources.CPUCores = 99

	again, _ := pb.Get(id)
	assert.Equal(t, uint32(3), again.Resources.CPUCores)
}

func TestPeerBook_BestPeers(t *testing.T) {
	pb := NewPeerBook(openTestStore(t))

	silent := types.NodeID{0x01}
	reliable := types.NodeID{0x02}
	flaky := types.NodeID{0x03}
	broken := types.NodeID{0x04}

	pb.RecordSeen(silent)

	for i := 0; i < 5; i++ {
		pb.RecordPong(reliable)
	}

	pb.RecordPong(flaky)
	pb.RecordFailure(flaky)
	pb.RecordFailure(flaky)

	for i := 0; i < 5; i++ {
		pb.RecordFailure(broken)
	}

	best := pb.BestPeers(10, time.Hour)
	require.Len(t, best, 3, "peers with too many failures are skipped")

	assert.Equal(t, reliable, best[0].ID)
	assert.Equal(t, flaky, best[1].ID)
	assert.Equal(t, silent, best[2].ID)

	assert.Len(t, pb.BestPeers(1, time.Hour), 1)
}

func TestPeerBook_Prune(t *testing.T) {
	pb := NewPeerBook(openTestStore(t))

	start := time.Now()
	pb.now = func() time.Time { return start.Add(-2 * time.Hour) }
	pb.RecordPong(types.NodeID{0x01})

	pb.now = func() time.Time { return start }
	pb.RecordPong(types.NodeID{0x02})
	pb.RecordSeen(types.NodeID{0x03})

	for i := 0; i < maxFailures; i++ {
		pb.RecordFailure(types.NodeID{0x04})
	}

	pb.Prune(10, time.Hour)
	assert.Equal(t, 2, pb.Count())

	pb.Prune(1, time.Hour)
	require.Equal(t, 1, pb.Count())

	_, ok := pb.Get(types.NodeID{0x02})
	assert.True(t, ok, "the responsive peer is kept")
}

func TestPeerBook_SaveAndLoad(t *testing.T) {
	store := openTestStore(t)
	pb := NewPeerBook(store)

	info := types.NodeInfo{ID: types.NodeID{0x01}, NodeType: types.NodeTypeCoordinator, Address: "/ip4/10.0.0.1/tcp/1"}

	pb.RecordDiscovery(types.NodeID{0x01}, info)
	pb.RecordPong(types.NodeID{0x02})
	require.NoError(t, pb.Save())

	loaded, err := LoadPeerBook(store)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Count())

	rec, ok := loaded.Get(types.NodeID{0x01})
	require.True(t, ok)
	assert.Equal(t, info, *rec.Info)

	rec, ok = loaded.Get(types.NodeID{0x02})
	require.True(t, ok)
	assert.Equal(t, 1, rec.PongCount)

	loaded.Remove(types.NodeID{0x01})
	require.NoError(t, loaded.Save())

	_, err = store.Get([]byte(peerKeyPrefix + "01"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	again, err := LoadPeerBook(store)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Count())
}

func TestLoadPeerBook_SkipsCorruptRecords(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put([]byte(peerKeyPrefix+"zz"), []byte("{not json")))
	require.NoError(t, store.Put([]byte("node/contribution"), []byte("{}")))

	pb, err := LoadPeerBook(store)
	require.NoError(t, err)
	assert.Zero(t, pb.Count())
}

func TestPeerBook_All(t *testing.T) {
	pb := NewPeerBook(openTestStore(t))
	pb.RecordSeen(types.NodeID{0x02})
	pb.RecordSeen(types.NodeID{0x01})

	all := pb.All()
	require.Len(t, all, 2)
	assert.Equal(t, types.NodeID{0x01}, all[0].ID)
}
