package placement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sdfs-io/sdfs/pkg/metaiface"
	"github.com/sdfs-io/sdfs/pkg/metaiface/inmem"
	"github.com/sdfs-io/sdfs/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu   sync.Mutex
	kv   map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{kv: make(map[string]string)}
}

func (f *fakeRegistry) CreateOnly(ctx context.Context, key, val string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.kv[key]; ok {
		return registry.ErrExists
	}
	f.kv[key] = val
	return nil
}

func (f *fakeRegistry) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return "", fmt.Errorf("not found: %s", key)
	}
	return v, nil
}

func (f *fakeRegistry) Put(ctx context.Context, key, val string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasSuffix(key, "/trigger") && val == "1" {
		// simulate a disk that acknowledges instantly, so isDiskOnline's
		// settle-poll resolves on its first check instead of spinning.
		f.kv[key] = "0"
		return nil
	}
	f.kv[key] = val
	return nil
}

func (f *fakeRegistry) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	return nil
}

func (f *fakeRegistry) DeleteDir(ctx context.Context, prefix string, recursive bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			delete(f.kv, k)
		}
	}
	return nil
}

func (f *fakeRegistry) List(ctx context.Context, prefix string) ([]registry.KV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.KV
	for k, v := range f.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, registry.KV{Key: k, Value: v})
		}
	}
	return out, nil
}

type fakeShardkv struct{}

func (fakeShardkv) Info(ctx context.Context, section string) (string, error) { return "", nil }
func (fakeShardkv) Close() error                                             { return nil }

func alwaysConnect(ctx context.Context, hp HostPort) (ShardkvInfoer, error) {
	return fakeShardkv{}, nil
}

func seedDisk(reg *fakeRegistry, root, host string, disk, instence int) {
	reg.kv[fmt.Sprintf("%s/%s/disk/%d/instence", root, host, disk)] = fmt.Sprintf("%d", instence)
	reg.kv[fmt.Sprintf("%s/%s/disk/%d/trigger", root, host, disk)] = "0"
}

func newTestPlacement(reg *fakeRegistry, sharding, replica int, solomode bool) (*Placement, *inmem.Store) {
	store := inmem.New()
	p := New(reg, store, NewAtomicAllocator(0), alwaysConnect, sharding, replica, solomode, "/sdfs/redis")
	p.SetRetryWait(time.Millisecond)
	return p, store
}

func TestMkVolIsIdempotentUpToID(t *testing.T) {
	reg := newFakeRegistry()
	seedDisk(reg, "/sdfs/redis", "host-a", 0, 1)
	seedDisk(reg, "/sdfs/redis", "host-a", 1, 1)
	seedDisk(reg, "/sdfs/redis", "host-a", 2, 1)

	p, _ := newTestPlacement(reg, 1, 2, true)
	attrs := metaiface.VolAttrs{Name: "vol1"}

	vol1, err := p.MkVol(context.Background(), "vol1", attrs)
	require.NoError(t, err)

	// a second MkVol for the same name must fail on the id key, not
	// silently mint a second volume (P2).
	_, err = p.MkVol(context.Background(), "vol1", attrs)
	assert.Error(t, err)

	got, err := reg.Get(context.Background(), "vol1/volid")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", vol1.VolID), got)
}

func TestSelectPlacementRespectsReplicaInvariant(t *testing.T) {
	reg := newFakeRegistry()
	seedDisk(reg, "/sdfs/redis", "host-a", 0, 1)
	seedDisk(reg, "/sdfs/redis", "host-b", 0, 1)

	p, _ := newTestPlacement(reg, 2, 3, false)
	hosts, err := p.enumerateDisks(context.Background())
	require.NoError(t, err)

	_, err = p.selectPlacement(hosts)
	assert.Error(t, err, "replica 3 exceeds the 2 online hosts, must be NoSpace")
}

func TestSelectPlacementSoloModePicksDistinctDisks(t *testing.T) {
	reg := newFakeRegistry()
	seedDisk(reg, "/sdfs/redis", "solo", 0, 1)
	seedDisk(reg, "/sdfs/redis", "solo", 1, 1)
	seedDisk(reg, "/sdfs/redis", "solo", 2, 1)

	p, _ := newTestPlacement(reg, 1, 3, true)
	hosts, err := p.enumerateDisks(context.Background())
	require.NoError(t, err)

	placed, err := p.selectPlacement(hosts)
	require.NoError(t, err)
	require.Len(t, placed, 3)

	seen := make(map[int]bool)
	for _, hp := range placed {
		assert.Equal(t, "solo", hp.Host)
		assert.False(t, seen[hp.Disk], "solomode must not reuse a disk across replicas")
		seen[hp.Disk] = true
	}
}

func TestRmVolRejectsNonEmptyVolume(t *testing.T) {
	reg := newFakeRegistry()
	seedDisk(reg, "/sdfs/redis", "host-a", 0, 1)
	seedDisk(reg, "/sdfs/redis", "host-a", 1, 1)

	p, store := newTestPlacement(reg, 1, 2, true)
	vol, err := p.MkVol(context.Background(), "vol2", metaiface.VolAttrs{Name: "vol2"})
	require.NoError(t, err)

	store.SetChildCount(vol, 1)

	err = p.RmVol(context.Background(), "vol2", vol)
	assert.Error(t, err)
}
