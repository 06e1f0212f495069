// Package placement implements volume creation/removal and the disk
// selection policy the replica core's storage lives behind: which Redis
// shard set backs a volume, and whether a snapshot's replicas have caught
// up before it is safe to read from.
package placement

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sdfs-io/sdfs/internal/chunkid"
	"github.com/sdfs-io/sdfs/pkg/metaiface"
	"github.com/sdfs-io/sdfs/pkg/registry"
	"github.com/sdfs-io/sdfs/pkg/sdfserr"
)

// registryClient is the subset of *registry.Client placement depends on,
// narrowed so tests can substitute an in-memory fake instead of a live
// etcd cluster.
type registryClient interface {
	CreateOnly(ctx context.Context, key, val string) error
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, val string) error
	Delete(ctx context.Context, key string) error
	DeleteDir(ctx context.Context, prefix string, recursive bool) error
	List(ctx context.Context, prefix string) ([]registry.KV, error)
}

var _ registryClient = (*registry.Client)(nil)

// ShardkvInfoer is the subset of *shardkv.Client the snapshot sync waiter
// and volume placement's connect step need.
type ShardkvInfoer interface {
	Info(ctx context.Context, section string) (string, error)
	Close() error
}

// HostPort names one Redis shard instance: the host it runs on and the
// disk slot (the source's redis_addr_t.port field, which names a disk
// index, not a TCP port) it was placed on.
type HostPort struct {
	Host string
	Disk int
}

func (hp HostPort) diskKey(redisRoot string) string {
	return fmt.Sprintf("%s/%s/disk/%d", redisRoot, hp.Host, hp.Disk)
}

// IDAllocator hands out volume identifiers. Kept as a narrow interface so
// placement does not dictate how ids are minted.
type IDAllocator interface {
	New(ctx context.Context) (uint64, error)
}

// Connector dials the Redis shard at hp and returns a client placement can
// query with Info. Production wiring points this at shardkv.Connect;
// tests substitute an in-memory stub.
type Connector func(ctx context.Context, hp HostPort) (ShardkvInfoer, error)

// Placement owns volume create/remove and disk selection. It holds no
// cluster topology of its own beyond what the registry reports live.
type Placement struct {
	reg       registryClient
	meta      metaiface.Client
	ids       IDAllocator
	connect   Connector
	sharding  int
	replica   int
	solomode  bool
	redisRoot string
	retryWait time.Duration
}

// New wires a Placement. redisRoot is the registry prefix disks register
// themselves under (e.g. "/sdfs/redis").
func New(reg registryClient, meta metaiface.Client, ids IDAllocator, connect Connector, sharding, replica int, solomode bool, redisRoot string) *Placement {
	return &Placement{
		reg: reg, meta: meta, ids: ids, connect: connect,
		sharding: sharding, replica: replica, solomode: solomode, redisRoot: redisRoot,
		retryWait: time.Second,
	}
}

// SetRetryWait overrides the 1s poll interval MkVol/RmVol use while
// waiting on disk/child-count settling. Tests shrink it to keep the
// 30-attempt retry loops fast.
func (p *Placement) SetRetryWait(d time.Duration) {
	p.retryWait = d
}

func createOnlyIgnoreExists(ctx context.Context, reg registryClient, key, val string) error {
	err := reg.CreateOnly(ctx, key, val)
	if err != nil && err != registry.ErrExists {
		return err
	}
	return nil
}

// MkVol allocates a volume id, writes its registry scaffold, selects
// placement across online disks, and allocates its root metadata entry.
// Re-running MkVol for a name that already has every scaffold key written
// is a no-op up to the final "id" key, whose conflict is surfaced to the
// caller (P2: idempotent create).
func (p *Placement) MkVol(ctx context.Context, name string, attrs metaiface.VolAttrs) (chunkid.VolID, error) {
	volid, err := p.ids.New(ctx)
	if err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.Internal, err)
	}

	if err := createOnlyIgnoreExists(ctx, p.reg, name+"/sharding", strconv.Itoa(p.sharding)); err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
	}
	if err := createOnlyIgnoreExists(ctx, p.reg, name+"/replica", strconv.Itoa(p.replica)); err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
	}
	if err := createOnlyIgnoreExists(ctx, p.reg, name+"/volid", strconv.FormatUint(volid, 10)); err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
	}
	if err := createOnlyIgnoreExists(ctx, p.reg, name+"/snapvers", "0"); err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
	}

	// id is the visibility boundary: a conflict here means a concurrent
	// MkVol already claimed name, and is surfaced rather than swallowed.
	if err := p.reg.CreateOnly(ctx, name+"/id", strconv.FormatUint(volid, 10)); err != nil {
		if err == registry.ErrExists {
			return chunkid.VolID{}, sdfserr.New(sdfserr.Exists, err)
		}
		return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
	}

	hosts, err := p.enumerateDisks(ctx)
	if err != nil {
		return chunkid.VolID{}, err
	}

	placed, err := p.selectPlacement(hosts)
	if err != nil {
		return chunkid.VolID{}, err
	}

	for shard := 0; shard < p.sharding; shard++ {
		for r := 0; r < p.replica; r++ {
			hp := placed[shard*p.replica+r]
			key := fmt.Sprintf("%s/wait/%d/redis/%d.wait", name, shard, r)
			val := fmt.Sprintf("%s,%d", hp.Host, hp.Disk)
			if err := createOnlyIgnoreExists(ctx, p.reg, key, val); err != nil {
				return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
			}
		}
	}

	seen := make(map[HostPort]bool)
	for _, hp := range placed {
		if seen[hp] {
			continue
		}
		seen[hp] = true
		if err := p.reg.Put(ctx, hp.diskKey(p.redisRoot)+"/trigger", "1"); err != nil {
			return chunkid.VolID{}, sdfserr.New(sdfserr.IO, err)
		}
	}

	vol := chunkid.VolID{VolID: volid, SnapVers: 0}

	var connErr error
	for i := 0; i < 30; i++ {
		var cli ShardkvInfoer
		cli, connErr = p.connect(ctx, placed[0])
		if connErr == nil {
			cli.Close()
			break
		}
		select {
		case <-ctx.Done():
			return chunkid.VolID{}, sdfserr.New(sdfserr.Canceled, ctx.Err())
		case <-time.After(p.retryWait):
		}
	}
	if connErr != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.Busy, fmt.Errorf("placement: connect shard: %w", connErr))
	}

	if err := p.meta.Mkvol(ctx, vol, attrs); err != nil {
		return chunkid.VolID{}, sdfserr.New(sdfserr.Internal, err)
	}

	return vol, nil
}

// RmVol removes a volume's metadata entry, then its registry scaffold, in
// the reverse order MkVol created them. It is written to tolerate a prior
// partial MkVol or a prior partial RmVol: every delete call ignores
// "already gone".
func (p *Placement) RmVol(ctx context.Context, name string, vol chunkid.VolID) error {
	var count uint64
	var err error
	for attempt := 0; attempt < 30; attempt++ {
		count, err = p.meta.ChildCount(ctx, vol)
		if err != nil {
			break
		}
		if count == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return sdfserr.New(sdfserr.Canceled, ctx.Err())
		case <-time.After(p.retryWait):
		}
	}
	if err == nil && count > 0 {
		return sdfserr.New(sdfserr.Busy, fmt.Errorf("placement: volume %s not empty", name))
	}
	if err == nil {
		if uerr := p.meta.Unlink(ctx, vol); uerr != nil {
			return sdfserr.New(sdfserr.Internal, uerr)
		}
	}

	sharding, replica, err := p.snapshotConfig(ctx, name)
	if err != nil {
		return err
	}

	_ = p.reg.Delete(ctx, name+"/sharding")
	_ = p.reg.Delete(ctx, name+"/replica")
	_ = p.reg.Delete(ctx, name+"/volid")
	_ = p.reg.Delete(ctx, name+"/id")

	for shard := 0; shard < sharding; shard++ {
		p.drainSlot(ctx, name, shard, replica)
	}

	_ = p.reg.Delete(ctx, name+"/sharding.bak")
	_ = p.reg.Delete(ctx, name+"/replica.bak")
	return p.reg.DeleteDir(ctx, name, true)
}

// snapshotConfig reads sharding/replica into a ".bak" copy before deleting
// the live keys, so a crash mid-RmVol can still resolve how many shards to
// finish draining on retry.
func (p *Placement) snapshotConfig(ctx context.Context, name string) (sharding, replica int, err error) {
	sharding, err = p.snapshotOne(ctx, name+"/sharding.bak", name+"/sharding")
	if err != nil {
		return 0, 0, err
	}
	replica, err = p.snapshotOne(ctx, name+"/replica.bak", name+"/replica")
	if err != nil {
		return 0, 0, err
	}
	return sharding, replica, nil
}

func (p *Placement) snapshotOne(ctx context.Context, bakKey, liveKey string) (int, error) {
	if val, err := p.reg.Get(ctx, bakKey); err == nil {
		n, _ := strconv.Atoi(val)
		return n, nil
	}
	val, err := p.reg.Get(ctx, liveKey)
	if err != nil {
		return 0, sdfserr.New(sdfserr.NotFound, err)
	}
	_ = createOnlyIgnoreExists(ctx, p.reg, bakKey, val)
	n, _ := strconv.Atoi(val)
	return n, nil
}

func (p *Placement) drainSlot(ctx context.Context, name string, shard, replica int) {
	for r := 0; r < replica; r++ {
		key := fmt.Sprintf("%s/slot/%d/redis/%d", name, shard, r)
		for retry := 0; retry < 10; retry++ {
			if _, err := p.reg.Get(ctx, key); err != nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryWait):
			}
		}
	}
	_ = p.reg.DeleteDir(ctx, fmt.Sprintf("%s/slot/%d", name, shard), true)
}

// enumerateDisks lists every disk registered live under redisRoot and
// filters to the ones isDiskOnline reports as up.
func (p *Placement) enumerateDisks(ctx context.Context) (map[string][]int, error) {
	entries, err := p.reg.List(ctx, p.redisRoot)
	if err != nil {
		return nil, sdfserr.New(sdfserr.IO, err)
	}

	hosts := make(map[string][]int)
	for _, kv := range entries {
		rest := strings.TrimPrefix(kv.Key, p.redisRoot+"/")
		parts := strings.Split(rest, "/")
		if len(parts) != 4 || parts[1] != "disk" || parts[3] != "instence" {
			continue
		}
		host := parts[0]
		disk, convErr := strconv.Atoi(parts[2])
		if convErr != nil {
			continue
		}
		if p.isDiskOnline(ctx, host, disk, kv.Value) {
			hosts[host] = append(hosts[host], disk)
		}
	}
	if len(hosts) == 0 {
		return nil, sdfserr.New(sdfserr.NoSpace, fmt.Errorf("placement: no disks registered under %s", p.redisRoot))
	}
	for host := range hosts {
		sort.Ints(hosts[host])
	}
	return hosts, nil
}

// isDiskOnline reports whether host's disk slot has room (instence < 64)
// and settles a trigger write back to "0" within 10s of polling, mirroring
// __md_mkvol_online exactly.
func (p *Placement) isDiskOnline(ctx context.Context, host string, disk int, instenceVal string) bool {
	instence, err := strconv.Atoi(instenceVal)
	if err != nil || instence >= 64 {
		return false
	}

	triggerKey := fmt.Sprintf("%s/%s/disk/%d/trigger", p.redisRoot, host, disk)
	if err := p.reg.Put(ctx, triggerKey, "1"); err != nil {
		return false
	}

	for retry := 0; retry < 100; retry++ {
		val, err := p.reg.Get(ctx, triggerKey)
		if err != nil {
			return false
		}
		if val == "0" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

// selectPlacement picks sharding*replica disk slots from the online host
// set: solomode draws replica distinct disks from the single host at a
// random offset, multi-host round-robins hosts and picks one random
// online disk per host per shard. It returns a NoSpace error when fewer online
// hosts exist than replica requires.
func (p *Placement) selectPlacement(hosts map[string][]int) ([]HostPort, error) {
	names := make([]string, 0, len(hosts))
	for h := range hosts {
		names = append(names, h)
	}
	sort.Strings(names)

	if p.solomode && len(names) == 1 {
		disks := hosts[names[0]]
		if len(disks) < p.replica {
			return nil, sdfserr.New(sdfserr.NoSpace, fmt.Errorf("placement: host %s has %d disks, need %d", names[0], len(disks), p.replica))
		}
		out := make([]HostPort, 0, p.sharding*p.replica)
		for shard := 0; shard < p.sharding; shard++ {
			start := rand.Intn(len(disks))
			for r := 0; r < p.replica; r++ {
				out = append(out, HostPort{Host: names[0], Disk: disks[(start+r)%len(disks)]})
			}
		}
		return out, nil
	}

	if p.replica > len(names) {
		return nil, sdfserr.New(sdfserr.NoSpace, fmt.Errorf("placement: %d online hosts, need %d for replica", len(names), p.replica))
	}

	out := make([]HostPort, 0, p.sharding*p.replica)
	cursor := 0
	for shard := 0; shard < p.sharding; shard++ {
		for r := 0; r < p.replica; r++ {
			host := names[cursor%len(names)]
			cursor++
			disks := hosts[host]
			out = append(out, HostPort{Host: host, Disk: disks[rand.Intn(len(disks))]})
		}
	}
	return out, nil
}
