package vbucket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cb-driver/vbucket/hash"
)

// ReloadMinInterval bounds how often a VBucket will re-fetch its
// topology: at most once per window, no matter how many callers
// observe a routing error within it.
const ReloadMinInterval = 15 * time.Second

// nowFunc is overridable by tests so the reload cooldown can be
// exercised without a real 15-second sleep.
var nowFunc = time.Now

// VBucketPair is one entry of the vbucket map: the index, within
// Nodes, of the primary and (optionally) replica server responsible
// for that vbucket. -1 means no replica is configured.
type VBucketPair struct {
	Primary int
	Replica int
}

// VBucket is the immutable-until-reloaded routing table for one
// bucket. Reads (Route) take a read lock; a reload rebinds Nodes,
// VMap and mask atomically under a write lock so in-flight routers
// never see a half-updated table.
type VBucket struct {
	Name          string
	HostPorts     []string
	Username      string
	Password      string
	BucketType    string
	HashAlgorithm string

	mu    sync.RWMutex
	mask  int32 // len(vmap)-1; -1 means not yet initialized
	Nodes []Server
	VMap  []VBucketPair

	// lastReload is a unix-nanosecond timestamp, compare-and-swapped so
	// concurrent routing errors on the same vbucket collapse into at
	// most one refresh per ReloadMinInterval.
	lastReload atomic.Int64

	fetcher configFetcher
}

// Mask returns the current vbucket mask (-1 if uninitialized).
func (v *VBucket) Mask() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int(v.mask)
}

// Route picks the server responsible for pkt's key, stamping pkt's
// frame with the resolved vbucket id as a side effect. It is a pure
// function of (vmap, key): repeated calls return the same server
// until the vbucket is reloaded.
func (v *VBucket) Route(pkt *Packet) (Server, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.mask < 0 {
		return Server{}, errors.Wrapf(ErrNoRoute, "vbucket %q not initialized", v.Name)
	}

	idx := int(hash.ShortCRC32(pkt.Frame.Key)) & int(v.mask)
	pkt.Frame.SetVBucketID(uint16(idx))

	pair := v.VMap[idx]
	nodeIdx := pair.Primary
	if pkt.IsReplica {
		nodeIdx = pair.Replica
	}
	if nodeIdx < 0 || nodeIdx >= len(v.Nodes) {
		return Server{}, errors.Wrapf(ErrNoRoute, "vbucket %d has no %s node", idx, replicaOrPrimary(pkt.IsReplica))
	}

	return v.Nodes[nodeIdx], nil
}

func replicaOrPrimary(isReplica bool) string {
	if isReplica {
		return "replica"
	}
	return "primary"
}

// MaybeReload refreshes the vbucket in place, but only if more than
// ReloadMinInterval has elapsed since the last refresh. It is
// best-effort: on fetch failure the old topology is left untouched.
func (v *VBucket) MaybeReload(ctx context.Context) error {
	last := v.lastReload.Load()
	now := nowFunc().UnixNano()
	if time.Duration(now-last) <= ReloadMinInterval {
		return nil
	}
	if !v.lastReload.CompareAndSwap(last, now) {
		// another goroutine just won the race and is reloading (or just did).
		return nil
	}

	cfgs, err := v.fetcher.FetchConfigs(ctx, v.HostPorts, v.Name, v.Username, v.Password)
	if err != nil {
		return err
	}

	nodes, vmap, mask, hashAlgo, err := buildVBucketMap(cfgs, v.Name)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.Nodes, v.VMap, v.mask, v.HashAlgorithm = nodes, vmap, int32(mask), hashAlgo
	v.mu.Unlock()

	return nil
}
