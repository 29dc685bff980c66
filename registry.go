package vbucket

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide cluster_name -> bucket_name -> VBucket
// table. It is lazily populated on first use and reused forever,
// refreshed in place by VBucket.MaybeReload.
//
// Concurrent first-time fetches for the same (cluster, bucket) are
// coalesced with singleflight: the winning caller fetches topology and
// builds the VBucket, every other concurrent caller blocks on the same
// call and receives its result instead of issuing its own HTTP fetch.
// This is the idiomatic Go expression of the "shared-memory counter
// gates concurrent fetches, losers sleep and re-read" requirement.
type Registry struct {
	fetcher configFetcher

	mu       sync.RWMutex
	clusters map[string]map[string]*VBucket

	group singleflight.Group
}

// NewRegistry builds an empty registry backed by fetcher.
func NewRegistry(fetcher configFetcher) *Registry {
	return &Registry{
		fetcher:  fetcher,
		clusters: make(map[string]map[string]*VBucket),
	}
}

// EnsureBucket returns the VBucket for (clusterName, bucketName),
// fetching and building it on first use.
func (r *Registry) EnsureBucket(ctx context.Context, clusterName, bucketName string, hostPorts []string, username, password string) (*VBucket, error) {
	if vb, ok := r.lookup(clusterName, bucketName); ok {
		return vb, nil
	}

	key := clusterName + "\x00" + bucketName
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if vb, ok := r.lookup(clusterName, bucketName); ok {
			return vb, nil
		}

		cfgs, err := r.fetcher.FetchConfigs(ctx, hostPorts, bucketName, username, password)
		if err != nil {
			return nil, err
		}

		nodes, vmap, mask, hashAlgo, err := buildVBucketMap(cfgs, bucketName)
		if err != nil {
			return nil, err
		}

		vb := &VBucket{
			Name:          bucketName,
			HostPorts:     hostPorts,
			Username:      username,
			Password:      password,
			BucketType:    "membase",
			HashAlgorithm: hashAlgo,
			Nodes:         nodes,
			VMap:          vmap,
			fetcher:       r.fetcher,
		}
		vb.mask = int32(mask)
		vb.lastReload.Store(nowFunc().UnixNano())

		r.store(clusterName, bucketName, vb)
		return vb, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensure bucket topology")
	}

	return v.(*VBucket), nil
}

func (r *Registry) lookup(clusterName, bucketName string) (*VBucket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cm, ok := r.clusters[clusterName]
	if !ok {
		return nil, false
	}
	vb, ok := cm[bucketName]
	return vb, ok
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistryInst *Registry
)

// defaultRegistry returns the process-wide registry every Client uses
// unless a test injects its own via WithRegistry.
func defaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistryInst = NewRegistry(NewTopologyFetcher(time.Now().UnixNano()))
	})
	return defaultRegistryInst
}

func (r *Registry) store(clusterName, bucketName string, vb *VBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cm, ok := r.clusters[clusterName]
	if !ok {
		cm = make(map[string]*VBucket)
		r.clusters[clusterName] = cm
	}
	cm[bucketName] = vb
}
