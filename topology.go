package vbucket

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// configFetcher is the interface VBucket and Registry depend on,
// satisfied by *TopologyFetcher. Tests substitute a fake to exercise
// reload cooldown and singleflight coalescing without real sockets.
type configFetcher interface {
	FetchConfigs(ctx context.Context, seeds []string, bucket, username, password string) ([]bucketConfig, error)
}

// TopologyFetcher pulls bucket configuration over the cluster's REST
// endpoint and turns it into the pieces a VBucket needs. Its HTTP
// client is hand-rolled over a raw TCP socket rather than net/http,
// matching the minimal HTTP/1.0 request/response framing the cluster
// config endpoint speaks.
type TopologyFetcher struct {
	DialTimeout time.Duration
	UserAgent   string
	// MaxTries caps how many seed servers FetchConfigs will attempt
	// (default 3). The actual attempt count is still bounded by
	// len(seeds).
	MaxTries int

	rnd *rand.Rand
}

// NewTopologyFetcher builds a fetcher whose seed-shuffle random source
// is seeded at construction time; each FetchConfigs call draws a new
// order from it.
func NewTopologyFetcher(seed int64) *TopologyFetcher {
	return &TopologyFetcher{
		DialTimeout: 5 * time.Second,
		UserAgent:   "vbucket-client/1.0",
		MaxTries:    3,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

type bucketConfig struct {
	Name       string `json:"name"`
	BucketType string `json:"bucketType"`

	VBucketServerMap struct {
		HashAlgorithm string   `json:"hashAlgorithm"`
		ServerList    []string `json:"serverList"`
		VBucketMap    [][2]int `json:"vBucketMap"`
	} `json:"vBucketServerMap"`

	NodesExt []struct {
		Hostname string         `json:"hostname"`
		Services map[string]int `json:"services"`
	} `json:"nodesExt"`
}

// FetchConfigs attempts up to min(MaxTries, len(seeds)) seed servers in
// shuffled order, returning the first config whose body begins with
// '{'. Failures on individual seeds are collected, not surfaced,
// unless every attempted seed fails.
func (f *TopologyFetcher) FetchConfigs(ctx context.Context, seeds []string, bucket, username, password string) ([]bucketConfig, error) {
	if len(seeds) == 0 {
		return nil, errors.Wrap(ErrConfigFetch, "no seed servers configured")
	}

	order := f.rnd.Perm(len(seeds))
	tries := len(seeds)
	if maxTries := f.maxTries(); tries > maxTries {
		tries = maxTries
	}

	var errs error
	for i := 0; i < tries; i++ {
		seed := seeds[order[i]]
		cfg, err := f.fetchOne(ctx, seed, bucket, username, password)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "seed %s", seed))
			continue
		}
		return []bucketConfig{*cfg}, nil
	}

	if errs == nil {
		errs = errors.New("all seeds exhausted")
	}
	return nil, errors.Wrap(ErrConfigFetch, errs.Error())
}

func (f *TopologyFetcher) fetchOne(ctx context.Context, seedHostPort, bucket, username, password string) (*bucketConfig, error) {
	dialer := net.Dialer{Timeout: f.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", seedHostPort)
	if err != nil {
		return nil, errors.Wrap(ErrConnect, err.Error())
	}
	defer conn.Close()

	deadline := time.Now().Add(f.dialTimeout())
	_ = conn.SetDeadline(deadline)

	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	req := fmt.Sprintf(
		"GET /pools/default/buckets/%s HTTP/1.0\r\nHost: %s\r\nAuthorization: Basic %s\r\nUser-Agent: %s\r\n\r\n",
		bucket, seedHostPort, token, f.UserAgent,
	)
	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, errors.Wrap(ErrWire, err.Error())
	}

	br := bufio.NewReader(conn)
	contentLength := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(ErrWire, "reading headers: "+err.Error())
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if colon := strings.IndexByte(line, ':'); colon > 0 {
			if strings.EqualFold(strings.TrimSpace(line[:colon]), "content-length") {
				if n, convErr := strconv.Atoi(strings.TrimSpace(line[colon+1:])); convErr == nil {
					contentLength = n
				}
			}
		}
	}

	var body []byte
	if contentLength >= 0 {
		body = make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, errors.Wrap(ErrWire, "reading body: "+err.Error())
		}
	} else {
		body, err = io.ReadAll(br)
		if err != nil {
			return nil, errors.Wrap(ErrWire, "reading body: "+err.Error())
		}
	}

	if len(body) == 0 || body[0] != '{' {
		return nil, errors.Wrap(ErrConfigFetch, "response body is not a JSON document")
	}

	var cfg bucketConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, errors.Wrap(ErrConfigFetch, "invalid json: "+err.Error())
	}
	return &cfg, nil
}

func (f *TopologyFetcher) dialTimeout() time.Duration {
	if f.DialTimeout <= 0 {
		return 5 * time.Second
	}
	return f.DialTimeout
}

func (f *TopologyFetcher) maxTries() int {
	if f.MaxTries <= 0 {
		return 3
	}
	return f.MaxTries
}

// buildVBucketMap locates the config whose name matches bucketName and
// turns its vBucketServerMap into routing-table pieces. Node indices
// in the original (Lua, 1-based-array) source config are adjusted to
// Go's 0-based slices here, rather than carried as an off-by-one
// "+1" the way the source expressed it.
func buildVBucketMap(cfgs []bucketConfig, bucketName string) (nodes []Server, vmap []VBucketPair, mask int, hashAlgorithm string, err error) {
	var target *bucketConfig
	for i := range cfgs {
		if cfgs[i].Name == bucketName {
			target = &cfgs[i]
			break
		}
	}
	if target == nil {
		return nil, nil, -1, "", errors.Wrapf(ErrConfigFetch, "bucket %q not present in fetched config", bucketName)
	}
	if target.BucketType == "memcached" {
		return nil, nil, -1, "", ErrUnsupportedBucketType
	}

	nodes = make([]Server, 0, len(target.VBucketServerMap.ServerList))
	for _, hostPort := range target.VBucketServerMap.ServerList {
		host, portStr, splitErr := net.SplitHostPort(hostPort)
		if splitErr != nil {
			return nil, nil, -1, "", errors.Wrapf(ErrConfigFetch, "bad serverList entry %q", hostPort)
		}
		port, convErr := strconv.Atoi(portStr)
		if convErr != nil {
			return nil, nil, -1, "", errors.Wrapf(ErrConfigFetch, "bad port in serverList entry %q", hostPort)
		}
		nodes = append(nodes, NewServer(host, port, len(nodes)))
	}

	vmap = make([]VBucketPair, 0, len(target.VBucketServerMap.VBucketMap))
	for _, pair := range target.VBucketServerMap.VBucketMap {
		vmap = append(vmap, VBucketPair{Primary: pair[0], Replica: pair[1]})
	}

	mask = len(vmap) - 1
	return nodes, vmap, mask, target.VBucketServerMap.HashAlgorithm, nil
}
