package vbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// n1qlRouter caches the N1QL-capable nodes discovered from a cluster
// config fetch, so Client.Query only pays for GetClusterConfig once
// per client lifetime.
type n1qlRouter struct {
	mu         sync.Mutex
	nodes      []n1qlNode
	httpClient *http.Client
	rnd        *rand.Rand
}

type n1qlNode struct {
	host string
	port int
}

func newN1QLRouter(dialTimeout time.Duration) *n1qlRouter {
	return &n1qlRouter{
		httpClient: &http.Client{Timeout: dialTimeout * 2},
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// clusterConfigResponse is the slice of GetClusterConfig's JSON body
// this client reads: the nodesExt list naming each node's service
// ports, of which "n1ql" is the one the query router needs.
type clusterConfigResponse struct {
	NodesExt []struct {
		Hostname string         `json:"hostname"`
		Services map[string]int `json:"services"`
	} `json:"nodesExt"`
}

// Query runs a N1QL statement against a randomly chosen cached n1ql
// node, fetching the cluster config to discover those nodes on first
// use. It returns the response's raw "results" array.
func (c *Client) Query(ctx context.Context, statement string) (json.RawMessage, error) {
	node, err := c.n1ql.pick(ctx, c)
	if err != nil {
		return nil, err
	}

	form := url.Values{"statement": {statement}}
	endpoint := fmt.Sprintf("http://%s:%d/query/service", node.host, node.port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build n1ql request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.n1ql.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "n1ql request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read n1ql response")
	}

	var parsed struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrapf(err, "parse n1ql response: %s", body)
	}

	return parsed.Results, nil
}

// pick returns a random cached n1ql node, discovering the set via
// GetClusterConfig on first call.
func (r *n1qlRouter) pick(ctx context.Context, c *Client) (n1qlNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) == 0 {
		if err := r.discover(ctx, c); err != nil {
			return n1qlNode{}, err
		}
	}
	if len(r.nodes) == 0 {
		return n1qlNode{}, errors.New("vbucket: no n1ql-capable nodes in cluster config")
	}

	return r.nodes[r.rnd.Intn(len(r.nodes))], nil
}

// discover fetches the cluster config from the bucket's first known
// node and records every node that advertises an n1ql service port.
// Caller must hold r.mu.
func (r *n1qlRouter) discover(ctx context.Context, c *Client) error {
	if len(c.vb.Nodes) == 0 {
		return errors.Wrap(ErrNoRoute, "no nodes known for cluster config fetch")
	}
	srv := c.vb.Nodes[0]

	sock, err := c.conns.Acquire(srv)
	if err != nil {
		return errors.Wrap(err, "acquire connection for cluster config")
	}

	resp, err := sendRecv(sock, &Frame{Opcode: OpGetClusterConfig})
	if err != nil {
		c.conns.Discard(sock)
		return errors.Wrap(ErrWire, err.Error())
	}
	c.conns.Release(srv, sock)

	if resp.Status() != StatusOK {
		return errors.Wrapf(ErrServer, "get cluster config: status %#x", uint16(resp.Status()))
	}

	var cfg clusterConfigResponse
	if err := json.Unmarshal(resp.Value, &cfg); err != nil {
		return errors.Wrap(err, "parse cluster config")
	}

	for _, node := range cfg.NodesExt {
		port, ok := node.Services["n1ql"]
		if !ok {
			continue
		}
		host := node.Hostname
		if host == "" {
			host = srv.Host
		}
		r.nodes = append(r.nodes, n1qlNode{host: host, port: port})
	}

	return nil
}
