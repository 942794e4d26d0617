package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// defaultPeerConcurrency bounds how many outbound RPCs may be in flight to
// a single peer at once (spec.md §2: "per-peer concurrency"). A peer stuck
// behind a slow network link then blocks only its own slot, never the
// heartbeats or votes addressed to healthy peers.
const defaultPeerConcurrency = 4

// Client dials peers and performs one request/response RPC per call.
type Client struct {
	logger      *zap.SugaredLogger
	concurrency int64

	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	clock func() time.Time
}

// NewClient builds a Client whose outbound calls are logged with logger.
func NewClient(logger *zap.SugaredLogger) *Client {
	return &Client{
		logger:      logger,
		concurrency: defaultPeerConcurrency,
		sems:        make(map[string]*semaphore.Weighted),
		clock:       time.Now,
	}
}

func (c *Client) semaphoreFor(addr string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.sems[addr]
	if !ok {
		sem = semaphore.NewWeighted(c.concurrency)
		c.sems[addr] = sem
	}
	return sem
}

// Call dials addr, writes one Envelope frame carrying typ/payload, reads
// one Envelope frame back, and closes the connection. The supplied
// timeout bounds connect+write+read together (spec.md §4.2). Connection
// failures, timeouts, and decode failures are all reported as a single
// opaque error — callers cannot and must not distinguish them (spec.md
// §7, TransportFailure).
func (c *Client) Call(ctx context.Context, addr string, typ MessageType, payload interface{}, timeout time.Duration) (Envelope, error) {
	sem := c.semaphoreFor(addr)
	if err := sem.Acquire(ctx, 1); err != nil {
		return Envelope{}, errors.Wrap(err, "acquire peer concurrency slot")
	}
	defer sem.Release(1)

	deadline := c.clock().Add(timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "dial peer")
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return Envelope{}, errors.Wrap(err, "set connection deadline")
	}

	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal request envelope")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal request frame")
	}
	if err := writeFrame(conn, body); err != nil {
		return Envelope{}, err
	}

	respBody, err := readFrame(conn)
	if err != nil {
		return Envelope{}, err
	}
	var resp Envelope
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal response frame")
	}
	return resp, nil
}
