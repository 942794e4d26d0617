package kvdemo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client fans requests out to whichever Server it currently believes is
// the leader, cycling through the rest on ErrNotLeader — the same
// retry-until-success shape as the teacher's kvraft Clerk, with a
// google/uuid client identifier standing in for its crypto/rand nrand().
type Client struct {
	servers []*Server

	mu        sync.Mutex
	leader    int
	clientID  string
	requestID int64
}

// NewClient builds a Client that can reach any of servers.
func NewClient(servers []*Server) *Client {
	return &Client{servers: servers, clientID: uuid.NewString()}
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++
	return c.requestID
}

// Get retrieves key, returning "" if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	op := Op{Command: "get", ClientID: c.clientID, RequestID: c.nextRequestID(), Key: key}
	result, err := c.dispatch(ctx, op)
	if err != nil {
		return "", err
	}
	return result.Value, nil
}

// Put sets key to value.
func (c *Client) Put(ctx context.Context, key, value string) error {
	op := Op{Command: "put", ClientID: c.clientID, RequestID: c.nextRequestID(), Key: key, Value: value}
	_, err := c.dispatch(ctx, op)
	return err
}

// Append appends value onto whatever key currently holds.
func (c *Client) Append(ctx context.Context, key, value string) error {
	op := Op{Command: "append", ClientID: c.clientID, RequestID: c.nextRequestID(), Key: key, Value: value}
	_, err := c.dispatch(ctx, op)
	return err
}

func (c *Client) dispatch(ctx context.Context, op Op) (Result, error) {
	for {
		c.mu.Lock()
		start := c.leader
		c.mu.Unlock()

		for i := 0; i < len(c.servers); i++ {
			pos := (start + i) % len(c.servers)
			result, err := c.servers[pos].Propose(ctx, op)
			if err == ErrNotLeader {
				continue
			}
			if err != nil {
				return Result{}, err
			}
			c.mu.Lock()
			c.leader = pos
			c.mu.Unlock()
			return result, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
