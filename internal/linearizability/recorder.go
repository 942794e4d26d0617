package linearizability

import (
	"context"
	"sync"
	"time"

	"github.com/ReshiAdavan/raftcoordinator/internal/kvdemo"
)

// Recorder wraps kvdemo.Client calls, timestamping each one's real-time
// call/return span so integration tests can build a history and hand it
// to CheckOperations without threading timing code through every
// goroutine that issues requests.
type Recorder struct {
	mu  sync.Mutex
	ops []RecordedOp
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Get issues client.Get and records the call.
func (r *Recorder) Get(ctx context.Context, client *kvdemo.Client, key string) (string, error) {
	start := time.Now().UnixNano()
	val, err := client.Get(ctx, key)
	end := time.Now().UnixNano()
	if err == nil {
		r.append(kvdemo.Op{Command: "get", Key: key}, kvdemo.Result{OK: true, Value: val}, start, end)
	}
	return val, err
}

// Put issues client.Put and records the call.
func (r *Recorder) Put(ctx context.Context, client *kvdemo.Client, key, value string) error {
	start := time.Now().UnixNano()
	err := client.Put(ctx, key, value)
	end := time.Now().UnixNano()
	if err == nil {
		r.append(kvdemo.Op{Command: "put", Key: key, Value: value}, kvdemo.Result{OK: true}, start, end)
	}
	return err
}

// Append issues client.Append and records the call.
func (r *Recorder) Append(ctx context.Context, client *kvdemo.Client, key, value string) error {
	start := time.Now().UnixNano()
	err := client.Append(ctx, key, value)
	end := time.Now().UnixNano()
	if err == nil {
		r.append(kvdemo.Op{Command: "append", Key: key, Value: value}, kvdemo.Result{OK: true}, start, end)
	}
	return err
}

func (r *Recorder) append(op kvdemo.Op, result kvdemo.Result, call, ret int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, RecordedOp{Op: op, Result: result, Call: call, Return: ret})
}

// History returns a copy of every call recorded so far, suitable for
// ToOperations followed by CheckOperations.
func (r *Recorder) History() []RecordedOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedOp(nil), r.ops...)
}
