// internal/transport/registry.go
package transport

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Op identifies the direction of an outstanding request
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpRead {
		return "read"
	}
	return "write"
}

// Status is the final state of a request
type Status int32

const (
	StatusPending Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request is one outstanding read or write. The completion path and the
// cancel path race through Complete; the first caller wins and the
// request's release hook runs exactly once.
type Request struct {
	ID uint64
	Op Op

	status  atomic.Int32
	done    chan struct{}
	n       int
	err     error
	release func()
}

// Complete finishes the request. It reports false when the request was
// already finished, in which case nothing changes.
func (r *Request) Complete(status Status, n int, err error) bool {
	if !r.status.CompareAndSwap(int32(StatusPending), int32(status)) {
		return false
	}
	r.n = n
	r.err = err
	close(r.done)
	if r.release != nil {
		r.release()
	}
	return true
}

// Done is closed once the request is finished
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Status returns the current state
func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// Result returns the byte count and error. Only valid after Done is closed.
func (r *Request) Result() (int, error) {
	return r.n, r.err
}

// Registry tracks the outstanding requests of one stream
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Request
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[uint64]*Request),
	}
}

// Begin registers a new pending request
func (reg *Registry) Begin(op Op) *Request {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.nextID++
	req := &Request{
		ID:   reg.nextID,
		Op:   op,
		done: make(chan struct{}),
	}
	id := req.ID
	req.release = func() { reg.remove(id) }
	reg.pending[id] = req
	return req
}

func (reg *Registry) remove(id uint64) {
	reg.mu.Lock()
	delete(reg.pending, id)
	reg.mu.Unlock()
}

// Outstanding returns the number of unfinished requests
func (reg *Registry) Outstanding() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pending)
}

// CancelAll completes every outstanding request with StatusCancelled,
// newest first, and returns how many it cancelled. Requests that complete
// concurrently keep their own result.
func (reg *Registry) CancelAll() int {
	reg.mu.Lock()
	requests := make([]*Request, 0, len(reg.pending))
	for _, req := range reg.pending {
		requests = append(requests, req)
	}
	reg.pending = make(map[uint64]*Request)
	reg.mu.Unlock()

	sort.Slice(requests, func(i, j int) bool { return requests[i].ID > requests[j].ID })

	cancelled := 0
	for _, req := range requests {
		if req.Complete(StatusCancelled, 0, ErrCanceled) {
			cancelled++
		}
	}
	return cancelled
}
