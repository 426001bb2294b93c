package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryCancelAllCompletesEveryRequestOnce(t *testing.T) {
	reg := NewRegistry()

	const total = 64
	requests := make([]*Request, total)
	releases := make([]atomic.Int32, total)
	for i := range requests {
		req := reg.Begin(Op(i % 2))
		release := req.release
		idx := i
		req.release = func() {
			releases[idx].Add(1)
			release()
		}
		requests[i] = req
	}

	if got := reg.Outstanding(); got != total {
		t.Fatalf("Outstanding() = %d, want %d", got, total)
	}

	// Race normal completion against cancellation on every other request.
	var wg sync.WaitGroup
	var completedWins atomic.Int32
	for i := 0; i < total; i += 2 {
		wg.Add(1)
		go func(req *Request) {
			defer wg.Done()
			if req.Complete(StatusCompleted, 1, nil) {
				completedWins.Add(1)
			}
		}(requests[i])
	}
	cancelled := reg.CancelAll()
	wg.Wait()

	if int(completedWins.Load())+cancelled != total {
		t.Fatalf("completed %d + cancelled %d != %d", completedWins.Load(), cancelled, total)
	}

	for i, req := range requests {
		select {
		case <-req.Done():
		default:
			t.Fatalf("request %d not finished", i)
		}
		if got := releases[i].Load(); got != 1 {
			t.Errorf("request %d released %d times, want 1", i, got)
		}
		if req.Status() == StatusCancelled {
			if _, err := req.Result(); !errors.Is(err, ErrCanceled) {
				t.Errorf("request %d error = %v, want ErrCanceled", i, err)
			}
		}
	}

	if got := reg.Outstanding(); got != 0 {
		t.Errorf("Outstanding() after cancel = %d, want 0", got)
	}
	if got := reg.CancelAll(); got != 0 {
		t.Errorf("second CancelAll() = %d, want 0", got)
	}
}

func TestRequestDoubleCompleteIsNoop(t *testing.T) {
	reg := NewRegistry()
	req := reg.Begin(OpRead)

	if !req.Complete(StatusCompleted, 7, nil) {
		t.Fatal("first Complete() = false")
	}
	if req.Complete(StatusCancelled, 0, ErrCanceled) {
		t.Fatal("second Complete() = true")
	}

	n, err := req.Result()
	if n != 7 || err != nil {
		t.Errorf("Result() = (%d, %v), want (7, nil)", n, err)
	}
	if req.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want completed", req.Status())
	}
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", reg.Outstanding())
	}
}
