package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/pmi-go/pmi"
)

// ErrTimeout reports a fence or lookup that did not resolve within
// Config.CycleTimeout.
var ErrTimeout = fmt.Errorf("bridge: exchange timed out: %w", pmi.Fail)

type futureResult struct {
	value string
	err   error
}

// Future tracks one outstanding exchange operation. It resolves exactly once.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    futureResult
	callbacks []func(futureResult)
}

// NewFuture returns an unresolved future. Exchange implementations resolve
// it with Complete.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already completed with value and err.
func Resolved(value string, err error) *Future {
	f := NewFuture()
	f.Complete(value, err)
	return f
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call was the one that resolved it.
func (f *Future) Complete(value string, err error) bool {
	resolved := false
	f.once.Do(func() {
		resolved = true
		f.mu.Lock()
		f.result = futureResult{value: value, err: err}
		f.completed = true
		callbacks := append([]func(futureResult){}, f.callbacks...)
		f.callbacks = nil
		res := f.result
		f.mu.Unlock()

		close(f.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
	return resolved
}

func (f *Future) snapshot() futureResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

// Await blocks until the future resolves or ctx is cancelled.
func (f *Future) Await(ctx context.Context) (string, error) {
	if f == nil {
		return "", errors.New("bridge: nil future")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		select {
		case <-f.done:
			res := f.snapshot()
			return res.value, res.err
		default:
		}
		return "", ctx.Err()
	case <-f.done:
		res := f.snapshot()
		return res.value, res.err
	}
}

// Done exposes a channel that closes when the future resolves.
func (f *Future) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done
}

// OnComplete registers a callback invoked asynchronously once the future
// resolves. Registering after resolution still runs fn.
func (f *Future) OnComplete(fn func(value string, err error)) {
	if f == nil || fn == nil {
		return
	}
	cb := func(res futureResult) { fn(res.value, res.err) }
	f.mu.Lock()
	if f.completed {
		res := f.result
		f.mu.Unlock()
		go cb(res)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// withTimeout returns a future resolving with f's result, or with ErrTimeout
// when d elapses first. A zero d returns f unchanged.
func withTimeout(f *Future, d time.Duration) *Future {
	if d <= 0 {
		return f
	}
	out := NewFuture()
	timer := time.AfterFunc(d, func() {
		out.Complete("", ErrTimeout)
	})
	f.OnComplete(func(value string, err error) {
		timer.Stop()
		out.Complete(value, err)
	})
	return out
}
