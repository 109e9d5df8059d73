package issuance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Guard is a single-flight execution guard keyed by idempotency key.
// Concurrent callers for the same key share one execution; unrelated keys
// never wait on each other.
//
// The shared execution runs on a context detached from the callers'
// cancellation: a caller that stops waiting does not stop the work.
type Guard struct {
	group singleflight.Group
}

// NewGuard creates a new guard
func NewGuard() *Guard {
	return &Guard{}
}

// Do runs fn once for all concurrent callers of key and waits for it until ctx is done.
// shared reports whether the result was produced for more than one caller.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (v interface{}, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("guarded execution %s panicked: %v", key, r)
			}
		}()
		return fn(detached)
	})

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops key so the next caller starts a fresh execution
func (g *Guard) Forget(key string) {
	g.group.Forget(key)
}

// GuardDo is a typed wrapper around Guard.Do
func GuardDo[T any](ctx context.Context, g *Guard, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	v, shared, err := g.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, shared, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, shared, fmt.Errorf("guarded execution %s returned %T", key, v)
	}
	return typed, shared, nil
}

// ============================================================================
// Holder Scope
// ============================================================================

// HolderScope serializes work addressing the same holder account.
// It is a logical claim per key: acquiring waits only for the current
// holder of the same key and respects context cancellation.
type HolderScope struct {
	mu    sync.Mutex
	slots map[string]*holderSlot
}

type holderSlot struct {
	token chan struct{}
	refs  int
}

// NewHolderScope creates an empty holder scope
func NewHolderScope() *HolderScope {
	return &HolderScope{slots: make(map[string]*holderSlot)}
}

// Acquire claims key, waiting for any current claim to be released
func (h *HolderScope) Acquire(ctx context.Context, key string) (release func(), err error) {
	h.mu.Lock()
	slot, ok := h.slots[key]
	if !ok {
		slot = &holderSlot{token: make(chan struct{}, 1)}
		h.slots[key] = slot
	}
	slot.refs++
	h.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		h.unref(key, slot)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.token
			h.unref(key, slot)
		})
	}, nil
}

func (h *HolderScope) unref(key string, slot *holderSlot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(h.slots, key)
	}
}

// Active returns the number of keys currently claimed or awaited
func (h *HolderScope) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}
