// Package operation tracks the single in-flight command issued to an actuator.
package operation

import (
	"context"
	"sync"
)

// SingleOperationManager allows one operation at a time per actuator. Starting
// a new operation cancels the one in flight. Operations started from inside an
// operation's context are treated as part of it.
type SingleOperationManager struct {
	mu      sync.Mutex
	current *op
}

type op struct {
	cancel context.CancelFunc
}

type ctxKey byte

const ctxKeyOp = ctxKey(iota)

// New starts an operation, cancelling the previous one. The returned function
// must be called when the operation is finished.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	if ctx.Value(ctxKeyOp) != nil {
		return ctx, func() {}
	}

	sm.mu.Lock()
	sm.cancelInLock()

	theOp := &op{}
	ctx = context.WithValue(ctx, ctxKeyOp, theOp)
	ctx, theOp.cancel = context.WithCancel(ctx)
	sm.current = theOp
	sm.mu.Unlock()

	return ctx, func() {
		theOp.cancel()
		sm.mu.Lock()
		if sm.current == theOp {
			sm.current = nil
		}
		sm.mu.Unlock()
	}
}

// CancelRunning cancels the current operation unless ctx belongs to it.
func (sm *SingleOperationManager) CancelRunning(ctx context.Context) {
	if ctx.Value(ctxKeyOp) != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelInLock()
}

// OpRunning reports whether an operation is in flight.
func (sm *SingleOperationManager) OpRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current != nil
}

func (sm *SingleOperationManager) cancelInLock() {
	if sm.current == nil {
		return
	}
	sm.current.cancel()
	sm.current = nil
}
