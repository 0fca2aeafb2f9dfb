package session

import "sync/atomic"

// pendingCall is one outstanding Submit. The first resolve wins.
type pendingCall struct {
	resolved atomic.Bool
	done     chan error
}

func newPendingCall() *pendingCall {
	return &pendingCall{done: make(chan error, 1)}
}

// resolve delivers err if the call is still open and reports whether it did.
func (c *pendingCall) resolve(err error) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.done <- err
	return true
}
