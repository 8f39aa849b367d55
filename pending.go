package imgcache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token identifies one dispatched load. Tokens are unique within the
// process and never zero.
type Token uint64

var lastToken atomic.Uint64

// PendingSlot records the load a sink is currently waiting for. A sink
// embeds or owns one slot; the Loader uses it to decide whether a finished
// result is still wanted. The slot never holds the sink or the result.
//
// The zero value is an empty slot.
type PendingSlot struct {
	// deliverMu orders deliveries so that a stale result can never land
	// after a newer one.
	deliverMu sync.Mutex

	mu     sync.Mutex
	token  Token
	key    string
	cancel context.CancelFunc
}

// Issue makes key the slot's pending load and returns its token. A
// different pending load is cancelled. Issue reports false, and changes
// nothing, when a load for the same key is already pending.
func (s *PendingSlot) Issue(key string, cancel context.CancelFunc) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != 0 && s.key == key {
		return 0, false
	}
	if s.cancel != nil {
		s.cancel()
	}
	t := Token(lastToken.Add(1))
	s.token, s.key, s.cancel = t, key, cancel
	return t, true
}

// Current returns the pending token and key. The token is zero when
// nothing is pending.
func (s *PendingSlot) Current() (Token, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.key
}

// Pending reports whether a load for key is pending.
func (s *PendingSlot) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != 0 && s.key == key
}

// Complete clears the slot if t is still its pending token and reports
// whether it was.
func (s *PendingSlot) Complete(t Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == 0 || s.token != t {
		return false
	}
	s.clearLocked()
	return true
}

// Cancel cancels and clears the pending load. It reports whether one was
// pending.
func (s *PendingSlot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == 0 {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.clearLocked()
	return true
}

func (s *PendingSlot) clearLocked() {
	s.token, s.key, s.cancel = 0, "", nil
}

// deliver runs fn if t is still pending, clearing the slot first.
func (s *PendingSlot) deliver(t Token, fn func()) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.Complete(t) {
		return false
	}
	fn()
	return true
}

// deliverNow cancels whatever is pending and runs fn. It is used for
// results that need no background work.
func (s *PendingSlot) deliverNow(fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	s.Cancel()
	fn()
}
