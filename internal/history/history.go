// Package history implements the append-only console byte history and the
// pattern-match waiter registry: each session worker owns one History, the
// read loop appends to it, and callers register Waiters that fire once a
// pattern has occurred at least N times after the waiter's registration
// offset.
package history

import (
	"sync"
	"time"
)

// History is an append-only byte buffer with a monotonically increasing
// logical offset. Bytes already returned to a caller are never rewritten;
// offsets remain valid for the process lifetime.
type History struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	waiters []*waiter
}

// New returns an empty History.
func New() *History {
	h := &History{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Append adds b to the end of the history, rescans every registered
// waiter's watched region, and wakes any goroutine blocked in Wait.
func (h *History) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, b...)
	for _, w := range h.waiters {
		w.scan(h.buf)
	}
	h.cond.Broadcast()
}

// Len returns the current logical length (== next Append's starting offset).
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// Since returns a copy of the bytes appended at or after offset.
func (h *History) Since(offset int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(h.buf) {
		return nil
	}
	out := make([]byte, len(h.buf)-offset)
	copy(out, h.buf[offset:])
	return out
}

// Range returns a copy of history[start:end]. end == -1 means "to the end".
func (h *History) Range(start, end int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if end < 0 || end > len(h.buf) {
		end = len(h.buf)
	}
	if start >= end {
		return nil
	}
	out := make([]byte, end-start)
	copy(out, h.buf[start:end])
	return out
}

// IndexFrom returns the offset of the first occurrence of pattern at or
// after from, or -1. It is a plain forward scan over the retained buffer.
func (h *History) IndexFrom(pattern []byte, from int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from > len(h.buf) {
		return -1
	}
	idx := indexOf(h.buf[from:], pattern)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// LastIndexFrom returns the offset of the last occurrence of pattern within
// history[from:to), or -1.
func (h *History) LastIndexFrom(pattern []byte, from, to int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if to < 0 || to > len(h.buf) {
		to = len(h.buf)
	}
	if from >= to {
		return -1
	}
	window := h.buf[from:to]
	best := -1
	for off := 0; ; {
		idx := indexOf(window[off:], pattern)
		if idx < 0 {
			break
		}
		best = off + idx
		off = best + 1
		if off >= len(window) {
			break
		}
	}
	if best < 0 {
		return -1
	}
	return from + best
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 {
		return 0
	}
	if len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Wait blocks until at least n non-overlapping occurrences of pattern have
// appeared in the history after the current length, or deadline passes.
// It returns the offset of the last occurrence counted when the target was
// reached (the n-th, unless one Append brought in more than needed), or
// ok == false on timeout.
func (h *History) Wait(pattern []byte, n int, deadline time.Time) (offset int, ok bool) {
	h.mu.Lock()
	from := len(h.buf)
	h.mu.Unlock()
	return h.WaitFrom(pattern, n, from, deadline)
}

// WaitFrom is Wait with an explicit registration offset instead of the
// history's length at call time. Callers that write a payload and then
// wait for its echo must capture their offset before the write, not after:
// otherwise bytes that arrive in the gap between writing and calling Wait
// are invisible to the waiter, which then needs a second occurrence of a
// pattern (e.g. a one-shot nonce) that will never come.
func (h *History) WaitFrom(pattern []byte, n, fromOffset int, deadline time.Time) (offset int, ok bool) {
	h.mu.Lock()
	if fromOffset < 0 {
		fromOffset = 0
	}
	w := newWaiter(pattern, n, fromOffset)
	w.scan(h.buf)
	h.waiters = append(h.waiters, w)
	defer h.removeWaiter(w)

	for !w.satisfied() {
		if time.Now().After(deadline) {
			h.mu.Unlock()
			return 0, false
		}
		// Wake periodically even without an Append so the deadline above
		// is re-checked; Cond has no WaitUntil, so a timer goroutine nudges it.
		timer := time.AfterFunc(time.Until(deadline), h.cond.Broadcast)
		h.cond.Wait()
		timer.Stop()
	}
	off := w.matchOffset
	h.mu.Unlock()
	return off, true
}

func (h *History) removeWaiter(w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.waiters {
		if cur == w {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}

// waiter tracks one registered pattern-count wait. Must only be touched
// while the owning History's mutex is held. It rescans history[registeredAt:]
// in full on every Append; console histories in this domain are small
// (kilobytes to a few megabytes for a whole test run), so a Horspool pass
// over the watched tail is cheap compared to the I/O that produced it, and
// full rescans sidestep the bookkeeping a pattern straddling two Append
// calls would otherwise require.
type waiter struct {
	pattern      []byte
	target       int
	registeredAt int
	count        int
	matchOffset  int
	badChar      [256]int // Boyer-Moore-Horspool shift table
}

func newWaiter(pattern []byte, target, registeredAt int) *waiter {
	w := &waiter{pattern: pattern, target: target, registeredAt: registeredAt}
	for i := range w.badChar {
		w.badChar[i] = len(pattern)
	}
	for i := 0; i < len(pattern)-1; i++ {
		w.badChar[pattern[i]] = len(pattern) - 1 - i
	}
	return w
}

func (w *waiter) satisfied() bool { return w.count >= w.target }

// scan recomputes the match count over history[registeredAt:len(buf)],
// using non-overlapping Horspool matching.
func (w *waiter) scan(buf []byte) {
	m := len(w.pattern)
	if m == 0 || w.registeredAt >= len(buf) {
		return
	}
	window := buf[w.registeredAt:]
	count := 0
	matchOffset := 0
	i := 0
	for i+m <= len(window) {
		if equal(window[i:i+m], w.pattern) {
			count++
			matchOffset = w.registeredAt + i
			i += m // non-overlapping semantics
			continue
		}
		shift := w.badChar[window[i+m-1]]
		if shift < 1 {
			shift = 1
		}
		i += shift
	}
	w.count = count
	if count > 0 {
		w.matchOffset = matchOffset
	}
}
