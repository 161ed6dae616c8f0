package atsock

import (
	"sync"
	"time"
)

// Socket event kinds.
const (
	EvSendOK uint32 = 1 << iota
	EvRecvOK
	EvCloseOK
	EvSendFail
	EvSendAccepted
)

// Events is a set of event flag words, one per socket id. Flags of
// different sockets never interact.
type Events struct {
	mu      sync.Mutex
	flags   map[int]uint32
	changed chan struct{}
}

func newEvents() *Events {
	return &Events{flags: make(map[int]uint32), changed: make(chan struct{})}
}

// Set sets the bits of the socket id flag word and wakes up waiters.
func (e *Events) Set(id int, bits uint32) {
	e.mu.Lock()
	e.flags[id] |= bits
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()
}

// Clear clears the mask bits of the socket id flag word.
func (e *Events) Clear(id int, mask uint32) {
	e.mu.Lock()
	e.flags[id] &^= mask
	e.mu.Unlock()
}

// Wait waits up to timeout for any of the mask bits of the socket id flag
// word. It returns the bits that were set and clears exactly these bits.
func (e *Events) Wait(id int, mask uint32, timeout time.Duration) (uint32, error) {
	tim := time.NewTimer(timeout)
	defer tim.Stop()
	for {
		e.mu.Lock()
		if got := e.flags[id] & mask; got != 0 {
			e.flags[id] &^= got
			e.mu.Unlock()
			return got, nil
		}
		changed := e.changed
		e.mu.Unlock()
		select {
		case <-changed:
		case <-tim.C:
			return 0, ErrTimeout
		}
	}
}
