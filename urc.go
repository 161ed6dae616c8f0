package atsock

import (
	"bytes"
	"sync/atomic"
)

// URCHandler handles an unsolicited result code.
//
// HandleURC runs on the receiver goroutine. It must not execute commands on
// d (that would deadlock the receiver) but it may read a payload of known
// length with d.UnsafeRead or d.ReceivePayload. The data slice is valid only
// until HandleURC returns.
type URCHandler interface {
	HandleURC(d *Device, data []byte)
}

// URCFunc is an adapter that allows the use of ordinary functions as URC
// handlers.
type URCFunc func(d *Device, data []byte)

func (f URCFunc) HandleURC(d *Device, data []byte) { f(d, data) }

// URC is a rule that recognizes an unsolicited result code. Received data
// matches the rule if it starts with Prefix and ends with Suffix. An empty
// Prefix matches any beginning, so the rule fires on Suffix alone.
type URC struct {
	Prefix  string
	Suffix  string
	Handler URCHandler
}

func (u *URC) match(data []byte) bool {
	if len(data) < len(u.Prefix)+len(u.Suffix) {
		return false
	}
	if u.Prefix == "" && u.Suffix == "" {
		return false
	}
	return bytes.HasPrefix(data, []byte(u.Prefix)) &&
		bytes.HasSuffix(data, []byte(u.Suffix))
}

// urcTable is an ordered, copy on write set of rules. The first matching
// rule wins.
type urcTable struct {
	rules atomic.Pointer[[]URC]
}

func (t *urcTable) add(rules ...URC) {
	for {
		old := t.rules.Load()
		var cur []URC
		if old != nil {
			cur = *old
		}
		next := make([]URC, 0, len(cur)+len(rules))
		next = append(append(next, cur...), rules...)
		if t.rules.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (t *urcTable) match(data []byte) *URC {
	rules := t.rules.Load()
	if rules == nil {
		return nil
	}
	for i := range *rules {
		if u := &(*rules)[i]; u.match(data) {
			return u
		}
	}
	return nil
}
