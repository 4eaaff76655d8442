// Package promise provides the reply slot used for asynchronous shard calls.
// The issuing goroutine hands a promise to the transport, blocks in Wait, and
// the reply path resolves it exactly once from another goroutine.
package promise

import (
	"sync"
	"time"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/timestamp"
)

// Promise holds the eventual reply of one outstanding shard call. A promise
// whose deadline passes before resolution settles as reply.Timeout, and any
// reply arriving after that is dropped.
type Promise struct {
	done     chan struct{}
	deadline time.Time

	mu       sync.Mutex
	settled  bool
	status   reply.Status
	value    string
	version  timestamp.Timestamp
	proposed timestamp.Timestamp
}

// New returns an unresolved promise. A positive timeout sets the deadline
// relative to now; zero or negative means Wait blocks until resolution.
func New(timeout time.Duration) *Promise {
	p := &Promise{done: make(chan struct{})}
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
	}
	return p
}

// Deadline returns the time after which the promise settles as a timeout,
// or the zero time if none was set.
func (p *Promise) Deadline() time.Time {
	return p.deadline
}

// Resolve settles the promise with a bare status. It reports whether this
// call was the one that settled it.
func (p *Promise) Resolve(st reply.Status) bool {
	return p.settle(st, "", timestamp.Timestamp{}, timestamp.Timestamp{})
}

// ResolveRead settles the promise with a read result: the value and the
// version timestamp it was written at.
func (p *Promise) ResolveRead(st reply.Status, value string, version timestamp.Timestamp) bool {
	return p.settle(st, value, version, timestamp.Timestamp{})
}

// ResolvePrepare settles the promise with a prepare vote. For reply.Retry the
// shard's counter-proposed timestamp rides along.
func (p *Promise) ResolvePrepare(st reply.Status, proposed timestamp.Timestamp) bool {
	return p.settle(st, "", timestamp.Timestamp{}, proposed)
}

// Expire settles the promise as reply.Timeout if it has not settled yet.
func (p *Promise) Expire() bool {
	return p.settle(reply.Timeout, "", timestamp.Timestamp{}, timestamp.Timestamp{})
}

func (p *Promise) settle(st reply.Status, value string, version, proposed timestamp.Timestamp) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.status = st
	p.value = value
	p.version = version
	p.proposed = proposed
	close(p.done)
	return true
}

// Wait blocks until the promise settles or its deadline passes and returns
// the final status. Payload accessors are valid once Wait has returned.
func (p *Promise) Wait() reply.Status {
	if p.deadline.IsZero() {
		<-p.done
	} else {
		d := time.Until(p.deadline)
		if d <= 0 {
			p.Expire()
		} else {
			t := time.NewTimer(d)
			select {
			case <-p.done:
				t.Stop()
			case <-t.C:
				p.Expire()
			}
		}
		// A reply racing the deadline may have settled first; either
		// way the channel is closed now.
		<-p.done
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Value returns the read payload.
func (p *Promise) Value() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Version returns the version timestamp of a read value.
func (p *Promise) Version() timestamp.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Proposed returns the timestamp a shard counter-proposed with reply.Retry.
func (p *Promise) Proposed() timestamp.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proposed
}
