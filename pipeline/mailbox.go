package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/n0remac/streamgraph/runtimedata"
)

// DefaultMailboxDepth is the bounded MPSC channel capacity used for every
// node's input/output queue unless a session overrides it (spec 4.G).
const DefaultMailboxDepth = 32

// BackpressurePolicy picks what happens when a mailbox is full.
type BackpressurePolicy int

const (
	// Await blocks the sender until the mailbox has room (the default: no
	// data loss).
	Await BackpressurePolicy = iota
	// DropOldest discards the oldest queued frame to make room for the new
	// one, counting drops in Dropped().
	DropOldest
)

// mailbox is a bounded MPSC channel with a configurable full-queue policy.
type mailbox struct {
	ch      chan runtimedata.Frame
	policy  BackpressurePolicy
	dropped atomic.Uint64
}

func newMailbox(depth int, policy BackpressurePolicy) *mailbox {
	if depth <= 0 {
		depth = DefaultMailboxDepth
	}
	return &mailbox{ch: make(chan runtimedata.Frame, depth), policy: policy}
}

// send delivers f, awaiting room (Await) or dropping the oldest queued frame
// to make room (DropOldest). Returns ctx.Err() if ctx is done first.
func (m *mailbox) send(ctx context.Context, f runtimedata.Frame) error {
	switch m.policy {
	case DropOldest:
		for {
			select {
			case m.ch <- f:
				return nil
			default:
			}
			select {
			case <-m.ch:
				m.dropped.Add(1)
			default:
			}
		}
	default: // Await
		select {
		case m.ch <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *mailbox) Dropped() uint64 {
	return m.dropped.Load()
}
