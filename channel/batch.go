// batch.go - Letter batching decorator.
// Copyright (C) 2023  The Hyperletter Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package channel

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/internal/instrument"
	"github.com/hyperletter/hyperletter/letter"
)

// batchTarget is the slice of Channel a Batcher drives.
type batchTarget interface {
	Binding() Binding
	Connected() bool
	Enqueue(l *letter.Letter) bool
	Halt()
}

// pendingBatch tracks one flushed batch until its outcome is known.
type pendingBatch struct {
	batch *letter.Letter
	inner []*letter.Letter
}

// Batcher decorates a channel, coalescing enqueued letters into Batch
// letters. Batches travel NoAck; an Ack requested on an inner letter is not
// honored on the wire, but Sent and FailedToSend are still reported per
// inner letter, in order.
type Batcher struct {
	log    *logging.Logger
	cfg    *config.Config
	events Events

	mu      sync.Mutex
	inner   batchTarget
	buffer  []*letter.Letter
	pending []*pendingBatch
}

var _ Events = (*Batcher)(nil)

// NewBatcher creates a batching decorator that reports to events. The
// decorated channel must be handed over via Attach before letters flow, and
// must use the Batcher as its own event sink.
func NewBatcher(cfg *config.Config, events Events, log *logging.Logger) *Batcher {
	return &Batcher{
		log:    log,
		cfg:    cfg,
		events: events,
	}
}

// Attach hands the decorated channel to the Batcher.
func (bt *Batcher) Attach(inner batchTarget) {
	bt.mu.Lock()
	bt.inner = inner
	bt.mu.Unlock()
}

// Binding returns the decorated channel's binding.
func (bt *Batcher) Binding() Binding {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.inner.Binding()
}

// Connected reports the decorated channel's state.
func (bt *Batcher) Connected() bool {
	bt.mu.Lock()
	inner := bt.inner
	bt.mu.Unlock()
	return inner != nil && inner.Connected()
}

// Halt stops the decorated channel.
func (bt *Batcher) Halt() {
	bt.mu.Lock()
	inner := bt.inner
	bt.mu.Unlock()
	if inner != nil {
		inner.Halt()
	}
}

// Enqueue buffers the letter and flushes the buffer once it holds
// MaxLettersInBatch letters. It reports false when the decorated channel is
// gone for good.
func (bt *Batcher) Enqueue(l *letter.Letter) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.inner == nil {
		return false
	}
	l.EnsureID()
	bt.buffer = append(bt.buffer, l)
	if len(bt.buffer) >= bt.cfg.Batch.MaxLettersInBatch {
		bt.flushLocked()
	}
	// The buffer has room regardless of what the wire is doing, so the
	// dispatcher may hand over the next letter immediately.
	bt.events.OnAvailable(bt.inner.Binding())
	return true
}

// flushLocked wraps up to MaxExtendedBatch buffered letters into one Batch
// letter and hands it to the channel. Callers hold bt.mu.
func (bt *Batcher) flushLocked() {
	n := len(bt.buffer)
	if n == 0 {
		return
	}
	if max := bt.cfg.MaxExtendedBatch(); n > max {
		n = max
	}
	chunk := bt.buffer[:n]
	rest := make([]*letter.Letter, len(bt.buffer)-n)
	copy(rest, bt.buffer[n:])

	b, err := letter.NewBatch(chunk)
	if err != nil {
		bt.log.Errorf("Batch serialization failed: %v", err)
		bt.buffer = rest
		for _, il := range chunk {
			bt.events.OnFailedToSend(bt.inner.Binding(), il)
		}
		return
	}
	bt.buffer = rest
	bt.pending = append(bt.pending, &pendingBatch{batch: b, inner: chunk})
	instrument.BatchFlushed()
	if !bt.inner.Enqueue(b) {
		bt.takePendingLocked(b)
		for _, il := range chunk {
			bt.events.OnFailedToSend(bt.inner.Binding(), il)
		}
	}
}

// takePendingLocked removes and returns the pending entry for the batch.
func (bt *Batcher) takePendingLocked(b *letter.Letter) *pendingBatch {
	for i, p := range bt.pending {
		if p.batch == b {
			bt.pending = append(bt.pending[:i], bt.pending[i+1:]...)
			return p
		}
	}
	return nil
}

// OnConnecting implements Events.
func (bt *Batcher) OnConnecting(b Binding) {
	bt.events.OnConnecting(b)
}

// OnConnected implements Events.
func (bt *Batcher) OnConnected(b Binding, remoteID letter.ID) {
	bt.events.OnConnected(b, remoteID)
}

// OnAvailable flushes whatever has accumulated and then surfaces the
// availability to the dispatcher.
func (bt *Batcher) OnAvailable(b Binding) {
	bt.mu.Lock()
	if bt.inner != nil {
		bt.flushLocked()
	}
	bt.mu.Unlock()
	bt.events.OnAvailable(b)
}

// OnSent translates a delivered batch into per-inner Sent events, in order.
func (bt *Batcher) OnSent(b Binding, l *letter.Letter) {
	if l.Type != letter.Batch {
		bt.events.OnSent(b, l)
		return
	}
	bt.mu.Lock()
	p := bt.takePendingLocked(l)
	bt.mu.Unlock()
	if p == nil {
		bt.log.Warningf("Sent for unknown batch %v", l.ID)
		return
	}
	for _, il := range p.inner {
		bt.events.OnSent(b, il)
	}
}

// OnReceived implements Events.
func (bt *Batcher) OnReceived(b Binding, l *letter.Letter) {
	bt.events.OnReceived(b, l)
}

// OnFailedToSend translates a failed batch into per-inner failures, in
// order.
func (bt *Batcher) OnFailedToSend(b Binding, l *letter.Letter) {
	if l.Type != letter.Batch {
		bt.events.OnFailedToSend(b, l)
		return
	}
	bt.mu.Lock()
	p := bt.takePendingLocked(l)
	bt.mu.Unlock()
	if p == nil {
		return
	}
	for _, il := range p.inner {
		bt.events.OnFailedToSend(b, il)
	}
}

// OnDisconnected fails the unflushed buffer and forwards the disconnect.
func (bt *Batcher) OnDisconnected(b Binding, reason DisconnectReason) {
	bt.mu.Lock()
	buffered := bt.buffer
	bt.buffer = nil
	bt.mu.Unlock()
	for _, il := range buffered {
		bt.events.OnFailedToSend(b, il)
	}
	bt.events.OnDisconnected(b, reason)
}
