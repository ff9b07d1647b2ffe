// heartbeat.go - Channel keep-alive and liveness sweep.
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

package socket

import (
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/core/worker"
)

// hbEntry tracks one connected channel in the liveness tree. deadline is
// the projection of when the peer becomes overdue; the sweep re-checks the
// channel's actual read time before acting on it.
type hbEntry struct {
	ch       *channel.Channel
	deadline time.Time
	seq      uint64

	node *avl.Node
}

// heartbeat runs the single keep-alive timer: every interval it prompts
// idle channels to emit a Heartbeat letter and disconnects peers that have
// been silent for MaxMissed intervals.
type heartbeat struct {
	worker.Worker
	sync.Mutex

	log *logging.Logger
	cfg *config.Config

	deadlines *avl.Tree
	entries   map[*channel.Channel]*hbEntry
	seq       uint64
}

func newHeartbeat(cfg *config.Config, log *logging.Logger) *heartbeat {
	h := &heartbeat{
		log:     log,
		cfg:     cfg,
		entries: make(map[*channel.Channel]*hbEntry),
	}
	h.deadlines = avl.New(func(a, b interface{}) int {
		entA, entB := a.(*hbEntry), b.(*hbEntry)
		switch {
		case entA.deadline.Before(entB.deadline):
			return -1
		case entA.deadline.After(entB.deadline):
			return 1
		case entA.seq < entB.seq:
			return -1
		case entA.seq > entB.seq:
			return 1
		default:
			return 0
		}
	})
	h.Go(h.tickWorker)
	return h
}

func (h *heartbeat) livenessWindow() time.Duration {
	return time.Duration(h.cfg.Heartbeat.MaxMissed) * h.cfg.Heartbeat.Interval()
}

// register starts watching a channel that just finished its handshake.
func (h *heartbeat) register(ch *channel.Channel) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.entries[ch]; ok {
		return
	}
	h.seq++
	ent := &hbEntry{
		ch:       ch,
		deadline: time.Now().Add(h.livenessWindow()),
		seq:      h.seq,
	}
	ent.node = h.deadlines.Insert(ent)
	h.entries[ch] = ent
}

// unregister stops watching a disconnected channel.
func (h *heartbeat) unregister(ch *channel.Channel) {
	h.Lock()
	defer h.Unlock()

	ent, ok := h.entries[ch]
	if !ok {
		return
	}
	delete(h.entries, ch)
	h.deadlines.Remove(ent.node)
	ent.node = nil
}

func (h *heartbeat) tickWorker() {
	ticker := time.NewTicker(h.cfg.Heartbeat.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-h.HaltCh():
			return
		case <-ticker.C:
		}
		h.sweep()
		h.prompt()
	}
}

// sweep walks the deadline tree in order and disconnects every channel
// whose peer has been silent past the liveness window. Entries whose
// deadline was only a stale projection are refreshed instead.
func (h *heartbeat) sweep() {
	h.Lock()
	defer h.Unlock()

	if h.deadlines.Len() == 0 {
		return
	}

	now := time.Now()
	var refresh []*hbEntry
	iter := h.deadlines.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ent := node.Value.(*hbEntry)
		if ent.deadline.After(now) {
			break
		}

		actual := ent.ch.LastReadAt().Add(h.livenessWindow())
		if actual.After(now) {
			// The peer spoke since the deadline was projected; the entry
			// just needs a new slot in the tree.
			ent.deadline = actual
			refresh = append(refresh, ent)
			// Modification is unsupported except removing the current
			// node; re-insertion happens after the walk.
			h.deadlines.Remove(node)
			continue
		}

		h.log.Debugf("Peer %v silent for %v, disconnecting", ent.ch.Binding(), now.Sub(ent.ch.LastReadAt()))
		delete(h.entries, ent.ch)
		h.deadlines.Remove(node)
		ent.ch.ForceDisconnect(channel.ReasonSocket)
	}
	for _, ent := range refresh {
		ent.node = h.deadlines.Insert(ent)
	}
}

// prompt pokes every watched channel that has not written for at least one
// interval; the channel itself re-checks that its queue is empty.
func (h *heartbeat) prompt() {
	h.Lock()
	defer h.Unlock()

	now := time.Now()
	for ch := range h.entries {
		if !ch.Connected() {
			continue
		}
		if now.Sub(ch.LastWriteAt()) >= h.cfg.Heartbeat.Interval() && ch.QueueLen() == 0 {
			ch.TriggerHeartbeat()
		}
	}
}
