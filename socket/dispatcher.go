// dispatcher.go - Letter to channel matching.
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
	"container/list"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/core/worker"
	"github.com/hyperletter/hyperletter/letter"
)

// outlet is the send surface the dispatcher matches letters against: a
// channel, or its batching decorator.
type outlet interface {
	Binding() channel.Binding
	Connected() bool
	Enqueue(l *letter.Letter) bool
	Halt()
}

// dispatcher matches queued letters against ready channels. Both queues are
// FIFO; a channel is a member of the ready queue at most once.
type dispatcher struct {
	worker.Worker

	log    *logging.Logger
	socket *Socket

	mu       sync.Mutex
	letters  *list.List
	ready    *list.List
	readySet map[outlet]bool

	wakeCh chan interface{}
}

func newDispatcher(s *Socket, log *logging.Logger) *dispatcher {
	d := &dispatcher{
		log:      log,
		socket:   s,
		letters:  list.New(),
		ready:    list.New(),
		readySet: make(map[outlet]bool),
		wakeCh:   make(chan interface{}, 1),
	}
	d.Go(d.matchWorker)
	return d
}

// enqueueLetter appends a letter to the pending queue.
func (d *dispatcher) enqueueLetter(l *letter.Letter) {
	d.mu.Lock()
	d.letters.PushBack(l)
	d.mu.Unlock()
	d.wake()
}

// channelReady appends an available channel to the ready queue, keeping
// membership unique.
func (d *dispatcher) channelReady(o outlet) {
	d.mu.Lock()
	if !d.readySet[o] {
		d.readySet[o] = true
		d.ready.PushBack(o)
	}
	d.mu.Unlock()
	d.wake()
}

// channelGone evicts a channel that can no longer take letters.
func (d *dispatcher) channelGone(o outlet) {
	d.mu.Lock()
	if d.readySet[o] {
		delete(d.readySet, o)
		for e := d.ready.Front(); e != nil; e = e.Next() {
			if e.Value.(outlet) == o {
				d.ready.Remove(e)
				break
			}
		}
	}
	d.mu.Unlock()
}

func (d *dispatcher) wake() {
	select {
	case d.wakeCh <- true:
	default:
	}
}

func (d *dispatcher) matchWorker() {
	for {
		select {
		case <-d.HaltCh():
			return
		case <-d.wakeCh:
		}
		d.match()
	}
}

// match pairs letters with channels until one of the queues runs dry.
// Unicast letters take the longest-waiting ready channel; multicast letters
// fan out over a snapshot of every connected channel.
func (d *dispatcher) match() {
	for {
		d.mu.Lock()
		front := d.letters.Front()
		if front == nil {
			d.mu.Unlock()
			return
		}
		l := front.Value.(*letter.Letter)

		if l.Options&letter.OptMulticast != 0 {
			d.letters.Remove(front)
			d.mu.Unlock()
			d.socket.multicast(l)
			continue
		}

		var o outlet
		for o == nil {
			e := d.ready.Front()
			if e == nil {
				d.mu.Unlock()
				return
			}
			d.ready.Remove(e)
			cand := e.Value.(outlet)
			delete(d.readySet, cand)
			// A channel may have died between becoming ready and being
			// popped; the letter stays queued for the next one.
			if cand.Connected() {
				o = cand
			} else {
				d.log.Debugf("Skipping dead channel %v", cand.Binding())
			}
		}
		d.letters.Remove(front)
		d.mu.Unlock()

		if !o.Enqueue(l) {
			d.socket.handleFailed(o.Binding(), l)
		}
	}
}
