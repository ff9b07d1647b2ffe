// transmitter.go - Letter transmitter.
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

// Package wire moves letters over one TCP connection: a Transmitter writes
// frames, a Receiver decodes them. Both are single-connection, single-worker
// components owned by a channel.
package wire

import (
	"net"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/core/worker"
	"github.com/hyperletter/hyperletter/letter"
)

// Transmitter writes letters to one connection, one letter at a time, in
// enqueue order.
type Transmitter struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	queue  *channels.InfiniteChannel
	sentCh chan *letter.Letter
	errCh  chan error
}

// NewTransmitter creates a Transmitter over conn and starts its write
// worker.
func NewTransmitter(conn net.Conn, log *logging.Logger) *Transmitter {
	t := &Transmitter{
		log:    log,
		conn:   conn,
		queue:  channels.NewInfiniteChannel(),
		sentCh: make(chan *letter.Letter),
		errCh:  make(chan error, 1),
	}
	t.Go(t.writeWorker)
	return t
}

// Enqueue hands the letter to the write worker. The letter's id is assigned
// here if its options call for one. Must not be called after Shutdown.
func (t *Transmitter) Enqueue(l *letter.Letter) {
	l.EnsureID()
	t.queue.In() <- l
}

// Shutdown stops the write worker and returns the letters that were still
// queued, in order. The connection must be closed first so that a blocked
// write unblocks.
func (t *Transmitter) Shutdown() []*letter.Letter {
	t.Halt()
	t.queue.Close()
	var leftover []*letter.Letter
	for raw := range t.queue.Out() {
		leftover = append(leftover, raw.(*letter.Letter))
	}
	return leftover
}

// SentCh delivers each letter after its bytes have been handed to the OS,
// in write order.
func (t *Transmitter) SentCh() <-chan *letter.Letter {
	return t.sentCh
}

// ErrCh delivers at most one error, after which the worker has stopped.
func (t *Transmitter) ErrCh() <-chan error {
	return t.errCh
}

func (t *Transmitter) writeWorker() {
	for {
		var l *letter.Letter
		select {
		case <-t.HaltCh():
			return
		case raw := <-t.queue.Out():
			l = raw.(*letter.Letter)
		}

		raw, err := l.Marshal()
		if err == nil {
			_, err = t.conn.Write(raw)
		}
		if err != nil {
			t.log.Debugf("Write failed: %v", err)
			t.errCh <- err
			return
		}

		select {
		case <-t.HaltCh():
			return
		case t.sentCh <- l:
		}
	}
}
