// receiver.go - Letter receiver.
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

package wire

import (
	"net"

	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/core/worker"
	"github.com/hyperletter/hyperletter/letter"
)

// Receiver decodes letters off one connection and yields them in arrival
// order. On I/O or codec failure it yields one error and stops.
type Receiver struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	letterCh chan *letter.Letter
	errCh    chan error
}

// NewReceiver creates a Receiver over conn and starts its read worker.
func NewReceiver(conn net.Conn, log *logging.Logger) *Receiver {
	r := &Receiver{
		log:      log,
		conn:     conn,
		letterCh: make(chan *letter.Letter),
		errCh:    make(chan error, 1),
	}
	r.Go(r.readWorker)
	return r
}

// LetterCh delivers decoded letters in arrival order.
func (r *Receiver) LetterCh() <-chan *letter.Letter {
	return r.letterCh
}

// ErrCh delivers at most one error, after which the worker has stopped.
func (r *Receiver) ErrCh() <-chan error {
	return r.errCh
}

func (r *Receiver) readWorker() {
	dec := letter.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			for {
				l, derr := dec.Next()
				if derr != nil {
					r.log.Debugf("Malformed frame: %v", derr)
					r.errCh <- derr
					return
				}
				if l == nil {
					break
				}
				select {
				case <-r.HaltCh():
					return
				case r.letterCh <- l:
				}
			}
		}
		if err != nil {
			select {
			case <-r.HaltCh():
			default:
				r.log.Debugf("Read failed: %v", err)
				r.errCh <- err
			}
			return
		}
	}
}
