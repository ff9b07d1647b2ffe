// listener.go - TCP listener producing inbound channels.
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
	"net"

	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/core/worker"
)

// Listener accepts TCP connections for one binding and hands them to the
// owner. Accepted channels outlive the listener.
type Listener struct {
	worker.Worker

	log     *logging.Logger
	binding Binding
	ln      net.Listener

	onAccept func(conn net.Conn)
}

// NewListener starts listening on the binding. A bind failure (such as the
// address being in use) is returned synchronously.
func NewListener(b Binding, onAccept func(net.Conn), log *logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", b.String())
	if err != nil {
		return nil, err
	}
	l := &Listener{
		log:      log,
		binding:  b,
		ln:       ln,
		onAccept: onAccept,
	}
	l.Go(l.acceptWorker)
	l.Go(l.haltWorker)
	return l, nil
}

// Binding returns the bound endpoint.
func (l *Listener) Binding() Binding {
	return l.binding
}

func (l *Listener) haltWorker() {
	<-l.HaltCh()
	l.ln.Close()
}

func (l *Listener) acceptWorker() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.HaltCh():
			default:
				l.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		l.log.Debugf("Accepted connection from %v", conn.RemoteAddr())
		l.onAccept(conn)
	}
}
