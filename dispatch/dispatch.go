// dispatch.go - Typed handler façade over a socket.
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

// Package dispatch routes letters to typed handlers. Applications register
// a message factory and a handler per type tag; outgoing messages are CBOR
// serialized into a User letter whose first part carries the tag, incoming
// letters are decoded and handed to the matching handler.
package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/core/worker"
	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/socket"
)

const tagSize = 2

var (
	// ErrDuplicateTag is returned when a tag is registered twice.
	ErrDuplicateTag = errors.New("dispatch: tag already registered")

	// ErrNotRegistered is returned when sending a tag with no
	// registration.
	ErrNotRegistered = errors.New("dispatch: tag not registered")
)

// Message is the serialization contract for application payloads. The cbor
// helpers in this package satisfy it for any struct.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// Handler consumes one decoded message. Handlers run on the dispatch
// worker and must not block.
type Handler func(from channel.Binding, msg Message)

type registration struct {
	factory func() Message
	handler Handler
}

// Dispatcher is the typed façade over one socket.
type Dispatcher struct {
	worker.Worker

	log  *logging.Logger
	sock *socket.Socket

	mu   sync.RWMutex
	regs map[uint16]*registration

	passMu sync.Mutex
	passCh chan socket.Event
}

// New creates a Dispatcher over sock and starts consuming its event
// stream.
func New(sock *socket.Socket, log *logging.Logger) *Dispatcher {
	d := &Dispatcher{
		log:  log,
		sock: sock,
		regs: make(map[uint16]*registration),
	}
	d.Go(d.eventWorker)
	return d
}

// Events returns the socket events the dispatcher has consumed, letter
// events included. The stream only flows once requested, and callers that
// request it must drain it; it closes when the socket is disposed.
func (d *Dispatcher) Events() <-chan socket.Event {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	if d.passCh == nil {
		d.passCh = make(chan socket.Event)
	}
	return d.passCh
}

func (d *Dispatcher) passthrough() chan socket.Event {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	return d.passCh
}

// Register binds a message factory and handler to the tag.
func (d *Dispatcher) Register(tag uint16, factory func() Message, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regs[tag]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateTag, tag)
	}
	d.regs[tag] = &registration{factory: factory, handler: h}
	return nil
}

// Send serializes msg under the tag and enqueues it with the given letter
// options.
func (d *Dispatcher) Send(tag uint16, msg Message, options letter.Options) error {
	l, err := d.compose(tag, msg, options)
	if err != nil {
		return err
	}
	return d.sock.Send(l)
}

// SendTo serializes msg under the tag and routes it to the peer that
// advertised nodeID.
func (d *Dispatcher) SendTo(tag uint16, msg Message, options letter.Options, nodeID letter.ID) error {
	l, err := d.compose(tag, msg, options)
	if err != nil {
		return err
	}
	return d.sock.SendTo(l, nodeID)
}

func (d *Dispatcher) compose(tag uint16, msg Message, options letter.Options) (*letter.Letter, error) {
	d.mu.RLock()
	_, ok := d.regs[tag]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotRegistered, tag)
	}

	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	var tagBuf [tagSize]byte
	binary.LittleEndian.PutUint16(tagBuf[:], tag)
	return letter.New(options, tagBuf[:], body), nil
}

func (d *Dispatcher) eventWorker() {
	defer func() {
		if ch := d.passthrough(); ch != nil {
			close(ch)
		}
	}()

	for {
		var ev socket.Event
		var ok bool
		select {
		case <-d.HaltCh():
			return
		case ev, ok = <-d.sock.EventSink():
			if !ok {
				return
			}
		}

		if recv, isRecv := ev.(*socket.ReceivedEvent); isRecv {
			d.route(recv)
		}

		if ch := d.passthrough(); ch != nil {
			select {
			case <-d.HaltCh():
				return
			case ch <- ev:
			}
		}
	}
}

func (d *Dispatcher) route(ev *socket.ReceivedEvent) {
	payloads := ev.Letter.Payloads()
	if len(payloads) != 2 || len(payloads[0]) != tagSize {
		d.log.Debugf("Untagged letter from %v, %d parts", ev.Binding, len(payloads))
		return
	}
	tag := binary.LittleEndian.Uint16(payloads[0])

	d.mu.RLock()
	reg := d.regs[tag]
	d.mu.RUnlock()
	if reg == nil {
		d.log.Warningf("No handler for tag %d", tag)
		return
	}

	msg := reg.factory()
	if err := msg.Unmarshal(payloads[1]); err != nil {
		d.log.Errorf("Failed to decode tag %d message: %v", tag, err)
		return
	}
	reg.handler(ev.Binding, msg)
}
