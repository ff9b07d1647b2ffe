// events.go - Socket event variants.
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
	"fmt"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/letter"
)

// Event is the tagged variant delivered on the socket's event stream.
type Event interface {
	// String returns a brief human readable description of the event.
	String() string
}

// ConnectingEvent is emitted when an outbound channel starts dialing.
type ConnectingEvent struct {
	Binding channel.Binding
}

// String returns a brief description of the event.
func (e *ConnectingEvent) String() string {
	return fmt.Sprintf("Connecting{%v}", e.Binding)
}

// ConnectedEvent is emitted after a channel completes its handshake.
type ConnectedEvent struct {
	Binding      channel.Binding
	RemoteNodeID letter.ID
}

// String returns a brief description of the event.
func (e *ConnectedEvent) String() string {
	return fmt.Sprintf("Connected{%v, %v}", e.Binding, e.RemoteNodeID)
}

// DisconnectedEvent is emitted when a channel's session is gone.
type DisconnectedEvent struct {
	Binding channel.Binding
	Reason  channel.DisconnectReason
}

// String returns a brief description of the event.
func (e *DisconnectedEvent) String() string {
	return fmt.Sprintf("Disconnected{%v, %v}", e.Binding, e.Reason)
}

// SentEvent is emitted once per delivered letter.
type SentEvent struct {
	Binding channel.Binding
	Letter  *letter.Letter
}

// String returns a brief description of the event.
func (e *SentEvent) String() string {
	return fmt.Sprintf("Sent{%v}", e.Binding)
}

// ReceivedEvent is emitted once per received user letter.
type ReceivedEvent struct {
	Binding channel.Binding
	Letter  *letter.Letter
}

// String returns a brief description of the event.
func (e *ReceivedEvent) String() string {
	return fmt.Sprintf("Received{%v}", e.Binding)
}

// DiscardedEvent is emitted when a letter is dropped for good, unless the
// letter asked for silence.
type DiscardedEvent struct {
	Binding channel.Binding
	Letter  *letter.Letter
}

// String returns a brief description of the event.
func (e *DiscardedEvent) String() string {
	return fmt.Sprintf("Discarded{%v}", e.Binding)
}

// RequeuedEvent is emitted when a failed letter re-enters the dispatcher.
type RequeuedEvent struct {
	Letter *letter.Letter
}

// String returns a brief description of the event.
func (e *RequeuedEvent) String() string {
	return "Requeued{}"
}

// DisposedEvent is the last event a socket emits.
type DisposedEvent struct{}

// String returns a brief description of the event.
func (e *DisposedEvent) String() string {
	return "Disposed{}"
}
