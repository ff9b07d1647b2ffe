// socket.go - Socket façade.
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

// Package socket is the public surface of hyperletter: bind and dial
// endpoints, enqueue letters, and observe delivery outcomes on the event
// stream.
package socket

import (
	"errors"
	"net"
	"sync"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/core/log"
	"github.com/hyperletter/hyperletter/internal/instrument"
	"github.com/hyperletter/hyperletter/letter"
)

var (
	// ErrSocketClosed is returned by operations on a disposed socket.
	ErrSocketClosed = errors.New("socket: closed")
)

// Socket holds any number of bound and dialed endpoints and routes letters
// between the application and their channels.
type Socket struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	listeners sync.Map // channel.Binding -> *channel.Listener
	outlets   sync.Map // channel.Binding -> outlet
	inner     sync.Map // channel.Binding -> *channel.Channel
	routes    sync.Map // letter.ID -> outlet
	nodeIDs   sync.Map // channel.Binding -> letter.ID

	dispatcher *dispatcher
	heartbeat  *heartbeat

	eventQueue *channels.InfiniteChannel
	eventCh    chan Event
	eventMu    sync.RWMutex
	eventsDone bool

	closeOnce sync.Once
}

// New creates a Socket from the (possibly nil) configuration.
func New(cfg *config.Config) (*Socket, error) {
	if cfg == nil {
		cfg = config.Default()
	} else if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("socket"),
		eventQueue: channels.NewInfiniteChannel(),
		eventCh:    make(chan Event),
	}
	s.dispatcher = newDispatcher(s, logBackend.GetLogger("dispatcher"))
	s.heartbeat = newHeartbeat(cfg, logBackend.GetLogger("heartbeat"))
	go s.eventPump()
	return s, nil
}

// NodeID returns the identifier this socket advertises during handshakes.
func (s *Socket) NodeID() letter.ID {
	return s.cfg.LocalNodeID()
}

// EventSink returns the socket's event stream. The stream must be consumed;
// it is closed after the DisposedEvent.
func (s *Socket) EventSink() <-chan Event {
	return s.eventCh
}

// Bind starts listening on the binding. Binding the same endpoint twice is
// a no-op; an endpoint the OS refuses (such as an address in use) fails
// synchronously.
func (s *Socket) Bind(b channel.Binding) error {
	if _, ok := s.listeners.Load(b); ok {
		return nil
	}
	l, err := channel.NewListener(b, s.onAccept, s.logBackend.GetLogger("listener"))
	if err != nil {
		return err
	}
	if _, loaded := s.listeners.LoadOrStore(b, l); loaded {
		l.Halt()
	}
	return nil
}

// Unbind stops the listener on the binding. Channels it already accepted
// live on.
func (s *Socket) Unbind(b channel.Binding) {
	if raw, ok := s.listeners.LoadAndDelete(b); ok {
		raw.(*channel.Listener).Halt()
	}
}

// Connect starts an outbound channel to the binding. Connecting the same
// endpoint twice is a no-op; the channel keeps reconnecting until
// Disconnect or Close.
func (s *Socket) Connect(b channel.Binding) {
	if _, ok := s.outlets.Load(b); ok {
		return
	}
	chLog := s.logBackend.GetLogger("channel:" + b.String())
	var o outlet
	var ch *channel.Channel
	if s.cfg.Batch.Enabled {
		bt := channel.NewBatcher(s.cfg, &sink{s}, s.logBackend.GetLogger("batch:"+b.String()))
		ch = channel.NewOutbound(b, s.cfg, bt, chLog)
		bt.Attach(ch)
		o = bt
	} else {
		ch = channel.NewOutbound(b, s.cfg, &sink{s}, chLog)
		o = ch
	}
	if _, loaded := s.outlets.LoadOrStore(b, o); loaded {
		return
	}
	s.inner.Store(b, ch)
	ch.Start()
}

// Disconnect requests a graceful shutdown of the channel for the binding.
// The teardown is asynchronous; completion surfaces as a
// DisconnectedEvent.
func (s *Socket) Disconnect(b channel.Binding) {
	raw, ok := s.outlets.LoadAndDelete(b)
	if !ok {
		return
	}
	s.inner.Delete(b)
	o := raw.(outlet)
	s.dispatcher.channelGone(o)
	go o.Halt()
}

// Send hands the letter to the dispatcher for delivery on whichever
// channel frees up first (or all connected channels for multicast).
func (s *Socket) Send(l *letter.Letter) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.eventMu.RLock()
	closed := s.eventsDone
	s.eventMu.RUnlock()
	if closed {
		return ErrSocketClosed
	}
	l.EnsureID()
	s.dispatcher.enqueueLetter(l)
	return nil
}

// SendTo routes the letter to the channel whose peer advertised nodeID.
// With no such route the letter is discarded.
func (s *Socket) SendTo(l *letter.Letter, nodeID letter.ID) error {
	if err := l.Validate(); err != nil {
		return err
	}
	l.EnsureID()
	raw, ok := s.routes.Load(nodeID)
	if !ok {
		s.log.Debugf("SendTo: no route for %v", nodeID)
		s.discard(channel.Binding{}, l)
		return nil
	}
	o := raw.(outlet)
	if !o.Enqueue(l) {
		s.handleFailed(o.Binding(), l)
	}
	return nil
}

// Close disconnects everything and emits the final DisposedEvent.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.heartbeat.Halt()
		s.dispatcher.Halt()
		s.listeners.Range(func(key, value interface{}) bool {
			value.(*channel.Listener).Halt()
			s.listeners.Delete(key)
			return true
		})
		s.outlets.Range(func(key, value interface{}) bool {
			value.(outlet).Halt()
			s.outlets.Delete(key)
			return true
		})
		s.emit(&DisposedEvent{})
		s.eventMu.Lock()
		s.eventsDone = true
		s.eventMu.Unlock()
		s.eventQueue.Close()
	})
}

func (s *Socket) onAccept(conn net.Conn) {
	chLog := s.logBackend.GetLogger("channel:" + conn.RemoteAddr().String())
	var events channel.Events = &sink{s}
	var bt *channel.Batcher
	if s.cfg.Batch.Enabled {
		bt = channel.NewBatcher(s.cfg, events, s.logBackend.GetLogger("batch:"+conn.RemoteAddr().String()))
		events = bt
	}
	ch, err := channel.NewInbound(conn, s.cfg, events, chLog)
	if err != nil {
		s.log.Errorf("Rejecting connection: %v", err)
		return
	}
	var o outlet = ch
	if bt != nil {
		bt.Attach(ch)
		o = bt
	}
	s.outlets.Store(ch.Binding(), o)
	s.inner.Store(ch.Binding(), ch)
	ch.Start()
}

// eventPump moves events from the unbounded queue onto the consumer facing
// channel, then closes it.
func (s *Socket) eventPump() {
	for raw := range s.eventQueue.Out() {
		s.eventCh <- raw.(Event)
	}
	close(s.eventCh)
}

func (s *Socket) emit(ev Event) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()
	if s.eventsDone {
		return
	}
	s.eventQueue.In() <- ev
}

// connectedOutlets snapshots every channel currently able to take letters.
func (s *Socket) connectedOutlets() []outlet {
	var out []outlet
	s.outlets.Range(func(_, value interface{}) bool {
		if o := value.(outlet); o.Connected() {
			out = append(out, o)
		}
		return true
	})
	return out
}

// multicast fans a letter out to a snapshot of the connected channels. An
// empty snapshot discards the letter; per-recipient failures discard too,
// and never requeue.
func (s *Socket) multicast(l *letter.Letter) {
	outs := s.connectedOutlets()
	if len(outs) == 0 {
		s.discard(channel.Binding{}, l)
		return
	}
	for _, o := range outs {
		if !o.Enqueue(l) {
			s.discard(o.Binding(), l)
		}
	}
}

// handleFailed applies the failure policy for one undeliverable letter.
func (s *Socket) handleFailed(b channel.Binding, l *letter.Letter) {
	switch {
	case l.Options&letter.OptMulticast != 0:
		s.discard(b, l)
	case l.Options&letter.OptRequeue != 0:
		s.dispatcher.enqueueLetter(l)
		instrument.LetterRequeued()
		s.emit(&RequeuedEvent{Letter: l})
	default:
		s.discard(b, l)
	}
}

func (s *Socket) discard(b channel.Binding, l *letter.Letter) {
	instrument.LetterDiscarded()
	if l.Options&letter.OptSilentDiscard != 0 {
		return
	}
	s.emit(&DiscardedEvent{Binding: b, Letter: l})
}

// sink adapts the socket to the channel event interface.
type sink struct {
	s *Socket
}

func (k *sink) OnConnecting(b channel.Binding) {
	k.s.emit(&ConnectingEvent{Binding: b})
}

func (k *sink) OnConnected(b channel.Binding, remoteID letter.ID) {
	s := k.s
	if raw, ok := s.outlets.Load(b); ok {
		// Only the handshake writes a route; only the disconnect removes
		// it.
		s.routes.Store(remoteID, raw.(outlet))
		s.nodeIDs.Store(b, remoteID)
	}
	if raw, ok := s.inner.Load(b); ok {
		s.heartbeat.register(raw.(*channel.Channel))
	}
	s.emit(&ConnectedEvent{Binding: b, RemoteNodeID: remoteID})
}

func (k *sink) OnAvailable(b channel.Binding) {
	if raw, ok := k.s.outlets.Load(b); ok {
		k.s.dispatcher.channelReady(raw.(outlet))
	}
}

func (k *sink) OnSent(b channel.Binding, l *letter.Letter) {
	k.s.emit(&SentEvent{Binding: b, Letter: l})
}

func (k *sink) OnReceived(b channel.Binding, l *letter.Letter) {
	k.s.emit(&ReceivedEvent{Binding: b, Letter: l})
}

func (k *sink) OnFailedToSend(b channel.Binding, l *letter.Letter) {
	k.s.handleFailed(b, l)
}

func (k *sink) OnDisconnected(b channel.Binding, reason channel.DisconnectReason) {
	s := k.s
	if raw, ok := s.nodeIDs.LoadAndDelete(b); ok {
		s.routes.Delete(raw.(letter.ID))
	}
	if raw, ok := s.inner.Load(b); ok {
		ch := raw.(*channel.Channel)
		s.heartbeat.unregister(ch)
		if ch.Direction() == channel.Inbound {
			s.inner.Delete(b)
			if o, ok := s.outlets.LoadAndDelete(b); ok {
				s.dispatcher.channelGone(o.(outlet))
			}
		} else if o, ok := s.outlets.Load(b); ok {
			s.dispatcher.channelGone(o.(outlet))
		}
	}
	s.emit(&DisconnectedEvent{Binding: b, Reason: reason})
}
