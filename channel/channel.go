// channel.go - Per-connection channel state machine.
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

// Package channel owns one TCP connection between two peers: the handshake,
// the ack-gated send loop, the receive loop with ack replies, reconnect for
// dialer-initiated channels, and the batching decorator.
package channel

import (
	mRand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/core/worker"
	"github.com/hyperletter/hyperletter/internal/instrument"
	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/wire"
)

// Direction tells how the underlying connection came to be.
type Direction uint8

const (
	// Inbound channels wrap accepted connections and die permanently on
	// any disconnect.
	Inbound Direction = iota
	// Outbound channels dial and reconnect with backoff until halted.
	Outbound
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Inbound {
		return "Inbound"
	}
	return "Outbound"
}

// State is the channel connection state.
type State uint32

const (
	// StateDisconnected is the terminal (and initial) state.
	StateDisconnected State = iota
	// StateConnecting covers dialing and reconnect backoff.
	StateConnecting
	// StateHandshaking covers the Initialize exchange.
	StateHandshaking
	// StateConnected accepts and transmits letters.
	StateConnected
	// StateAwaitingAck has a letter written and unconfirmed.
	StateAwaitingAck
	// StateDisconnecting is tearing the session down.
	StateDisconnecting
)

// DisconnectReason tells why a channel left the connected state.
type DisconnectReason uint8

const (
	// ReasonRequested is a local Disconnect or Dispose.
	ReasonRequested DisconnectReason = iota
	// ReasonSocket is an I/O failure, malformed frame, or failed liveness.
	ReasonSocket
	// ReasonAckTimeout is a peer that did not confirm a letter in time.
	ReasonAckTimeout
	// ReasonHandshake is a failed or timed out Initialize exchange.
	ReasonHandshake
	// ReasonRemote is a peer that announced Shutdown.
	ReasonRemote
)

// String returns the reason name.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "Requested"
	case ReasonSocket:
		return "Socket"
	case ReasonAckTimeout:
		return "AckTimeout"
	case ReasonHandshake:
		return "Handshake"
	case ReasonRemote:
		return "Remote"
	}
	return "Unknown"
}

// Events is the sink for channel notifications, keyed by the channel's
// binding. Implementations must not block; they are invoked from channel
// workers.
type Events interface {
	// OnConnecting fires when an outbound channel starts a dial attempt.
	OnConnecting(b Binding)

	// OnConnected fires after the Initialize exchange completes.
	OnConnected(b Binding, remoteID letter.ID)

	// OnAvailable fires when the channel is connected with an empty queue
	// and nothing in flight.
	OnAvailable(b Binding)

	// OnSent fires once per delivered letter, after the bytes reached the
	// OS and, for ack-bearing letters, after the peer confirmed.
	OnSent(b Binding, l *letter.Letter)

	// OnReceived fires once per user letter decoded off the connection.
	OnReceived(b Binding, l *letter.Letter)

	// OnFailedToSend fires for every queued or in-flight letter that a
	// disconnect made undeliverable.
	OnFailedToSend(b Binding, l *letter.Letter)

	// OnDisconnected fires when the session is gone.
	OnDisconnected(b Binding, reason DisconnectReason)
}

// Channel owns one TCP connection exclusively.
type Channel struct {
	worker.Worker

	log    *logging.Logger
	cfg    *config.Config
	events Events

	binding      Binding
	direction    Direction
	localID      letter.ID
	acceptedConn net.Conn

	userQueue *channels.InfiniteChannel
	queueMu   sync.RWMutex
	queueDone bool

	forceCh chan DisconnectReason
	pokeCh  chan interface{}

	remoteMu  sync.Mutex
	remoteID  letter.ID
	hasRemote bool

	state     uint32
	lastRead  int64
	lastWrite int64
}

func newChannel(b Binding, dir Direction, cfg *config.Config, events Events, log *logging.Logger) *Channel {
	return &Channel{
		log:       log,
		cfg:       cfg,
		events:    events,
		binding:   b,
		direction: dir,
		localID:   cfg.LocalNodeID(),
		userQueue: channels.NewInfiniteChannel(),
		forceCh:   make(chan DisconnectReason, 1),
		pokeCh:    make(chan interface{}, 1),
	}
}

// NewOutbound creates a dialer-initiated channel for the given binding.
// The connect worker is not spawned here: the owner registers the channel
// first and then calls Start.
func NewOutbound(b Binding, cfg *config.Config, events Events, log *logging.Logger) *Channel {
	return newChannel(b, Outbound, cfg, events, log)
}

// NewInbound wraps an accepted connection. The binding is the observed
// remote endpoint. As with NewOutbound, the owner calls Start once the
// channel is registered.
func NewInbound(conn net.Conn, cfg *config.Config, events Events, log *logging.Logger) (*Channel, error) {
	b, err := ParseBinding(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return nil, err
	}
	c := newChannel(b, Inbound, cfg, events, log)
	c.acceptedConn = conn
	return c, nil
}

// Start spawns the channel's worker.
func (c *Channel) Start() {
	switch c.direction {
	case Outbound:
		c.Go(c.connectWorker)
	case Inbound:
		conn := c.acceptedConn
		c.acceptedConn = nil
		c.Go(func() {
			reason, _ := c.runSession(conn)
			c.finishSession(reason)
			c.failPending(nil, nil, nil)
			c.closeQueue()
		})
	}
}

// Binding returns the channel's binding.
func (c *Channel) Binding() Binding {
	return c.binding
}

// Direction returns the channel's direction.
func (c *Channel) Direction() Direction {
	return c.direction
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(atomic.LoadUint32(&c.state))
}

// Connected returns true while letters can be enqueued with a prospect of
// delivery.
func (c *Channel) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateAwaitingAck
}

// RemoteNodeID returns the peer's node id once the handshake completed.
func (c *Channel) RemoteNodeID() (letter.ID, bool) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	return c.remoteID, c.hasRemote
}

// Enqueue appends a letter to the outbound queue. It reports false once the
// channel has shut down for good.
func (c *Channel) Enqueue(l *letter.Letter) bool {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queueDone {
		return false
	}
	l.EnsureID()
	c.userQueue.In() <- l
	return true
}

// QueueLen returns the number of letters waiting in the outbound queue.
func (c *Channel) QueueLen() int {
	return c.userQueue.Len()
}

// LastReadAt returns when the last inbound frame arrived.
func (c *Channel) LastReadAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastRead))
}

// LastWriteAt returns when the last outbound frame was written.
func (c *Channel) LastWriteAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastWrite))
}

// TriggerHeartbeat pokes the channel to emit a Heartbeat letter if it is
// idle. Never blocks.
func (c *Channel) TriggerHeartbeat() {
	select {
	case c.pokeCh <- true:
	default:
	}
}

// ForceDisconnect tears the current session down with the given reason.
// Outbound channels will reconnect; use Halt for a permanent stop.
func (c *Channel) ForceDisconnect(reason DisconnectReason) {
	select {
	case c.forceCh <- reason:
	default:
	}
}

func (c *Channel) setState(s State) {
	atomic.StoreUint32(&c.state, uint32(s))
}

func (c *Channel) setRemote(id letter.ID) {
	c.remoteMu.Lock()
	c.remoteID = id
	c.hasRemote = true
	c.remoteMu.Unlock()
}

func (c *Channel) clearRemote() {
	c.remoteMu.Lock()
	c.hasRemote = false
	c.remoteMu.Unlock()
}

func (c *Channel) touchRead() {
	atomic.StoreInt64(&c.lastRead, time.Now().UnixNano())
}

func (c *Channel) touchWrite() {
	atomic.StoreInt64(&c.lastWrite, time.Now().UnixNano())
}

func (c *Channel) connectWorker() {
	defer func() {
		c.setState(StateDisconnected)
		c.failPending(nil, nil, nil)
		c.closeQueue()
	}()

	var retryDelay time.Duration
	dialer := &net.Dialer{Timeout: c.cfg.InitializeTimeout()}
	rng := mRand.New(mRand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}

		c.setState(StateConnecting)
		c.events.OnConnecting(c.binding)
		conn, err := dialer.Dial("tcp", c.binding.String())
		if err != nil {
			c.log.Debugf("Failed to connect to %v: %v", c.binding, err)
		} else {
			retryDelay = 0
			reason, fatal := c.runSession(conn)
			c.finishSession(reason)
			if fatal {
				return
			}
		}

		// Exponential backoff with jitter before the next attempt.
		if retryDelay == 0 {
			retryDelay = c.cfg.Connect.Backoff()
		} else {
			retryDelay *= 2
		}
		if max := c.cfg.Connect.BackoffMax(); retryDelay > max {
			retryDelay = max
		}
		jittered := retryDelay/2 + time.Duration(rng.Int63n(int64(retryDelay)))
		select {
		case <-c.HaltCh():
			return
		case <-time.After(jittered):
		}
	}
}

func (c *Channel) finishSession(reason DisconnectReason) {
	c.clearRemote()
	c.setState(StateDisconnected)
	c.events.OnDisconnected(c.binding, reason)
	instrument.ChannelDisconnected(reason.String())
}

// runSession drives one established connection from handshake to
// disconnect. It reports the disconnect reason and whether the channel is
// done for good.
func (c *Channel) runSession(conn net.Conn) (DisconnectReason, bool) {
	c.setState(StateHandshaking)
	tx := wire.NewTransmitter(conn, c.log)
	rx := wire.NewReceiver(conn, c.log)

	var writing *letter.Letter  // handed to the transmitter, not yet written
	var inflight *letter.Letter // written, awaiting the peer's Ack

	defer func() {
		c.setState(StateDisconnecting)
		conn.Close()
		leftover := tx.Shutdown()
		rx.Halt()
		c.failPending(writing, inflight, leftover)
	}()

	reason, ok := c.handshake(tx, rx)
	if !ok {
		return reason, reason == ReasonRequested
	}

	c.setState(StateConnected)
	c.touchRead()
	c.touchWrite()
	remoteID, _ := c.RemoteNodeID()
	c.events.OnConnected(c.binding, remoteID)
	instrument.ChannelConnected()
	c.maybeAvailable(writing, inflight)

	ackTimer := time.NewTimer(c.cfg.AckTimeout())
	stopTimer(ackTimer)
	defer ackTimer.Stop()

	for {
		// The queue is only popped with nothing being written and nothing
		// awaiting an ack; reply Acks bypass the queue via the transmitter
		// and therefore jump ahead of every queued user letter.
		var userOut <-chan interface{}
		if writing == nil && inflight == nil {
			userOut = c.userQueue.Out()
		}

		select {
		case <-c.HaltCh():
			c.flushShutdown(tx)
			return ReasonRequested, true

		case reason := <-c.forceCh:
			if reason == ReasonRequested {
				c.flushShutdown(tx)
			}
			return reason, false

		case raw := <-userOut:
			writing = raw.(*letter.Letter)
			tx.Enqueue(writing)

		case sent := <-tx.SentCh():
			c.touchWrite()
			if sent != writing {
				// Internal letter (Ack, Heartbeat): nothing to report.
				continue
			}
			if sent.NeedsAck() {
				inflight = sent
				writing = nil
				c.setState(StateAwaitingAck)
				ackTimer.Reset(c.cfg.AckTimeout())
			} else {
				writing = nil
				c.events.OnSent(c.binding, sent)
				instrument.LetterSent()
				c.maybeAvailable(writing, inflight)
			}

		case <-ackTimer.C:
			if inflight == nil {
				continue
			}
			c.log.Warningf("Ack timeout for letter %v", inflight.ID)
			failed := inflight
			inflight = nil
			c.events.OnFailedToSend(c.binding, failed)
			return ReasonAckTimeout, false

		case l := <-rx.LetterCh():
			c.touchRead()
			switch l.Type {
			case letter.Ack:
				if inflight == nil || l.ID != inflight.ID {
					c.log.Debugf("Spurious Ack: %v", l.ID)
					continue
				}
				stopTimer(ackTimer)
				confirmed := inflight
				inflight = nil
				c.setState(StateConnected)
				c.events.OnSent(c.binding, confirmed)
				instrument.LetterSent()
				c.maybeAvailable(writing, inflight)
			case letter.Heartbeat:
				// Consumed silently; touchRead reset the liveness deadline.
			case letter.Shutdown:
				return ReasonRemote, false
			case letter.Initialize:
				c.log.Errorf("Initialize received post-handshake")
				return ReasonSocket, false
			case letter.Batch:
				inner, err := l.Unbatch()
				if err != nil {
					c.log.Errorf("Malformed batch: %v", err)
					return ReasonSocket, false
				}
				for _, il := range inner {
					c.deliver(il, tx, false)
				}
			default:
				c.deliver(l, tx, true)
			}

		case <-c.pokeCh:
			if writing == nil && inflight == nil && c.userQueue.Len() == 0 &&
				time.Since(c.LastWriteAt()) >= c.cfg.Heartbeat.Interval() {
				tx.Enqueue(letter.NewHeartbeat())
			}

		case err := <-tx.ErrCh():
			c.log.Debugf("Transmitter failed: %v", err)
			return ReasonSocket, false

		case err := <-rx.ErrCh():
			c.log.Debugf("Receiver failed: %v", err)
			return ReasonSocket, false
		}
	}
}

// handshake sends the local Initialize and waits until both it was written
// and the peer's Initialize arrived.
func (c *Channel) handshake(tx *wire.Transmitter, rx *wire.Receiver) (DisconnectReason, bool) {
	init := letter.NewInitialize(c.localID)
	tx.Enqueue(init)

	hsTimer := time.NewTimer(c.cfg.InitializeTimeout())
	defer hsTimer.Stop()

	var sentInit, gotInit bool
	for !sentInit || !gotInit {
		select {
		case <-c.HaltCh():
			return ReasonRequested, false
		case reason := <-c.forceCh:
			return reason, false
		case <-hsTimer.C:
			c.log.Debugf("Handshake timeout")
			return ReasonHandshake, false
		case <-tx.SentCh():
			sentInit = true
		case l := <-rx.LetterCh():
			id, ok := l.NodeID()
			if l.Type != letter.Initialize || !ok {
				c.log.Errorf("Handshake: unexpected %v letter", l.Type)
				return ReasonHandshake, false
			}
			c.setRemote(id)
			gotInit = true
		case err := <-tx.ErrCh():
			c.log.Debugf("Handshake write failed: %v", err)
			return ReasonSocket, false
		case err := <-rx.ErrCh():
			c.log.Debugf("Handshake read failed: %v", err)
			return ReasonSocket, false
		}
	}
	return 0, true
}

// deliver surfaces one received user letter and enqueues the reply Ack.
// Letters unpacked from a batch never generate acks: the outer batch
// traveled NoAck and inner Ack requests are not honored on the wire.
func (c *Channel) deliver(l *letter.Letter, tx *wire.Transmitter, ackable bool) {
	c.events.OnReceived(c.binding, l)
	instrument.LetterReceived()
	if ackable && l.WantsReplyAck() && l.HasID() {
		tx.Enqueue(letter.NewAck(l.ID))
	}
}

func (c *Channel) maybeAvailable(writing, inflight *letter.Letter) {
	if writing == nil && inflight == nil && c.userQueue.Len() == 0 {
		c.events.OnAvailable(c.binding)
	}
}

// flushShutdown makes a best effort attempt to announce the close to the
// peer before the connection goes away.
func (c *Channel) flushShutdown(tx *wire.Transmitter) {
	sd := letter.NewShutdown()
	tx.Enqueue(sd)
	deadline := time.After(250 * time.Millisecond)
	for {
		select {
		case sent := <-tx.SentCh():
			if sent == sd {
				return
			}
		case <-tx.ErrCh():
			return
		case <-deadline:
			return
		}
	}
}

// failPending reports every undeliverable letter: the one being written,
// the one awaiting an ack, transmitter leftovers, and the queued backlog.
// Internal letters are not the socket's business and are skipped.
func (c *Channel) failPending(writing, inflight *letter.Letter, leftover []*letter.Letter) {
	report := func(l *letter.Letter) {
		if l == nil {
			return
		}
		if l.Type != letter.User && l.Type != letter.Batch {
			return
		}
		c.events.OnFailedToSend(c.binding, l)
	}

	report(inflight)
	report(writing)
	for _, l := range leftover {
		report(l)
	}
	for {
		select {
		case raw := <-c.userQueue.Out():
			report(raw.(*letter.Letter))
		default:
			return
		}
	}
}

func (c *Channel) closeQueue() {
	c.queueMu.Lock()
	c.queueDone = true
	c.queueMu.Unlock()
	c.userQueue.Close()
	for range c.userQueue.Out() {
		// Drained so the queue's shuttle routine exits.
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
