// socket_test.go - Socket end to end tests.
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
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/letter"
)

func freeBinding(t *testing.T) channel.Binding {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := channel.ParseBinding(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()
	return b
}

func isReceived(payload []byte) func(Event) bool {
	return func(ev Event) bool {
		re, ok := ev.(*ReceivedEvent)
		return ok && len(re.Letter.Payloads()) > 0 && bytes.Equal(re.Letter.Payloads()[0], payload)
	}
}

func isSent(l *letter.Letter) func(Event) bool {
	return func(ev Event) bool {
		se, ok := ev.(*SentEvent)
		return ok && se.Letter == l
	}
}

func TestRoundTripWithAck(t *testing.T) {
	require := require.New(t)

	a := testSocket(t)
	defer a.Close()
	b := testSocket(t)
	defer b.Close()
	aEvents := drainEvents(a)
	bEvents := drainEvents(b)

	bind := freeBinding(t)
	require.NoError(b.Bind(bind))
	a.Connect(bind)

	aEvents.waitFor(t, "A connected", func(ev Event) bool {
		_, ok := ev.(*ConnectedEvent)
		return ok
	})

	l := letter.New(letter.OptAck, []byte("hi"))
	require.NoError(a.Send(l))

	recv := bEvents.waitFor(t, "B received", isReceived([]byte("hi")))
	require.Equal([]byte("hi"), recv.(*ReceivedEvent).Letter.Payloads()[0])
	aEvents.waitFor(t, "A sent", isSent(l))

	// Exactly one Sent, no Discarded anywhere.
	time.Sleep(100 * time.Millisecond)
	for _, c := range []*eventCollector{aEvents, bEvents} {
		c.Lock()
		var sents, discards int
		for _, ev := range c.events {
			switch ev.(type) {
			case *SentEvent:
				sents++
			case *DiscardedEvent:
				discards++
			}
		}
		c.Unlock()
		require.True(sents <= 1)
		require.Zero(discards)
	}
}

func TestSendToRouting(t *testing.T) {
	require := require.New(t)

	a := testSocket(t)
	defer a.Close()
	b := testSocket(t)
	defer b.Close()
	aEvents := drainEvents(a)
	bEvents := drainEvents(b)

	bind := freeBinding(t)
	require.NoError(b.Bind(bind))
	a.Connect(bind)

	// B learns A's node id from the handshake and can reply without a
	// dial of its own.
	connected := bEvents.waitFor(t, "B connected", func(ev Event) bool {
		_, ok := ev.(*ConnectedEvent)
		return ok
	})
	remote := connected.(*ConnectedEvent).RemoteNodeID
	require.Equal(a.NodeID(), remote)

	reply := letter.New(letter.OptAck, []byte("pong"))
	require.NoError(b.SendTo(reply, remote))
	aEvents.waitFor(t, "A received reply", isReceived([]byte("pong")))

	// An unknown node id discards.
	stray := letter.New(0, []byte("stray"))
	require.NoError(b.SendTo(stray, letter.NewID()))
	bEvents.waitFor(t, "stray discarded", func(ev Event) bool {
		de, ok := ev.(*DiscardedEvent)
		return ok && de.Letter == stray
	})
}

func TestMulticastEndToEnd(t *testing.T) {
	require := require.New(t)

	a := testSocket(t)
	defer a.Close()
	b1 := testSocket(t)
	defer b1.Close()
	b2 := testSocket(t)
	defer b2.Close()
	aEvents := drainEvents(a)
	b1Events := drainEvents(b1)
	b2Events := drainEvents(b2)

	bind1, bind2 := freeBinding(t), freeBinding(t)
	require.NoError(b1.Bind(bind1))
	require.NoError(b2.Bind(bind2))
	a.Connect(bind1)
	a.Connect(bind2)
	for i := 0; i < 2; i++ {
		aEvents.waitFor(t, "A connected", func(ev Event) bool {
			_, ok := ev.(*ConnectedEvent)
			return ok
		})
	}

	l := letter.New(letter.OptMulticast, []byte("fanout"))
	require.NoError(a.Send(l))

	b1Events.waitFor(t, "B1 received", isReceived([]byte("fanout")))
	b2Events.waitFor(t, "B2 received", isReceived([]byte("fanout")))

	// Multicast letters are not acked; the senders see one Sent per
	// recipient once the bytes are out.
	aEvents.waitFor(t, "A sent 1", isSent(l))
	aEvents.waitFor(t, "A sent 2", isSent(l))
}

func TestBatchingEndToEnd(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Load([]byte(`
[Batch]
Enabled = true
MaxLettersInBatch = 3

[Logging]
Disable = true
`))
	require.NoError(err)
	a, err := New(cfg)
	require.NoError(err)
	defer a.Close()

	b := testSocket(t)
	defer b.Close()
	aEvents := drainEvents(a)
	bEvents := drainEvents(b)

	bind := freeBinding(t)
	require.NoError(b.Bind(bind))
	a.Connect(bind)
	aEvents.waitFor(t, "A connected", func(ev Event) bool {
		_, ok := ev.(*ConnectedEvent)
		return ok
	})

	var sent []*letter.Letter
	for i := 0; i < 7; i++ {
		l := letter.New(0, []byte{byte(i)})
		sent = append(sent, l)
		require.NoError(a.Send(l))
	}

	// All seven come out on B, whole and in enqueue order.
	for i := 0; i < 7; i++ {
		bEvents.waitFor(t, "B received", isReceived([]byte{byte(i)}))
	}
	// And A reports seven Sent, in enqueue order.
	for _, l := range sent {
		aEvents.waitFor(t, "A sent", isSent(l))
	}
}

func TestHeartbeatDisconnect(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Load([]byte(`
[Heartbeat]
IntervalMSec = 100
MaxMissed = 3

[Logging]
Disable = true
`))
	require.NoError(err)
	a, err := New(cfg)
	require.NoError(err)
	defer a.Close()
	aEvents := drainEvents(a)

	// A peer that handshakes and then goes silent; after MaxMissed
	// intervals without a frame the channel must give up on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		nodeID := letter.NewID()
		raw, _ := letter.NewInitialize(nodeID).Marshal()
		conn.Write(raw)
		// Keep the TCP connection open but never write again; reads are
		// consumed so the kernel does not push back.
		buf := make([]byte, 4096)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	bind, err := channel.ParseBinding(ln.Addr().String())
	require.NoError(err)
	a.Connect(bind)
	aEvents.waitFor(t, "A connected", func(ev Event) bool {
		_, ok := ev.(*ConnectedEvent)
		return ok
	})

	start := time.Now()
	disc := aEvents.waitFor(t, "A disconnected", func(ev Event) bool {
		_, ok := ev.(*DisconnectedEvent)
		return ok
	})
	require.Equal(channel.ReasonSocket, disc.(*DisconnectedEvent).Reason)
	require.Less(time.Since(start), 5*time.Second)
}

func TestRequeueRedelivery(t *testing.T) {
	require := require.New(t)

	cfg, err := config.Load([]byte(`
AckTimeoutMSec = 300

[Connect]
BackoffMSec = 50
BackoffMaxMSec = 200

[Logging]
Disable = true
`))
	require.NoError(err)
	a, err := New(cfg)
	require.NoError(err)
	defer a.Close()
	aEvents := drainEvents(a)

	// First incarnation of the peer swallows the letter and dies without
	// acking; the successor acks.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()
	nodeID := letter.NewID()
	serve := func(ack bool) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		raw, _ := letter.NewInitialize(nodeID).Marshal()
		conn.Write(raw)
		dec := letter.NewDecoder()
		buf := make([]byte, 4096)
		for {
			l, derr := dec.Next()
			if derr != nil {
				conn.Close()
				return
			}
			if l != nil {
				if l.Type == letter.User {
					if !ack {
						conn.Close()
						return
					}
					rawAck, _ := letter.NewAck(l.ID).Marshal()
					conn.Write(rawAck)
				}
				continue
			}
			n, err := conn.Read(buf)
			if err != nil {
				conn.Close()
				return
			}
			dec.Write(buf[:n])
		}
	}
	go func() {
		serve(false)
		serve(true)
	}()

	bind, err := channel.ParseBinding(ln.Addr().String())
	require.NoError(err)
	a.Connect(bind)
	aEvents.waitFor(t, "A connected", func(ev Event) bool {
		_, ok := ev.(*ConnectedEvent)
		return ok
	})

	l := letter.New(letter.OptAck|letter.OptRequeue, []byte("persistent"))
	require.NoError(a.Send(l))

	aEvents.waitFor(t, "Requeued", func(ev Event) bool {
		re, ok := ev.(*RequeuedEvent)
		return ok && re.Letter == l
	})
	aEvents.waitFor(t, "Sent after redelivery", isSent(l))
}

func TestBindLifecycle(t *testing.T) {
	require := require.New(t)

	s := testSocket(t)
	defer s.Close()
	drainEvents(s)

	bind := freeBinding(t)
	require.NoError(s.Bind(bind))
	// Idempotent.
	require.NoError(s.Bind(bind))

	// The port is genuinely held.
	other := testSocket(t)
	defer other.Close()
	require.Error(other.Bind(bind))

	s.Unbind(bind)
	require.Eventually(func() bool {
		return other.Bind(bind) == nil
	}, testWait, 50*time.Millisecond)
}

func TestSendAfterClose(t *testing.T) {
	require := require.New(t)

	s := testSocket(t)
	events := drainEvents(s)
	s.Close()
	events.waitFor(t, "Disposed", func(ev Event) bool {
		_, ok := ev.(*DisposedEvent)
		return ok
	})
	require.ErrorIs(s.Send(letter.New(0, []byte("late"))), ErrSocketClosed)
}
