// wire_test.go - Transmitter/Receiver tests.
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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperletter/hyperletter/core/log"
	"github.com/hyperletter/hyperletter/letter"
)

func TestTransmitToReceiver(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tx := NewTransmitter(a, backend.GetLogger("tx"))
	rx := NewReceiver(b, backend.GetLogger("rx"))
	defer func() {
		a.Close()
		b.Close()
		tx.Shutdown()
		rx.Halt()
	}()

	sent := []*letter.Letter{
		letter.New(letter.OptAck, []byte("one")),
		letter.New(0, []byte("two")),
		letter.NewHeartbeat(),
	}
	for _, l := range sent {
		tx.Enqueue(l)
	}

	// The pipe is synchronous, so the receive side must drain while the
	// send side is observed.
	recvDone := make(chan []*letter.Letter, 1)
	go func() {
		var got []*letter.Letter
		for len(got) < len(sent) {
			select {
			case l := <-rx.LetterCh():
				got = append(got, l)
			case <-time.After(5 * time.Second):
				recvDone <- got
				return
			}
		}
		recvDone <- got
	}()

	// Sent notifications arrive in write order, one per letter.
	for i := 0; i < len(sent); i++ {
		select {
		case got := <-tx.SentCh():
			require.Equal(sent[i], got)
		case err := <-tx.ErrCh():
			t.Fatalf("transmitter failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for Sent")
		}
	}

	// Decoded letters arrive whole, in the same order.
	got := <-recvDone
	require.Len(got, len(sent))
	for i := range sent {
		require.Equal(sent[i].Type, got[i].Type)
		require.Equal(sent[i].ID, got[i].ID)
	}
}

func TestTransmitterSocketError(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a, b := net.Pipe()
	b.Close()
	a.Close()

	tx := NewTransmitter(a, backend.GetLogger("tx"))
	tx.Enqueue(letter.New(0, []byte("doomed")))

	select {
	case err := <-tx.ErrCh():
		require.Error(err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transmitter error")
	}
	tx.Shutdown()
}

func TestReceiverMalformedFrame(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	rx := NewReceiver(b, backend.GetLogger("rx"))
	defer rx.Halt()

	// A frame with an unknown letter type is malformed.
	raw, err := letter.New(0, []byte("x")).Marshal()
	require.NoError(err)
	raw[5] = 0x7f
	go a.Write(raw)

	select {
	case err := <-rx.ErrCh():
		require.ErrorIs(err, letter.ErrMalformedFrame)
	case l := <-rx.LetterCh():
		t.Fatalf("decoded a malformed frame: %v", l)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receiver error")
	}
}

func TestTransmitterShutdownLeftover(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a, b := net.Pipe()
	// Nobody reads b: the first write blocks, the rest stays queued.
	tx := NewTransmitter(a, backend.GetLogger("tx"))
	for i := 0; i < 5; i++ {
		tx.Enqueue(letter.New(0, []byte("queued")))
	}
	time.Sleep(50 * time.Millisecond)

	a.Close()
	b.Close()
	leftover := tx.Shutdown()
	// The letter stuck mid-write is gone; the rest must come back.
	require.True(len(leftover) >= 3, "leftover: %d", len(leftover))
}
