// dispatch_test.go - Typed façade tests.
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

package dispatch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperletter/hyperletter/channel"
	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/core/log"
	"github.com/hyperletter/hyperletter/letter"
	"github.com/hyperletter/hyperletter/socket"
)

const testWait = 10 * time.Second

const greetingTag = 7

type greeting struct {
	Name  string
	Count int
}

func testSocket(t *testing.T) *socket.Socket {
	cfg, err := config.Load([]byte(`
[Logging]
Disable = true
`))
	require.NoError(t, err)
	s, err := socket.New(cfg)
	require.NoError(t, err)
	return s
}

func freeBinding(t *testing.T) channel.Binding {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b, err := channel.ParseBinding(ln.Addr().String())
	require.NoError(t, err)
	ln.Close()
	return b
}

func TestTypedRoundTrip(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	a := testSocket(t)
	defer a.Close()
	b := testSocket(t)
	defer b.Close()

	da := New(a, backend.GetLogger("dispatch-a"))
	defer da.Halt()
	db := New(b, backend.GetLogger("dispatch-b"))
	defer db.Halt()

	require.NoError(da.Register(greetingTag, func() Message {
		return &CBORMessage{V: new(greeting)}
	}, func(channel.Binding, Message) {}))

	gotCh := make(chan *greeting, 1)
	require.NoError(db.Register(greetingTag, func() Message {
		return &CBORMessage{V: new(greeting)}
	}, func(_ channel.Binding, msg Message) {
		select {
		case gotCh <- msg.(*CBORMessage).V.(*greeting):
		default:
		}
	}))

	bind := freeBinding(t)
	require.NoError(b.Bind(bind))
	a.Connect(bind)

	require.NoError(da.Send(greetingTag, &CBORMessage{V: &greeting{Name: "mika", Count: 3}}, letter.OptAck))

	select {
	case got := <-gotCh:
		require.Equal("mika", got.Name)
		require.Equal(3, got.Count)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for typed delivery")
	}
}

func TestRegistrationErrors(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	s := testSocket(t)
	defer s.Close()
	d := New(s, backend.GetLogger("dispatch"))
	defer d.Halt()

	factory := func() Message { return &CBORMessage{V: new(greeting)} }
	require.NoError(d.Register(greetingTag, factory, func(channel.Binding, Message) {}))
	require.ErrorIs(d.Register(greetingTag, factory, func(channel.Binding, Message) {}), ErrDuplicateTag)

	require.ErrorIs(d.Send(99, &CBORMessage{V: &greeting{}}, 0), ErrNotRegistered)
	require.ErrorIs(d.SendTo(99, &CBORMessage{V: &greeting{}}, 0, letter.NewID()), ErrNotRegistered)
}
