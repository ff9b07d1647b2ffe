// batch_test.go - Batching decorator tests.
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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperletter/hyperletter/config"
	"github.com/hyperletter/hyperletter/letter"
)

// fakeInner records what the batcher hands it.
type fakeInner struct {
	sync.Mutex
	binding   Binding
	connected bool
	closed    bool
	enqueued  []*letter.Letter
}

func (f *fakeInner) Binding() Binding { return f.binding }
func (f *fakeInner) Connected() bool {
	f.Lock()
	defer f.Unlock()
	return f.connected
}
func (f *fakeInner) Halt() {}
func (f *fakeInner) Enqueue(l *letter.Letter) bool {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return false
	}
	f.enqueued = append(f.enqueued, l)
	return true
}

func (f *fakeInner) batches(t *testing.T) [][]*letter.Letter {
	f.Lock()
	defer f.Unlock()
	var out [][]*letter.Letter
	for _, b := range f.enqueued {
		require.Equal(t, letter.Batch, b.Type)
		inner, err := b.Unbatch()
		require.NoError(t, err)
		out = append(out, inner)
	}
	return out
}

func batchConfig(t *testing.T, maxLetters, maxExtended int) *config.Config {
	cfg := testConfig(t)
	cfg.Batch.Enabled = true
	cfg.Batch.MaxLettersInBatch = maxLetters
	cfg.Batch.MaxExtendedBatchCount = maxExtended
	return cfg
}

func TestBatchFlushShapes(t *testing.T) {
	require := require.New(t)

	cfg := batchConfig(t, 3, 0)
	rec := newRecorder()
	bt := NewBatcher(cfg, rec, testBackend(t).GetLogger("bt"))
	inner := &fakeInner{binding: NewBinding("127.0.0.1", 9000), connected: true}
	bt.Attach(inner)

	// Seven letters arriving quickly: two size-triggered flushes of three,
	// then an availability edge flushes the straggler.
	var sent []*letter.Letter
	for i := 0; i < 7; i++ {
		l := letter.New(0, []byte{byte(i)})
		sent = append(sent, l)
		require.True(bt.Enqueue(l))
	}
	bt.OnAvailable(inner.binding)

	batches := inner.batches(t)
	require.Len(batches, 3)
	require.Len(batches[0], 3)
	require.Len(batches[1], 3)
	require.Len(batches[2], 1)

	// Inner letters come back out in enqueue order.
	var got []byte
	for _, b := range batches {
		for _, il := range b {
			got = append(got, il.Payloads()[0][0])
		}
	}
	require.Equal([]byte{0, 1, 2, 3, 4, 5, 6}, got)
}

func TestBatchSentMapping(t *testing.T) {
	require := require.New(t)

	cfg := batchConfig(t, 2, 0)
	rec := newRecorder()
	bt := NewBatcher(cfg, rec, testBackend(t).GetLogger("bt"))
	inner := &fakeInner{binding: NewBinding("127.0.0.1", 9000), connected: true}
	bt.Attach(inner)

	l1 := letter.New(0, []byte("one"))
	l2 := letter.New(0, []byte("two"))
	require.True(bt.Enqueue(l1))
	require.True(bt.Enqueue(l2))

	inner.Lock()
	require.Len(inner.enqueued, 1)
	batch := inner.enqueued[0]
	inner.Unlock()

	// A delivered batch reports one Sent per inner letter, in order.
	bt.OnSent(inner.binding, batch)
	first := rec.waitFor(t, "Sent l1", kindIs(evSent))
	require.Equal(l1, first.letter)
	second := rec.waitFor(t, "Sent l2", kindIs(evSent))
	require.Equal(l2, second.letter)
}

func TestBatchFailureMapping(t *testing.T) {
	require := require.New(t)

	cfg := batchConfig(t, 2, 0)
	rec := newRecorder()
	bt := NewBatcher(cfg, rec, testBackend(t).GetLogger("bt"))
	inner := &fakeInner{binding: NewBinding("127.0.0.1", 9000), connected: true}
	bt.Attach(inner)

	l1 := letter.New(letter.OptRequeue, []byte("one"))
	l2 := letter.New(0, []byte("two"))
	require.True(bt.Enqueue(l1))
	require.True(bt.Enqueue(l2))

	inner.Lock()
	batch := inner.enqueued[0]
	inner.Unlock()

	bt.OnFailedToSend(inner.binding, batch)
	first := rec.waitFor(t, "Failed l1", kindIs(evFailed))
	require.Equal(l1, first.letter)
	second := rec.waitFor(t, "Failed l2", kindIs(evFailed))
	require.Equal(l2, second.letter)
}

func TestBatchDisconnectFailsBuffer(t *testing.T) {
	require := require.New(t)

	cfg := batchConfig(t, 10, 0)
	rec := newRecorder()
	bt := NewBatcher(cfg, rec, testBackend(t).GetLogger("bt"))
	inner := &fakeInner{binding: NewBinding("127.0.0.1", 9000), connected: true}
	bt.Attach(inner)

	l := letter.New(0, []byte("buffered"))
	require.True(bt.Enqueue(l))

	bt.OnDisconnected(inner.binding, ReasonSocket)
	failed := rec.waitFor(t, "Failed buffered", kindIs(evFailed))
	require.Equal(l, failed.letter)
	rec.waitFor(t, "Disconnected", kindIs(evDisconnected))
}

func TestBatchExtendedCeiling(t *testing.T) {
	require := require.New(t)

	// Flush on availability drains at most MaxExtendedBatchCount letters
	// per batch.
	cfg := batchConfig(t, 100, 4)
	rec := newRecorder()
	bt := NewBatcher(cfg, rec, testBackend(t).GetLogger("bt"))
	inner := &fakeInner{binding: NewBinding("127.0.0.1", 9000), connected: true}
	bt.Attach(inner)

	for i := 0; i < 6; i++ {
		require.True(bt.Enqueue(letter.New(0, []byte{byte(i)})))
	}
	bt.OnAvailable(inner.binding)
	bt.OnAvailable(inner.binding)

	batches := inner.batches(t)
	require.Len(batches, 2)
	require.Len(batches[0], 4)
	require.Len(batches[1], 2)
}
