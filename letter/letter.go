// letter.go - Letter data model.
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

// Package letter provides the letter data model and its wire codec. A letter
// is the unit of exchange between two peers: a typed, option-bearing,
// multi-part byte container.
package letter

import (
	"errors"

	"github.com/google/uuid"
)

// Type is the letter type.
type Type uint8

const (
	// Initialize is the handshake letter carrying the sender's node id.
	Initialize Type = 1
	// Shutdown announces a graceful close to the peer.
	Shutdown Type = 2
	// User carries application payload.
	User Type = 4
	// Ack echoes the id of a received letter, signalling delivery.
	Ack Type = 8
	// Heartbeat is the keep-alive letter, consumed silently by the peer.
	Heartbeat Type = 16
	// Batch carries fully serialized letters as its parts.
	Batch Type = 32
)

// Options is the letter option bitset.
type Options uint8

const (
	// OptAck requests an acknowledgement from the peer.
	OptAck Options = 1 << iota
	// OptSilentAck requests that the receiver does not reply with an Ack.
	OptSilentAck
	// OptMulticast fans the letter out to every connected channel.
	OptMulticast
	// OptRequeue re-enqueues the letter into the dispatcher on send failure.
	OptRequeue
	// OptSilentDiscard suppresses the Discarded event when the letter is
	// dropped.
	OptSilentDiscard
	// OptNoAck marks a letter that must never wait for nor reply with an Ack.
	OptNoAck
	// OptUniqueID forces assignment of an id even without OptAck.
	OptUniqueID
)

// PartType is the type of one letter part.
type PartType uint8

const (
	// UserPart is an application payload blob.
	UserPart PartType = 0
	// NodeIDPart carries a 16 byte node identifier.
	NodeIDPart PartType = 1
	// BatchPart is a fully serialized inner letter.
	BatchPart PartType = 2
)

// ID is the 128 bit letter (and node) identifier.
type ID = uuid.UUID

var (
	// ErrInvalidLetter is returned when a letter violates a structural
	// invariant, such as combining Ack with Multicast.
	ErrInvalidLetter = errors.New("letter: structural invariant violated")

	zeroID ID
)

// NewID returns a fresh random identifier.
func NewID() ID {
	return uuid.New()
}

// Part is one ordered byte blob inside a letter.
type Part struct {
	Type PartType
	Data []byte
}

// Letter is the application-visible message unit. A letter is immutable
// once it has been handed to a socket.
type Letter struct {
	Type    Type
	Options Options
	ID      ID
	Parts   []Part
}

// New creates a user letter with the given options and one UserPart per
// payload blob.
func New(options Options, payloads ...[]byte) *Letter {
	parts := make([]Part, 0, len(payloads))
	for _, p := range payloads {
		parts = append(parts, Part{Type: UserPart, Data: p})
	}
	return &Letter{Type: User, Options: options, Parts: parts}
}

// NewInitialize creates the handshake letter carrying nodeID.
func NewInitialize(nodeID ID) *Letter {
	return &Letter{
		Type:    Initialize,
		Options: OptSilentAck | OptNoAck,
		Parts:   []Part{{Type: NodeIDPart, Data: nodeID[:]}},
	}
}

// NewShutdown creates the graceful close letter.
func NewShutdown() *Letter {
	return &Letter{Type: Shutdown, Options: OptSilentAck | OptNoAck}
}

// NewHeartbeat creates a keep-alive letter.
func NewHeartbeat() *Letter {
	return &Letter{Type: Heartbeat, Options: OptSilentAck | OptNoAck}
}

// NewAck creates the acknowledgement for the letter with the given id.
// OptUniqueID puts the echoed id on the wire; OptNoAck keeps acks from
// being acked in turn.
func NewAck(id ID) *Letter {
	return &Letter{Type: Ack, Options: OptUniqueID | OptSilentAck | OptNoAck, ID: id}
}

// NewBatch wraps the given letters into a single Batch letter whose parts
// are the serialized inner letters. Batch letters are always sent NoAck;
// OptAck requested on an inner letter is not honored on the wire.
func NewBatch(letters []*Letter) (*Letter, error) {
	parts := make([]Part, 0, len(letters))
	for _, l := range letters {
		raw, err := l.Marshal()
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{Type: BatchPart, Data: raw})
	}
	return &Letter{Type: Batch, Options: OptSilentAck | OptNoAck, Parts: parts}, nil
}

// Unbatch deserializes the inner letters of a Batch letter, in order.
func (l *Letter) Unbatch() ([]*Letter, error) {
	if l.Type != Batch {
		return nil, ErrInvalidLetter
	}
	inner := make([]*Letter, 0, len(l.Parts))
	for _, p := range l.Parts {
		il := new(Letter)
		if err := il.Unmarshal(p.Data); err != nil {
			return nil, err
		}
		inner = append(inner, il)
	}
	return inner, nil
}

// Validate checks the structural invariants of the letter.
func (l *Letter) Validate() error {
	if l.Options&OptAck != 0 && l.Options&OptMulticast != 0 {
		return ErrInvalidLetter
	}
	if l.Type == Initialize {
		if len(l.Parts) != 1 || l.Parts[0].Type != NodeIDPart || len(l.Parts[0].Data) != len(zeroID) {
			return ErrInvalidLetter
		}
	}
	return nil
}

// EnsureID lazily assigns an id if the letter's options call for one.
func (l *Letter) EnsureID() {
	if l.ID == zeroID && l.Options&(OptAck|OptUniqueID) != 0 {
		l.ID = NewID()
	}
}

// HasID returns true if an id travels on the wire for this letter.
func (l *Letter) HasID() bool {
	return l.Options&(OptAck|OptUniqueID) != 0
}

// NeedsAck returns true if delivery of this letter must be confirmed by a
// peer Ack before it is reported sent.
func (l *Letter) NeedsAck() bool {
	return l.Options&OptAck != 0 && l.Options&OptNoAck == 0
}

// WantsReplyAck returns true if the receiving side must enqueue a reply Ack.
func (l *Letter) WantsReplyAck() bool {
	return l.Options&(OptSilentAck|OptNoAck|OptMulticast) == 0
}

// NodeID extracts the node identifier from an Initialize letter.
func (l *Letter) NodeID() (ID, bool) {
	if l.Type != Initialize || len(l.Parts) != 1 || l.Parts[0].Type != NodeIDPart {
		return zeroID, false
	}
	var id ID
	if len(l.Parts[0].Data) != len(id) {
		return zeroID, false
	}
	copy(id[:], l.Parts[0].Data)
	return id, true
}

// Payloads returns the data of all UserParts, in order.
func (l *Letter) Payloads() [][]byte {
	out := make([][]byte, 0, len(l.Parts))
	for _, p := range l.Parts {
		if p.Type == UserPart {
			out = append(out, p.Data)
		}
	}
	return out
}
