// codec.go - Letter wire codec.
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

package letter

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Wire frame layout, all integers little-endian:
//
//	total_length:u32 options:u8 type:u8 [id:16B] parts_count:u16
//	{ part_type:u8 part_length:u32 part_bytes }*
//
// total_length covers everything after itself. The id field is present iff
// the options carry OptAck or OptUniqueID.

const (
	lengthPrefixSize = 4
	idSize           = 16
	partHeaderSize   = 1 + 4

	// MaxFrameSize bounds a single frame; anything larger is malformed.
	MaxFrameSize = 64 * 1024 * 1024
)

// ErrMalformedFrame is returned when a frame fails to decode. The channel
// owning the connection disconnects on this failure.
var ErrMalformedFrame = errors.New("letter: malformed frame")

// Marshal serializes the letter into a single self-delimited frame,
// assigning its id first if the options call for one.
func (l *Letter) Marshal() ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(l.Parts) > 0xffff {
		return nil, ErrMalformedFrame
	}
	l.EnsureID()

	contentLen := 1 + 1 + 2 // options, type, parts_count
	if l.HasID() {
		contentLen += idSize
	}
	for _, p := range l.Parts {
		contentLen += partHeaderSize + len(p.Data)
	}
	if contentLen > MaxFrameSize {
		return nil, ErrMalformedFrame
	}

	buf := bytes.NewBuffer(make([]byte, 0, lengthPrefixSize+contentLen))
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(contentLen))
	buf.Write(scratch[:])
	buf.WriteByte(byte(l.Options))
	buf.WriteByte(byte(l.Type))
	if l.HasID() {
		buf.Write(l.ID[:])
	}
	binary.LittleEndian.PutUint16(scratch[:2], uint16(len(l.Parts)))
	buf.Write(scratch[:2])
	for _, p := range l.Parts {
		buf.WriteByte(byte(p.Type))
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(p.Data)))
		buf.Write(scratch[:])
		buf.Write(p.Data)
	}
	return buf.Bytes(), nil
}

// Unmarshal deserializes exactly one frame from b. Trailing bytes are a
// malformed frame; use Decoder for stream input.
func (l *Letter) Unmarshal(b []byte) error {
	if len(b) < lengthPrefixSize {
		return ErrMalformedFrame
	}
	contentLen := binary.LittleEndian.Uint32(b[:lengthPrefixSize])
	if uint64(len(b)) != uint64(lengthPrefixSize)+uint64(contentLen) {
		return ErrMalformedFrame
	}
	return l.unmarshalContent(b[lengthPrefixSize:])
}

func (l *Letter) unmarshalContent(b []byte) error {
	if len(b) < 2 {
		return ErrMalformedFrame
	}
	l.Options = Options(b[0])
	l.Type = Type(b[1])
	switch l.Type {
	case Initialize, Shutdown, User, Ack, Heartbeat, Batch:
	default:
		return ErrMalformedFrame
	}
	b = b[2:]

	if l.HasID() {
		if len(b) < idSize {
			return ErrMalformedFrame
		}
		copy(l.ID[:], b[:idSize])
		b = b[idSize:]
	}

	if len(b) < 2 {
		return ErrMalformedFrame
	}
	nrParts := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]

	l.Parts = make([]Part, 0, nrParts)
	for i := 0; i < nrParts; i++ {
		if len(b) < partHeaderSize {
			return ErrMalformedFrame
		}
		pt := PartType(b[0])
		pLen := int(binary.LittleEndian.Uint32(b[1:partHeaderSize]))
		b = b[partHeaderSize:]
		if len(b) < pLen {
			return ErrMalformedFrame
		}
		data := make([]byte, pLen)
		copy(data, b[:pLen])
		l.Parts = append(l.Parts, Part{Type: pt, Data: data})
		b = b[pLen:]
	}
	if len(b) != 0 {
		return ErrMalformedFrame
	}
	return l.Validate()
}

// Decoder is the streaming frame deserializer. It accepts arbitrary chunks
// via Write and yields one letter per complete frame via Next.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder creates a streaming Decoder.
func NewDecoder() *Decoder {
	return new(Decoder)
}

// Write buffers a chunk of stream input. It never fails; malformed input
// surfaces from Next. Implements io.Writer.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next returns the next complete letter, or nil if more input is needed.
func (d *Decoder) Next() (*Letter, error) {
	raw := d.buf.Bytes()
	if len(raw) < lengthPrefixSize {
		return nil, nil
	}
	contentLen := binary.LittleEndian.Uint32(raw[:lengthPrefixSize])
	if contentLen > MaxFrameSize {
		return nil, ErrMalformedFrame
	}
	total := lengthPrefixSize + int(contentLen)
	if len(raw) < total {
		return nil, nil
	}

	l := new(Letter)
	if err := l.unmarshalContent(raw[lengthPrefixSize:total]); err != nil {
		return nil, err
	}
	d.buf.Next(total)
	return l, nil
}
