// message.go - CBOR message wrapper.
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
	"github.com/fxamacker/cbor/v2"
)

// CBORMessage satisfies Message for any value, using CBOR as the payload
// encoding. V must be a pointer for Unmarshal to populate it.
type CBORMessage struct {
	V interface{}
}

// Marshal serializes the wrapped value.
func (m *CBORMessage) Marshal() ([]byte, error) {
	return cbor.Marshal(m.V)
}

// Unmarshal deserializes into the wrapped value.
func (m *CBORMessage) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, m.V)
}
