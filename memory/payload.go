// Copyright (C) 2024 Cairn Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package memory

import (
	"encoding/json"
	"fmt"
)

// TurnPayload is the caller-opaque bytes stored alongside each
// record's ciphertext (record.Record.Payload): enough of the
// original turn to answer a query result without a second lookup.
// It travels in the clear -- record framing's payload field is
// defined as "arbitrary opaque caller bytes", not AEAD-protected
// content -- so it must never carry anything the AEAD layer is
// supposed to be the one protecting.
type TurnPayload struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	TimestampMs uint64 `json:"timestamp_ms"`
}

func marshalPayload(p TurnPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidInput, err)
	}
	return b, nil
}

func unmarshalPayload(b []byte) (TurnPayload, error) {
	var p TurnPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return TurnPayload{}, fmt.Errorf("%w: unmarshal payload: %v", ErrCorrupt, err)
	}
	return p, nil
}
