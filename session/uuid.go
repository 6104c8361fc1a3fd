/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/railtwin/trdp/wire"
)

// SessionID is the 16-byte UUID identifying one MD transaction, spec §4.5.2.
type SessionID [wire.SessionIDSize]byte

// NewSessionID generates a fresh random session identifier. The example pack
// carries no dedicated UUID library (see DESIGN.md), so this draws straight
// from crypto/rand rather than inventing a dependency the corpus never uses.
func NewSessionID() SessionID {
	var id SessionID
	// crypto/rand.Read never errors on Linux/Darwin; a partial read would
	// violate its documented contract, so treat it as unreachable.
	if _, err := rand.Read(id[:]); err != nil {
		panic("session: crypto/rand.Read failed: " + err.Error())
	}
	return id
}

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero-value session identifier.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}
