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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSessionIDIsNonZeroAndUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	require.False(t, a.IsZero())
	require.False(t, b.IsZero())
	require.NotEqual(t, a, b)
}

func TestSessionIDZeroValueIsZero(t *testing.T) {
	var id SessionID
	require.True(t, id.IsZero())
}

func TestSessionIDStringIsHex(t *testing.T) {
	id := NewSessionID()
	require.Len(t, id.String(), 32)
}
