// Copyright 2024 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutgoingKindKey(t *testing.T) {
	fed := FederationKind("remote.example")
	as := AppserviceKind("irc")

	assert.Equal(t, "remote.example", fed.Key())
	assert.Equal(t, "+irc", as.Key())
	assert.False(t, fed.IsAppservice())
	assert.True(t, as.IsAppservice())

	for _, kind := range []OutgoingKind{fed, as} {
		parsed, err := ParseOutgoingKind(kind.Key())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseOutgoingKind("")
	assert.Error(t, err)
	_, err = ParseOutgoingKind("+")
	assert.Error(t, err)
}

func TestEDUEvent(t *testing.T) {
	ev, err := EDUEvent(&gomatrixserverlib.EDU{
		Type:    "m.typing",
		Content: []byte(`{"room_id":"!a:b","user_id":"@c:b","typing":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, SendingEDU, ev.Type)
	assert.Contains(t, string(ev.EDU), `"edu_type":"m.typing"`)
	assert.Equal(t, "pdu", PDUEvent("$x").Type.String())
}
