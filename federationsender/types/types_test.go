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

package types

import (
	"encoding/json"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEDUContent(t *testing.T) {
	got, err := ParseEDUContent(MTyping, []byte(`{"room_id":"!r:a","user_id":"@u:a","typing":true}`))
	require.NoError(t, err)
	assert.Equal(t, &TypingContent{RoomID: "!r:a", UserID: "@u:a", Typing: true}, got)

	got, err = ParseEDUContent(MReceipt, []byte(`{"!r:a":{"m.read":{"@u:a":{"data":{"ts":5},"event_ids":["$e"]}}}}`))
	require.NoError(t, err)
	receipts := *got.(*ReceiptContent)
	assert.Equal(t, []string{"$e"}, receipts["!r:a"].Read["@u:a"].EventIDs)
	assert.Equal(t, spec.Timestamp(5), receipts["!r:a"].Read["@u:a"].Data.TS)

	_, err = ParseEDUContent(MPresence, []byte(`{"push": 3}`))
	assert.Error(t, err)

	got, err = ParseEDUContent("org.example.custom", []byte(`{"anything":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"anything":[1,2]}`), got)
}

func TestPresenceActivity(t *testing.T) {
	p := Presence{Presence: "online", LastActiveTS: 1000}
	assert.Equal(t, int64(4000), p.LastActiveAgo(5000))
	assert.True(t, p.CurrentlyActive(5000))
	assert.False(t, p.CurrentlyActive(1000+10*60*1000))
	assert.Equal(t, int64(0), Presence{}.LastActiveAgo(5000))
}
