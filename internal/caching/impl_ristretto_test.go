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

package caching

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRistrettoPDUCache(t *testing.T) {
	caches, err := NewRistrettoCache(1*MB, false)
	require.NoError(t, err)
	partition := caches.FederationPDUs.(*RistrettoCachePartition[string, json.RawMessage])

	_, ok := caches.FederationPDUs.Get("$missing")
	assert.False(t, ok)

	caches.FederationPDUs.Set("$event1", json.RawMessage(`{"type":"m.room.message"}`))
	partition.wait()
	got, ok := caches.FederationPDUs.Get("$event1")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"m.room.message"}`, string(got))

	caches.FederationPDUs.Unset("$event1")
	partition.wait()
	_, ok = caches.FederationPDUs.Get("$event1")
	assert.False(t, ok)
}
