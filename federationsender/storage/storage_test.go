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

package storage_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/internal/sqlutil"
	"github.com/matrix-org/fedsender/setup/config"
)

const localServer = spec.ServerName("localhost")

func mustCreateDatabase(t *testing.T) (storage.Database, func()) {
	t.Helper()
	opts := config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "fedsender.db")),
	}
	cm := sqlutil.NewConnectionManager(opts)
	db, err := storage.NewDatabase(cm, &opts, nil, localServer)
	require.NoError(t, err)
	return db, func() {
		_ = cm.Close()
	}
}

func TestQueueLifecycle(t *testing.T) {
	db, close := mustCreateDatabase(t)
	defer close()
	ctx := context.Background()
	remote := api.FederationKind("remote.example")
	other := api.AppserviceKind("bridge")

	require.NoError(t, db.StorePDU(ctx, "$e1", json.RawMessage(`{"event_id":"$e1"}`)))
	edu, err := api.EDUEvent(&gomatrixserverlib.EDU{Type: types.MTyping, Content: []byte(`{}`)})
	require.NoError(t, err)

	var ids []int64
	for _, ev := range []api.SendingEvent{api.PDUEvent("$e1"), edu, api.PDUEvent("$e2")} {
		id, err := db.QueueRequest(ctx, remote, ev)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err = db.QueueRequest(ctx, other, api.PDUEvent("$e1"))
	require.NoError(t, err)

	queued, err := db.QueuedRequests(ctx, remote, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, ids[0], queued[0].ID)
	assert.Equal(t, ids[1], queued[1].ID)
	assert.Equal(t, remote, queued[0].Kind)
	assert.Equal(t, api.SendingEDU, queued[1].Event.Type)
	assert.JSONEq(t, string(edu.EDU), string(queued[1].Event.EDU))

	require.NoError(t, db.MarkAsActive(ctx, queued))
	active, err := db.ActiveRequestsFor(ctx, remote)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.True(t, active[0].Active)

	all, err := db.ActiveRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	queued, err = db.QueuedRequests(ctx, remote, 30)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "$e2", queued[0].Event.EventID)

	kinds, err := db.QueuedKinds(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []api.OutgoingKind{remote, other}, kinds)

	// $e1 is still referenced by the appservice lane
	require.NoError(t, db.DeleteRequests(ctx, active))
	pdu, err := db.GetPDU(ctx, "$e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_id":"$e1"}`, string(pdu))

	appservice, err := db.QueuedRequests(ctx, other, 30)
	require.NoError(t, err)
	require.NoError(t, db.DeleteRequests(ctx, appservice))
	pdu, err = db.GetPDU(ctx, "$e1")
	require.NoError(t, err)
	assert.Nil(t, pdu)

	require.NoError(t, db.MarkAsActive(ctx, queued))
	require.NoError(t, db.DeleteAllActiveRequestsFor(ctx, remote))
	active, err = db.ActiveRequestsFor(ctx, remote)
	require.NoError(t, err)
	assert.Empty(t, active)
	kinds, err = db.QueuedKinds(ctx)
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func TestRoomsAndVisibility(t *testing.T) {
	db, close := mustCreateDatabase(t)
	defer close()
	ctx := context.Background()

	previous, err := db.UpdateRoom(ctx, "!a:localhost", []spec.ServerName{localServer, "remote.example"})
	require.NoError(t, err)
	assert.Empty(t, previous)
	previous, err = db.UpdateRoom(ctx, "!a:localhost", []spec.ServerName{localServer, "remote.example", "third.example"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []spec.ServerName{localServer, "remote.example"}, previous)
	_, err = db.UpdateRoom(ctx, "!b:localhost", []spec.ServerName{localServer, "third.example"})
	require.NoError(t, err)

	require.NoError(t, db.SetLocalMembership(ctx, "!a:localhost", "@alice:localhost", true))
	require.NoError(t, db.SetLocalMembership(ctx, "!b:localhost", "@bob:localhost", true))
	require.NoError(t, db.SetLocalMembership(ctx, "!b:localhost", "@carol:localhost", true))
	require.NoError(t, db.SetLocalMembership(ctx, "!b:localhost", "@carol:localhost", false))

	rooms, err := db.RoomsSharedWith(ctx, "remote.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"!a:localhost"}, rooms)

	users, err := db.LocalUsersVisibleTo(ctx, "remote.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:localhost"}, users)

	users, err = db.LocalUsersVisibleTo(ctx, "third.example")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@alice:localhost", "@bob:localhost"}, users)

	servers, err := db.ServersSharingRoomWith(ctx, "@alice:localhost")
	require.NoError(t, err)
	assert.ElementsMatch(t, []spec.ServerName{"remote.example", "third.example"}, servers)

	servers, err = db.ServersSharingRoomWith(ctx, "@nobody:localhost")
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestEDUStreams(t *testing.T) {
	db, close := mustCreateDatabase(t)
	defer close()
	ctx := context.Background()

	first, err := db.StoreDeviceListChange(ctx, "@alice:localhost")
	require.NoError(t, err)
	_, err = db.StoreDeviceListChange(ctx, "@bob:localhost")
	require.NoError(t, err)
	third, err := db.StoreDeviceListChange(ctx, "@alice:localhost")
	require.NoError(t, err)
	assert.Greater(t, third, first)

	changes, err := db.DeviceListChangesAfter(ctx, []string{"@alice:localhost"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, first, changes[0].ID)

	changes, err = db.DeviceListChangesAfter(ctx, []string{"@alice:localhost", "@bob:localhost"}, first, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "@bob:localhost", changes[0].UserID)

	for _, roomID := range []string{"!a:localhost", "!b:localhost", "!a:localhost"} {
		_, err = db.StoreReceipt(ctx, &types.Receipt{
			RoomID: roomID, UserID: "@alice:localhost", Type: types.MRead, EventID: "$x", Timestamp: 42,
		})
		require.NoError(t, err)
	}
	receipts, err := db.ReceiptsAfter(ctx, []string{"!a:localhost"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, spec.Timestamp(42), receipts[0].Timestamp)

	msg := "busy"
	_, err = db.StorePresence(ctx, &types.Presence{UserID: "@alice:localhost", Presence: "online", StatusMsg: &msg, LastActiveTS: 7})
	require.NoError(t, err)
	_, err = db.StorePresence(ctx, &types.Presence{UserID: "@alice:localhost", Presence: "offline", LastActiveTS: 8})
	require.NoError(t, err)
	presence, err := db.PresenceAfter(ctx, []string{"@alice:localhost"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, presence, 2)
	require.NotNil(t, presence[0].StatusMsg)
	assert.Equal(t, "busy", *presence[0].StatusMsg)
	assert.Nil(t, presence[1].StatusMsg)

	pos, err := db.EDUPosition(ctx, "remote.example", types.ReceiptStream)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
	require.NoError(t, db.SetEDUPositions(ctx, "remote.example", map[string]int64{types.ReceiptStream: 3, types.PresenceStream: 1}))
	require.NoError(t, db.SetEDUPositions(ctx, "remote.example", map[string]int64{types.ReceiptStream: 5}))
	pos, err = db.EDUPosition(ctx, "remote.example", types.ReceiptStream)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
	pos, err = db.EDUPosition(ctx, "remote.example", types.PresenceStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)
}
