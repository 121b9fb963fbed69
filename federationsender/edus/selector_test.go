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

package edus

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/internal/sqlutil"
	"github.com/matrix-org/fedsender/setup/config"
)

const (
	localServer = spec.ServerName("localhost")
	destination = spec.ServerName("remote.test")
)

var defaultLimits = config.EDULimits{MaxPerTransaction: 100, MaxReceipts: 256, MaxPresence: 256}

func mustCreateDatabase(t *testing.T) storage.Database {
	t.Helper()
	opts := config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "edus.db")),
	}
	cm := sqlutil.NewConnectionManager(opts)
	t.Cleanup(func() { _ = cm.Close() })
	db, err := storage.NewDatabase(cm, &opts, nil, localServer)
	require.NoError(t, err)
	return db
}

// joinRooms makes every user a member of every room, each shared with
// the destination.
func joinRooms(t *testing.T, db storage.Database, users []string, rooms int) []string {
	t.Helper()
	ctx := context.Background()
	var roomIDs []string
	for i := 0; i < rooms; i++ {
		roomID := fmt.Sprintf("!room%d:localhost", i)
		roomIDs = append(roomIDs, roomID)
		_, err := db.UpdateRoom(ctx, roomID, []spec.ServerName{localServer, destination})
		require.NoError(t, err)
		for _, userID := range users {
			require.NoError(t, db.SetLocalMembership(ctx, roomID, userID, true))
		}
	}
	return roomIDs
}

func TestDeviceListUpdatesOnePerUser(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)
	users := []string{"@alice:localhost", "@bob:localhost"}
	joinRooms(t, db, users, 3)
	// one key change per shared room
	for i := 0; i < 3; i++ {
		for _, userID := range users {
			_, err := db.StoreDeviceListChange(ctx, userID)
			require.NoError(t, err)
		}
	}

	s := NewSelector(db, localServer, defaultLimits)
	edus, err := s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	require.Len(t, edus, 2)
	for i, edu := range edus {
		assert.Equal(t, types.MDeviceListUpdate, edu.Type)
		assert.Equal(t, string(localServer), edu.Origin)
		var content types.DeviceListUpdateContent
		require.NoError(t, json.Unmarshal(edu.Content, &content))
		assert.Equal(t, users[i], content.UserID)
		assert.Equal(t, "dummy", content.DeviceID)
		assert.Equal(t, int64(1), content.StreamID)
		assert.NotNil(t, content.PrevID)
	}

	// nothing new since the last selection
	edus, err = s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	assert.Empty(t, edus)
}

func TestDeviceListUpdatesCapped(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)
	var users []string
	for i := 0; i < 5; i++ {
		users = append(users, fmt.Sprintf("@user%d:localhost", i))
	}
	joinRooms(t, db, users, 1)
	for _, userID := range users {
		_, err := db.StoreDeviceListChange(ctx, userID)
		require.NoError(t, err)
	}

	s := NewSelector(db, localServer, config.EDULimits{MaxPerTransaction: 5, MaxReceipts: 10, MaxPresence: 10})
	edus, err := s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	assert.Len(t, edus, 3)

	// the rest are picked up next time
	edus, err = s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	assert.Len(t, edus, 2)
}

func TestReceiptsFoldedIntoOneEDU(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)
	rooms := joinRooms(t, db, []string{"@alice:localhost"}, 2)
	_, err := db.UpdateRoom(ctx, "!private:localhost", []spec.ServerName{localServer})
	require.NoError(t, err)

	store := func(roomID, eventID string, ts spec.Timestamp) {
		_, err := db.StoreReceipt(ctx, &types.Receipt{
			RoomID: roomID, UserID: "@alice:localhost", Type: types.MRead, EventID: eventID, Timestamp: ts,
		})
		require.NoError(t, err)
	}
	store(rooms[0], "$old", 1)
	store(rooms[0], "$new", 2)
	store(rooms[1], "$other", 3)
	store("!private:localhost", "$hidden", 4)

	s := NewSelector(db, localServer, config.EDULimits{MaxPerTransaction: 100, MaxReceipts: 2, MaxPresence: 256})
	edus, err := s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	require.Len(t, edus, 1)
	assert.Equal(t, types.MReceipt, edus[0].Type)
	var content types.ReceiptContent
	require.NoError(t, json.Unmarshal(edus[0].Content, &content))
	require.Len(t, content, 1)
	receipt := content[rooms[0]].Read["@alice:localhost"]
	assert.Equal(t, []string{"$new"}, receipt.EventIDs)
	assert.Equal(t, spec.Timestamp(2), receipt.Data.TS)

	// capped at two receipts, so the third room comes next
	edus, err = s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	require.Len(t, edus, 1)
	content = types.ReceiptContent{}
	require.NoError(t, json.Unmarshal(edus[0].Content, &content))
	assert.Contains(t, content, rooms[1])
	assert.NotContains(t, content, "!private:localhost")
}

func TestPresenceLastWriteWins(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)
	joinRooms(t, db, []string{"@alice:localhost", "@bob:localhost"}, 1)
	now := time.Unix(1700000000, 0)
	ts := spec.AsTimestamp(now)

	busy := "busy"
	for _, p := range []types.Presence{
		{UserID: "@alice:localhost", Presence: "online", LastActiveTS: ts - 1000},
		{UserID: "@bob:localhost", Presence: "unavailable", LastActiveTS: ts - 600000},
		{UserID: "@alice:localhost", Presence: "online", StatusMsg: &busy, LastActiveTS: ts - 2000},
	} {
		p := p
		_, err := db.StorePresence(ctx, &p)
		require.NoError(t, err)
	}

	s := NewSelector(db, localServer, defaultLimits)
	s.now = func() time.Time { return now }
	edus, err := s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	require.Len(t, edus, 1)
	assert.Equal(t, types.MPresence, edus[0].Type)
	var content types.PresenceContent
	require.NoError(t, json.Unmarshal(edus[0].Content, &content))
	require.Len(t, content.Push, 2)
	alice := content.Push[0]
	assert.Equal(t, "@alice:localhost", alice.UserID)
	require.NotNil(t, alice.StatusMsg)
	assert.Equal(t, "busy", *alice.StatusMsg)
	assert.Equal(t, int64(2000), alice.LastActiveAgo)
	assert.True(t, alice.CurrentlyActive)
	bob := content.Push[1]
	assert.False(t, bob.CurrentlyActive)
	assert.Equal(t, int64(600000), bob.LastActiveAgo)
}

func TestNothingSharedSelectsNothing(t *testing.T) {
	ctx := context.Background()
	db := mustCreateDatabase(t)
	_, err := db.StoreDeviceListChange(ctx, "@alice:localhost")
	require.NoError(t, err)
	s := NewSelector(db, localServer, defaultLimits)
	edus, err := s.SelectEDUs(ctx, destination)
	require.NoError(t, err)
	assert.Empty(t, edus)
}
