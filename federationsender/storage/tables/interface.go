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

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/types"
)

// FederationQueueRequests is the durable work queue. Rows are returned
// oldest first.
type FederationQueueRequests interface {
	InsertQueueRequest(ctx context.Context, txn *sql.Tx, kind api.OutgoingKind, event api.SendingEvent) (int64, error)
	SelectActiveRequests(ctx context.Context, txn *sql.Tx) ([]api.QueuedRequest, error)
	SelectActiveRequestsForKind(ctx context.Context, txn *sql.Tx, kind api.OutgoingKind) ([]api.QueuedRequest, error)
	SelectQueuedRequests(ctx context.Context, txn *sql.Tx, kind api.OutgoingKind, limit int) ([]api.QueuedRequest, error)
	UpdateRequestsActive(ctx context.Context, txn *sql.Tx, ids []int64) error
	DeleteRequests(ctx context.Context, txn *sql.Tx, ids []int64) error
	DeleteActiveRequestsForKind(ctx context.Context, txn *sql.Tx, kind api.OutgoingKind) error
	// SelectQueuedKinds returns each kind with at least one inactive row.
	SelectQueuedKinds(ctx context.Context, txn *sql.Tx) ([]api.OutgoingKind, error)
}

// FederationPDUs holds the JSON of room events referenced by queued requests.
type FederationPDUs interface {
	InsertPDU(ctx context.Context, txn *sql.Tx, eventID string, json []byte) error
	SelectPDU(ctx context.Context, txn *sql.Tx, eventID string) ([]byte, error)
	// DeleteUnreferencedPDU removes the event unless a queued request still
	// refers to it.
	DeleteUnreferencedPDU(ctx context.Context, txn *sql.Tx, eventID string) error
}

type FederationJoinedHosts interface {
	InsertJoinedHost(ctx context.Context, txn *sql.Tx, roomID string, serverName spec.ServerName) error
	DeleteJoinedHosts(ctx context.Context, txn *sql.Tx, roomID string) error
	SelectJoinedHosts(ctx context.Context, txn *sql.Tx, roomID string) ([]spec.ServerName, error)
	SelectJoinedHostsForRooms(ctx context.Context, txn *sql.Tx, roomIDs []string) ([]spec.ServerName, error)
	SelectRoomsForServer(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) ([]string, error)
}

type FederationLocalMemberships interface {
	UpsertLocalMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) error
	DeleteLocalMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) error
	SelectLocalMembersInRooms(ctx context.Context, txn *sql.Tx, roomIDs []string) ([]string, error)
	SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID string) ([]string, error)
}

type FederationDeviceChanges interface {
	InsertDeviceChange(ctx context.Context, txn *sql.Tx, userID string) (int64, error)
	SelectDeviceChangesAfter(ctx context.Context, txn *sql.Tx, userIDs []string, after int64, limit int) ([]types.DeviceListChange, error)
}

type FederationReceipts interface {
	InsertReceipt(ctx context.Context, txn *sql.Tx, receipt *types.Receipt) (int64, error)
	SelectReceiptsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, after int64, limit int) ([]types.Receipt, error)
}

type FederationPresence interface {
	InsertPresence(ctx context.Context, txn *sql.Tx, presence *types.Presence) (int64, error)
	SelectPresenceAfter(ctx context.Context, txn *sql.Tx, userIDs []string, after int64, limit int) ([]types.Presence, error)
}

// FederationEDUPositions tracks, per destination and stream, the last
// stream entry already handed to that destination.
type FederationEDUPositions interface {
	SelectPosition(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, stream string) (int64, error)
	UpsertPosition(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, stream string, pos int64) error
}
