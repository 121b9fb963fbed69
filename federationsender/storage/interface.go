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

package storage

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/types"
)

type Database interface {
	// Durable queue.
	QueueRequest(ctx context.Context, kind api.OutgoingKind, event api.SendingEvent) (int64, error)
	ActiveRequests(ctx context.Context) ([]api.QueuedRequest, error)
	ActiveRequestsFor(ctx context.Context, kind api.OutgoingKind) ([]api.QueuedRequest, error)
	QueuedRequests(ctx context.Context, kind api.OutgoingKind, limit int) ([]api.QueuedRequest, error)
	QueuedKinds(ctx context.Context) ([]api.OutgoingKind, error)
	MarkAsActive(ctx context.Context, requests []api.QueuedRequest) error
	DeleteRequests(ctx context.Context, requests []api.QueuedRequest) error
	DeleteAllActiveRequestsFor(ctx context.Context, kind api.OutgoingKind) error

	// PDU JSON referenced by queued requests.
	StorePDU(ctx context.Context, eventID string, pdu json.RawMessage) error
	GetPDU(ctx context.Context, eventID string) (json.RawMessage, error)

	// Room membership as seen by the federation sender.
	UpdateRoom(ctx context.Context, roomID string, joinedHosts []spec.ServerName) ([]spec.ServerName, error)
	GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error)
	RoomsSharedWith(ctx context.Context, serverName spec.ServerName) ([]string, error)
	SetLocalMembership(ctx context.Context, roomID, userID string, joined bool) error
	LocalUsersVisibleTo(ctx context.Context, serverName spec.ServerName) ([]string, error)
	ServersSharingRoomWith(ctx context.Context, userID string) ([]spec.ServerName, error)

	// EDU streams.
	StoreDeviceListChange(ctx context.Context, userID string) (int64, error)
	StoreReceipt(ctx context.Context, receipt *types.Receipt) (int64, error)
	StorePresence(ctx context.Context, presence *types.Presence) (int64, error)
	DeviceListChangesAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.DeviceListChange, error)
	ReceiptsAfter(ctx context.Context, roomIDs []string, after int64, limit int) ([]types.Receipt, error)
	PresenceAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.Presence, error)
	EDUPosition(ctx context.Context, serverName spec.ServerName, stream string) (int64, error)
	SetEDUPositions(ctx context.Context, serverName spec.ServerName, positions map[string]int64) error
}
