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

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/storage/tables"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/internal/caching"
	"github.com/matrix-org/fedsender/internal/sqlutil"
)

// Database implements storage.Database on top of the dialect specific
// tables.
type Database struct {
	DB                         *sql.DB
	Writer                     sqlutil.Writer
	Cache                      caching.Cache[string, json.RawMessage]
	ServerName                 spec.ServerName
	FederationQueueRequests    tables.FederationQueueRequests
	FederationPDUs             tables.FederationPDUs
	FederationJoinedHosts      tables.FederationJoinedHosts
	FederationLocalMemberships tables.FederationLocalMemberships
	FederationDeviceChanges    tables.FederationDeviceChanges
	FederationReceipts         tables.FederationReceipts
	FederationPresence         tables.FederationPresence
	FederationEDUPositions     tables.FederationEDUPositions
}

// QueueRequest persists a work item in the queued state.
func (d *Database) QueueRequest(
	ctx context.Context, kind api.OutgoingKind, event api.SendingEvent,
) (id int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		id, err = d.FederationQueueRequests.InsertQueueRequest(ctx, txn, kind, event)
		return err
	})
	return
}

func (d *Database) ActiveRequests(ctx context.Context) ([]api.QueuedRequest, error) {
	return d.FederationQueueRequests.SelectActiveRequests(ctx, nil)
}

func (d *Database) ActiveRequestsFor(ctx context.Context, kind api.OutgoingKind) ([]api.QueuedRequest, error) {
	return d.FederationQueueRequests.SelectActiveRequestsForKind(ctx, nil, kind)
}

// QueuedKinds returns the kinds that have inactive items waiting.
func (d *Database) QueuedKinds(ctx context.Context) ([]api.OutgoingKind, error) {
	return d.FederationQueueRequests.SelectQueuedKinds(ctx, nil)
}

// QueuedRequests returns up to limit inactive items for kind, oldest first.
func (d *Database) QueuedRequests(ctx context.Context, kind api.OutgoingKind, limit int) ([]api.QueuedRequest, error) {
	return d.FederationQueueRequests.SelectQueuedRequests(ctx, nil, kind, limit)
}

func (d *Database) MarkAsActive(ctx context.Context, requests []api.QueuedRequest) error {
	if len(requests) == 0 {
		return nil
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationQueueRequests.UpdateRequestsActive(ctx, txn, requestIDs(requests))
	})
}

// DeleteRequests removes delivered items along with any PDU JSON that no
// other item refers to.
func (d *Database) DeleteRequests(ctx context.Context, requests []api.QueuedRequest) error {
	if len(requests) == 0 {
		return nil
	}
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.FederationQueueRequests.DeleteRequests(ctx, txn, requestIDs(requests)); err != nil {
			return fmt.Errorf("DeleteRequests: %w", err)
		}
		for _, req := range requests {
			if req.Event.Type != api.SendingPDU {
				continue
			}
			if err := d.FederationPDUs.DeleteUnreferencedPDU(ctx, txn, req.Event.EventID); err != nil {
				return fmt.Errorf("DeleteUnreferencedPDU: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if d.Cache != nil {
		for _, req := range requests {
			if req.Event.Type == api.SendingPDU {
				d.Cache.Unset(req.Event.EventID)
			}
		}
	}
	return nil
}

func (d *Database) DeleteAllActiveRequestsFor(ctx context.Context, kind api.OutgoingKind) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationQueueRequests.DeleteActiveRequestsForKind(ctx, txn, kind)
	})
}

func (d *Database) StorePDU(ctx context.Context, eventID string, pdu json.RawMessage) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.FederationPDUs.InsertPDU(ctx, txn, eventID, pdu)
	})
}

// GetPDU returns the stored JSON for the event, or nil if it isn't known.
func (d *Database) GetPDU(ctx context.Context, eventID string) (json.RawMessage, error) {
	if d.Cache != nil {
		if pdu, ok := d.Cache.Get(eventID); ok {
			return pdu, nil
		}
	}
	pdu, err := d.FederationPDUs.SelectPDU(ctx, nil, eventID)
	if err != nil || pdu == nil {
		return nil, err
	}
	if d.Cache != nil {
		d.Cache.Set(eventID, pdu)
	}
	return pdu, nil
}

// UpdateRoom replaces the joined hosts of a room, returning the previous set.
func (d *Database) UpdateRoom(
	ctx context.Context, roomID string, joinedHosts []spec.ServerName,
) (previous []spec.ServerName, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		previous, err = d.FederationJoinedHosts.SelectJoinedHosts(ctx, txn, roomID)
		if err != nil {
			return fmt.Errorf("SelectJoinedHosts: %w", err)
		}
		if err = d.FederationJoinedHosts.DeleteJoinedHosts(ctx, txn, roomID); err != nil {
			return fmt.Errorf("DeleteJoinedHosts: %w", err)
		}
		for _, serverName := range joinedHosts {
			if err = d.FederationJoinedHosts.InsertJoinedHost(ctx, txn, roomID, serverName); err != nil {
				return fmt.Errorf("InsertJoinedHost: %w", err)
			}
		}
		return nil
	})
	return
}

func (d *Database) GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	return d.FederationJoinedHosts.SelectJoinedHosts(ctx, nil, roomID)
}

// RoomsSharedWith returns the rooms in which serverName has joined members.
func (d *Database) RoomsSharedWith(ctx context.Context, serverName spec.ServerName) ([]string, error) {
	return d.FederationJoinedHosts.SelectRoomsForServer(ctx, nil, serverName)
}

func (d *Database) SetLocalMembership(ctx context.Context, roomID, userID string, joined bool) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if joined {
			return d.FederationLocalMemberships.UpsertLocalMembership(ctx, txn, roomID, userID)
		}
		return d.FederationLocalMemberships.DeleteLocalMembership(ctx, txn, roomID, userID)
	})
}

// LocalUsersVisibleTo returns the local users sharing a room with serverName.
func (d *Database) LocalUsersVisibleTo(ctx context.Context, serverName spec.ServerName) ([]string, error) {
	rooms, err := d.RoomsSharedWith(ctx, serverName)
	if err != nil || len(rooms) == 0 {
		return nil, err
	}
	return d.FederationLocalMemberships.SelectLocalMembersInRooms(ctx, nil, rooms)
}

// ServersSharingRoomWith returns the remote servers joined to any room the
// local user is in.
func (d *Database) ServersSharingRoomWith(ctx context.Context, userID string) ([]spec.ServerName, error) {
	rooms, err := d.FederationLocalMemberships.SelectRoomsForUser(ctx, nil, userID)
	if err != nil || len(rooms) == 0 {
		return nil, err
	}
	servers, err := d.FederationJoinedHosts.SelectJoinedHostsForRooms(ctx, nil, rooms)
	if err != nil {
		return nil, err
	}
	result := servers[:0]
	for _, serverName := range servers {
		if serverName != d.ServerName {
			result = append(result, serverName)
		}
	}
	return result, nil
}

func (d *Database) StoreDeviceListChange(ctx context.Context, userID string) (pos int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.FederationDeviceChanges.InsertDeviceChange(ctx, txn, userID)
		return err
	})
	return
}

func (d *Database) StoreReceipt(ctx context.Context, receipt *types.Receipt) (pos int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.FederationReceipts.InsertReceipt(ctx, txn, receipt)
		return err
	})
	return
}

func (d *Database) StorePresence(ctx context.Context, presence *types.Presence) (pos int64, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.FederationPresence.InsertPresence(ctx, txn, presence)
		return err
	})
	return
}

func (d *Database) DeviceListChangesAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.DeviceListChange, error) {
	return d.FederationDeviceChanges.SelectDeviceChangesAfter(ctx, nil, userIDs, after, limit)
}

func (d *Database) ReceiptsAfter(ctx context.Context, roomIDs []string, after int64, limit int) ([]types.Receipt, error) {
	return d.FederationReceipts.SelectReceiptsAfter(ctx, nil, roomIDs, after, limit)
}

func (d *Database) PresenceAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.Presence, error) {
	return d.FederationPresence.SelectPresenceAfter(ctx, nil, userIDs, after, limit)
}

func (d *Database) EDUPosition(ctx context.Context, serverName spec.ServerName, stream string) (int64, error) {
	return d.FederationEDUPositions.SelectPosition(ctx, nil, serverName, stream)
}

// SetEDUPositions stores the new positions for serverName in one transaction.
func (d *Database) SetEDUPositions(ctx context.Context, serverName spec.ServerName, positions map[string]int64) error {
	if len(positions) == 0 {
		return nil
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for stream, pos := range positions {
			if err := d.FederationEDUPositions.UpsertPosition(ctx, txn, serverName, stream, pos); err != nil {
				return fmt.Errorf("UpsertPosition(%s): %w", stream, err)
			}
		}
		return nil
	})
}

func requestIDs(requests []api.QueuedRequest) []int64 {
	ids := make([]int64, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID
	}
	return ids
}
