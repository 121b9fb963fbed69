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

// Package edus selects the stream EDUs (device list updates, read
// receipts and presence) that a fresh transaction to a destination
// should carry.
package edus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/setup/config"
)

const deviceListPageSize = 256

type Database interface {
	LocalUsersVisibleTo(ctx context.Context, serverName spec.ServerName) ([]string, error)
	RoomsSharedWith(ctx context.Context, serverName spec.ServerName) ([]string, error)
	DeviceListChangesAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.DeviceListChange, error)
	ReceiptsAfter(ctx context.Context, roomIDs []string, after int64, limit int) ([]types.Receipt, error)
	PresenceAfter(ctx context.Context, userIDs []string, after int64, limit int) ([]types.Presence, error)
	EDUPosition(ctx context.Context, serverName spec.ServerName, stream string) (int64, error)
	SetEDUPositions(ctx context.Context, serverName spec.ServerName, positions map[string]int64) error
}

// Selector reads each stream from the position last sent to the
// destination and advances the position past what it selected.
type Selector struct {
	db     Database
	origin spec.ServerName
	limits config.EDULimits
	now    func() time.Time
}

func NewSelector(db Database, origin spec.ServerName, limits config.EDULimits) *Selector {
	return &Selector{
		db:     db,
		origin: origin,
		limits: limits,
		now:    time.Now,
	}
}

// SelectEDUs returns the EDUs for a fresh transaction to destination.
func (s *Selector) SelectEDUs(ctx context.Context, destination spec.ServerName) ([]gomatrixserverlib.EDU, error) {
	users, err := s.db.LocalUsersVisibleTo(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("s.db.LocalUsersVisibleTo: %w", err)
	}
	rooms, err := s.db.RoomsSharedWith(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("s.db.RoomsSharedWith: %w", err)
	}

	positions := map[string]int64{}
	var result []gomatrixserverlib.EDU
	for _, stream := range []struct {
		name     string
		keys     []string
		selectFn func(context.Context, []string, int64) ([]gomatrixserverlib.EDU, int64, error)
	}{
		{types.DeviceListStream, users, s.deviceListUpdates},
		{types.ReceiptStream, rooms, s.receipts},
		{types.PresenceStream, users, s.presence},
	} {
		if len(stream.keys) == 0 {
			continue
		}
		after, err := s.db.EDUPosition(ctx, destination, stream.name)
		if err != nil {
			return nil, fmt.Errorf("s.db.EDUPosition(%s): %w", stream.name, err)
		}
		edus, pos, err := stream.selectFn(ctx, stream.keys, after)
		if err != nil {
			return nil, fmt.Errorf("selecting %s: %w", stream.name, err)
		}
		if pos > after {
			positions[stream.name] = pos
		}
		for i := range edus {
			edus[i].Origin = string(s.origin)
			edus[i].Destination = string(destination)
		}
		result = append(result, edus...)
	}

	if len(positions) > 0 {
		if err := s.db.SetEDUPositions(ctx, destination, positions); err != nil {
			return nil, fmt.Errorf("s.db.SetEDUPositions: %w", err)
		}
	}
	if len(result) > 0 {
		logrus.WithFields(logrus.Fields{
			"destination": destination,
			"edus":        len(result),
		}).Debug("Selected stream EDUs")
	}
	return result, nil
}

// deviceListUpdates sends one notice per user, however many times the
// user's keys changed. It stops before the first user over the limit so
// that user is picked up next time.
func (s *Selector) deviceListUpdates(ctx context.Context, users []string, after int64) ([]gomatrixserverlib.EDU, int64, error) {
	limit := s.limits.MaxPerTransaction - 2
	pos := after
	seen := map[string]struct{}{}
	var order []string
	for {
		changes, err := s.db.DeviceListChangesAfter(ctx, users, pos, deviceListPageSize)
		if err != nil {
			return nil, after, err
		}
		full := false
		for _, change := range changes {
			if _, ok := seen[change.UserID]; !ok {
				if len(order) >= limit {
					full = true
					break
				}
				seen[change.UserID] = struct{}{}
				order = append(order, change.UserID)
			}
			pos = change.ID
		}
		if full || len(changes) < deviceListPageSize {
			break
		}
	}

	edus := make([]gomatrixserverlib.EDU, 0, len(order))
	for _, userID := range order {
		content, err := json.Marshal(types.DeviceListUpdateContent{
			UserID:            userID,
			DeviceID:          "dummy",
			DeviceDisplayName: "Dummy",
			StreamID:          1,
			PrevID:            []int64{},
		})
		if err != nil {
			return nil, after, err
		}
		edus = append(edus, gomatrixserverlib.EDU{Type: types.MDeviceListUpdate, Content: content})
	}
	return edus, pos, nil
}

// receipts folds the receipts into a single m.receipt EDU, keeping the
// latest receipt for each user in each room.
func (s *Selector) receipts(ctx context.Context, rooms []string, after int64) ([]gomatrixserverlib.EDU, int64, error) {
	receipts, err := s.db.ReceiptsAfter(ctx, rooms, after, s.limits.MaxReceipts)
	if err != nil || len(receipts) == 0 {
		return nil, after, err
	}
	content := types.ReceiptContent{}
	for _, r := range receipts {
		if r.Type != types.MRead {
			continue
		}
		room, ok := content[r.RoomID]
		if !ok {
			room = types.RoomReceipts{Read: map[string]types.UserReceipt{}}
			content[r.RoomID] = room
		}
		room.Read[r.UserID] = types.UserReceipt{
			Data:     types.ReceiptTS{TS: r.Timestamp},
			EventIDs: []string{r.EventID},
		}
	}
	pos := receipts[len(receipts)-1].ID
	if len(content) == 0 {
		return nil, pos, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, after, err
	}
	return []gomatrixserverlib.EDU{{Type: types.MReceipt, Content: data}}, pos, nil
}

// presence folds the updates into a single m.presence EDU, keeping the
// latest update for each user.
func (s *Selector) presence(ctx context.Context, users []string, after int64) ([]gomatrixserverlib.EDU, int64, error) {
	updates, err := s.db.PresenceAfter(ctx, users, after, s.limits.MaxPresence)
	if err != nil || len(updates) == 0 {
		return nil, after, err
	}
	now := spec.AsTimestamp(s.now())
	index := map[string]int{}
	var push []types.PresenceUpdate
	for _, p := range updates {
		update := types.PresenceUpdate{
			UserID:          p.UserID,
			Presence:        p.Presence,
			StatusMsg:       p.StatusMsg,
			LastActiveAgo:   p.LastActiveAgo(now),
			CurrentlyActive: p.CurrentlyActive(now),
		}
		if i, ok := index[p.UserID]; ok {
			push[i] = update
			continue
		}
		index[p.UserID] = len(push)
		push = append(push, update)
	}
	data, err := json.Marshal(types.PresenceContent{Push: push})
	if err != nil {
		return nil, after, err
	}
	return []gomatrixserverlib.EDU{{Type: types.MPresence, Content: data}}, updates[len(updates)-1].ID, nil
}
