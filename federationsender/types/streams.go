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

import "github.com/matrix-org/gomatrixserverlib/spec"

// Stream names used for per-destination EDU positions.
const (
	DeviceListStream = "device_list"
	ReceiptStream    = "receipt"
	PresenceStream   = "presence"
)

// DeviceListChange records that a local user's device keys changed.
type DeviceListChange struct {
	ID     int64
	UserID string
}

// Receipt is a local user's read receipt.
type Receipt struct {
	ID        int64
	RoomID    string
	UserID    string
	Type      string
	EventID   string
	Timestamp spec.Timestamp
}

// Presence is a local user's presence update.
type Presence struct {
	ID           int64
	UserID       string
	Presence     string
	StatusMsg    *string
	LastActiveTS spec.Timestamp
}

// CurrentlyActive reports whether the user was active within the last
// five minutes of now.
func (p Presence) CurrentlyActive(now spec.Timestamp) bool {
	return p.Presence == "online" && p.LastActiveAgo(now) < 5*60*1000
}

func (p Presence) LastActiveAgo(now spec.Timestamp) int64 {
	if p.LastActiveTS == 0 || now < p.LastActiveTS {
		return 0
	}
	return int64(now - p.LastActiveTS)
}
