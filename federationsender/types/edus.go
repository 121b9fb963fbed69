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
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// EDU types understood by the federation sender.
const (
	MPresence         = "m.presence"
	MReceipt          = "m.receipt"
	MTyping           = "m.typing"
	MDeviceListUpdate = "m.device_list_update"
	MDirectToDevice   = "m.direct_to_device"
	MSigningKeyUpdate = "m.signing_key_update"
)

// Receipt types.
const (
	MRead = "m.read"
)

type PresenceContent struct {
	Push []PresenceUpdate `json:"push"`
}

type PresenceUpdate struct {
	UserID          string  `json:"user_id"`
	Presence        string  `json:"presence"`
	StatusMsg       *string `json:"status_msg,omitempty"`
	LastActiveAgo   int64   `json:"last_active_ago"`
	CurrentlyActive bool    `json:"currently_active"`
}

// ReceiptContent maps room ID to the receipts in that room.
type ReceiptContent map[string]RoomReceipts

type RoomReceipts struct {
	Read map[string]UserReceipt `json:"m.read"`
}

type UserReceipt struct {
	Data     ReceiptTS `json:"data"`
	EventIDs []string  `json:"event_ids"`
}

type ReceiptTS struct {
	TS spec.Timestamp `json:"ts"`
}

type TypingContent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type DeviceListUpdateContent struct {
	UserID            string          `json:"user_id"`
	DeviceID          string          `json:"device_id"`
	DeviceDisplayName string          `json:"device_display_name,omitempty"`
	StreamID          int64           `json:"stream_id"`
	PrevID            []int64         `json:"prev_id"`
	Deleted           bool            `json:"deleted,omitempty"`
	Keys              json.RawMessage `json:"keys,omitempty"`
}

type DirectToDeviceContent struct {
	Sender    string                                `json:"sender"`
	Type      string                                `json:"type"`
	MessageID string                                `json:"message_id"`
	Messages  map[string]map[string]json.RawMessage `json:"messages"`
}

type SigningKeyUpdateContent struct {
	UserID         string          `json:"user_id"`
	MasterKey      json.RawMessage `json:"master_key,omitempty"`
	SelfSigningKey json.RawMessage `json:"self_signing_key,omitempty"`
}

// ParseEDUContent decodes the content of a known EDU type into its struct.
// Unknown types are returned unchanged as json.RawMessage.
func ParseEDUContent(eduType string, content []byte) (interface{}, error) {
	var target interface{}
	switch eduType {
	case MPresence:
		target = &PresenceContent{}
	case MReceipt:
		target = &ReceiptContent{}
	case MTyping:
		target = &TypingContent{}
	case MDeviceListUpdate:
		target = &DeviceListUpdateContent{}
	case MDirectToDevice:
		target = &DirectToDeviceContent{}
	case MSigningKeyUpdate:
		target = &SigningKeyUpdateContent{}
	default:
		return json.RawMessage(content), nil
	}
	if err := json.Unmarshal(content, target); err != nil {
		return nil, fmt.Errorf("malformed %s content: %w", eduType, err)
	}
	return target, nil
}
