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

// Package api holds the types shared between the federation sender's
// producers, its durable queue and its delivery code.
package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// MaxItemsPerTransaction bounds the number of queued items chosen for
// one transaction.
const MaxItemsPerTransaction = 30

const appservicePrefix = "+"

// OutgoingKind identifies one delivery lane: either a remote homeserver
// or an application service. Exactly one field is set.
type OutgoingKind struct {
	ServerName   spec.ServerName
	AppserviceID string
}

func FederationKind(serverName spec.ServerName) OutgoingKind {
	return OutgoingKind{ServerName: serverName}
}

func AppserviceKind(id string) OutgoingKind {
	return OutgoingKind{AppserviceID: id}
}

func (k OutgoingKind) IsAppservice() bool {
	return k.AppserviceID != ""
}

// Key is the durable encoding of the kind. Server names can never start
// with "+", so appservice lanes are prefixed with it.
func (k OutgoingKind) Key() string {
	if k.IsAppservice() {
		return appservicePrefix + k.AppserviceID
	}
	return string(k.ServerName)
}

func (k OutgoingKind) String() string {
	return k.Key()
}

// ParseOutgoingKind reverses Key.
func ParseOutgoingKind(key string) (OutgoingKind, error) {
	switch {
	case key == "", key == appservicePrefix:
		return OutgoingKind{}, fmt.Errorf("invalid outgoing kind %q", key)
	case strings.HasPrefix(key, appservicePrefix):
		return AppserviceKind(key[len(appservicePrefix):]), nil
	default:
		return FederationKind(spec.ServerName(key)), nil
	}
}

type SendingEventType uint8

const (
	// SendingPDU refers to a room event stored by event ID.
	SendingPDU SendingEventType = iota
	// SendingEDU carries a complete serialised EDU.
	SendingEDU
)

func (t SendingEventType) String() string {
	switch t {
	case SendingPDU:
		return "pdu"
	case SendingEDU:
		return "edu"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// SendingEvent is one unit of queued work.
type SendingEvent struct {
	Type    SendingEventType
	EventID string          // set for SendingPDU
	EDU     json.RawMessage // set for SendingEDU
}

func PDUEvent(eventID string) SendingEvent {
	return SendingEvent{Type: SendingPDU, EventID: eventID}
}

// EDUEvent serialises the EDU for the durable queue.
func EDUEvent(edu *gomatrixserverlib.EDU) (SendingEvent, error) {
	data, err := json.Marshal(edu)
	if err != nil {
		return SendingEvent{}, fmt.Errorf("json.Marshal: %w", err)
	}
	return SendingEvent{Type: SendingEDU, EDU: data}, nil
}

// QueuedRequest is a persisted work item. Active items belong to the
// transaction currently being delivered for their kind.
type QueuedRequest struct {
	ID     int64
	Kind   OutgoingKind
	Event  SendingEvent
	Active bool
}

// OutputRoomEvent is published for every new room event that may need to
// leave the server.
type OutputRoomEvent struct {
	RoomID  string          `json:"room_id"`
	EventID string          `json:"event_id"`
	Event   json.RawMessage `json:"event"`
	// Servers joined to the room after the event was applied.
	JoinedHosts []spec.ServerName `json:"joined_hosts"`
}

// OutputKeyChangeEvent is published when a local user's device keys change.
type OutputKeyChangeEvent struct {
	UserID string `json:"user_id"`
}

// OutputSendToDeviceEvent is published for every to-device message.
type OutputSendToDeviceEvent struct {
	Sender   string          `json:"sender"`
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
}
