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

// Package consumers turns the homeserver's JetStream output streams into
// work for the outgoing queues.
package consumers

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Queues is the part of the outgoing queues the consumers feed.
type Queues interface {
	SendEvent(ctx context.Context, eventID string, pdu json.RawMessage, destinations []spec.ServerName) error
	SendEventToAppservices(ctx context.Context, eventID string, pdu json.RawMessage, appserviceIDs []string) error
	SendEDU(ctx context.Context, e *gomatrixserverlib.EDU, destinations []spec.ServerName) error
	Flush(destinations []spec.ServerName)
}

// localUser reports whether userID is a valid user on serverName.
func localUser(userID string, serverName spec.ServerName) bool {
	_, domain, err := gomatrixserverlib.SplitID('@', userID)
	return err == nil && domain == serverName
}
