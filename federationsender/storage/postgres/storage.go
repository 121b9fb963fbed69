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

package postgres

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/federationsender/storage/shared"
	"github.com/matrix-org/fedsender/internal/caching"
	"github.com/matrix-org/fedsender/internal/sqlutil"
	"github.com/matrix-org/fedsender/setup/config"
)

// NewDatabase opens a new database
func NewDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache caching.Cache[string, json.RawMessage], serverName spec.ServerName) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	queueRequests, err := NewPostgresQueueRequestsTable(db)
	if err != nil {
		return nil, err
	}
	pdus, err := NewPostgresPDUsTable(db)
	if err != nil {
		return nil, err
	}
	joinedHosts, err := NewPostgresJoinedHostsTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewPostgresLocalMembershipsTable(db)
	if err != nil {
		return nil, err
	}
	eduStreams, err := NewPostgresEDUStreamsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:                         db,
		Writer:                     writer,
		Cache:                      cache,
		ServerName:                 serverName,
		FederationQueueRequests:    queueRequests,
		FederationPDUs:             pdus,
		FederationJoinedHosts:      joinedHosts,
		FederationLocalMemberships: memberships,
		FederationDeviceChanges:    eduStreams,
		FederationReceipts:         eduStreams,
		FederationPresence:         eduStreams,
		FederationEDUPositions:     eduStreams,
	}, nil
}
