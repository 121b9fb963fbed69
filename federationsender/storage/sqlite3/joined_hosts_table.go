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

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/internal/sqlutil"
)

const joinedHostsSchema = `
-- Remote and local servers with at least one joined member, per room.
CREATE TABLE IF NOT EXISTS federationsender_joined_hosts (
	-- The string ID of the room.
	room_id TEXT NOT NULL,
	-- The domain part of a user joined to the room.
	server_name TEXT NOT NULL,
	UNIQUE (room_id, server_name)
);

CREATE INDEX IF NOT EXISTS federationsender_joined_hosts_server_name_idx
	ON federationsender_joined_hosts (server_name);
`

const insertJoinedHostSQL = "" +
	"INSERT INTO federationsender_joined_hosts (room_id, server_name) VALUES ($1, $2)" +
	" ON CONFLICT (room_id, server_name) DO NOTHING"

const deleteJoinedHostsSQL = "" +
	"DELETE FROM federationsender_joined_hosts WHERE room_id = $1"

const selectJoinedHostsSQL = "" +
	"SELECT server_name FROM federationsender_joined_hosts WHERE room_id = $1 ORDER BY server_name"

const selectJoinedHostsForRoomsSQL = "" +
	"SELECT DISTINCT server_name FROM federationsender_joined_hosts WHERE room_id IN ($1)"

const selectRoomsForServerSQL = "" +
	"SELECT room_id FROM federationsender_joined_hosts WHERE server_name = $1"

type joinedHostsStatements struct {
	db                    *sql.DB
	insertJoinedHostStmt  *sql.Stmt
	deleteJoinedHostsStmt *sql.Stmt
	selectJoinedHostsStmt *sql.Stmt
	// selectJoinedHostsForRoomsStmt is prepared at runtime due to variadic
	selectRoomsForServerStmt *sql.Stmt
}

func NewSQLiteJoinedHostsTable(db *sql.DB) (s *joinedHostsStatements, err error) {
	s = &joinedHostsStatements{
		db: db,
	}
	_, err = s.db.Exec(joinedHostsSchema)
	if err != nil {
		return
	}
	return s, sqlutil.StatementList{
		{&s.insertJoinedHostStmt, insertJoinedHostSQL},
		{&s.deleteJoinedHostsStmt, deleteJoinedHostsSQL},
		{&s.selectJoinedHostsStmt, selectJoinedHostsSQL},
		{&s.selectRoomsForServerStmt, selectRoomsForServerSQL},
	}.Prepare(db)
}

func (s *joinedHostsStatements) InsertJoinedHost(
	ctx context.Context, txn *sql.Tx, roomID string, serverName spec.ServerName,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertJoinedHostStmt).ExecContext(ctx, roomID, serverName)
	return err
}

func (s *joinedHostsStatements) DeleteJoinedHosts(
	ctx context.Context, txn *sql.Tx, roomID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteJoinedHostsStmt).ExecContext(ctx, roomID)
	return err
}

func (s *joinedHostsStatements) SelectJoinedHosts(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]spec.ServerName, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectJoinedHostsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return scanServerNames(ctx, rows)
}

func (s *joinedHostsStatements) SelectJoinedHostsForRooms(
	ctx context.Context, txn *sql.Tx, roomIDs []string,
) ([]spec.ServerName, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectJoinedHostsForRoomsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	rows, err := queryContext(ctx, s.db, txn, query, stringParams(roomIDs)...)
	if err != nil {
		return nil, err
	}
	return scanServerNames(ctx, rows)
}

func (s *joinedHostsStatements) SelectRoomsForServer(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForServerStmt).QueryContext(ctx, serverName)
	if err != nil {
		return nil, err
	}
	return scanStrings(ctx, rows)
}

func scanServerNames(ctx context.Context, rows *sql.Rows) ([]spec.ServerName, error) {
	defer sqlutil.CloseAndLogIfError(ctx, rows, "scanServerNames: rows.close() failed")
	var result []spec.ServerName
	for rows.Next() {
		var serverName string
		if err := rows.Scan(&serverName); err != nil {
			return nil, err
		}
		result = append(result, spec.ServerName(serverName))
	}
	return result, rows.Err()
}

func scanStrings(ctx context.Context, rows *sql.Rows) ([]string, error) {
	defer sqlutil.CloseAndLogIfError(ctx, rows, "scanStrings: rows.close() failed")
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// queryContext runs a query prepared at runtime, inside txn if given.
func queryContext(ctx context.Context, db *sql.DB, txn *sql.Tx, query string, params ...interface{}) (*sql.Rows, error) {
	if txn != nil {
		return txn.QueryContext(ctx, query, params...)
	}
	return db.QueryContext(ctx, query, params...)
}

func stringParams(values []string) []interface{} {
	params := make([]interface{}, len(values))
	for i, v := range values {
		params[i] = v
	}
	return params
}
