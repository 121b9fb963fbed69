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

	"github.com/matrix-org/fedsender/internal/sqlutil"
)

const localMembershipsSchema = `
-- Local users joined to each room, used to decide which EDUs a remote
-- server is allowed to see.
CREATE TABLE IF NOT EXISTS federationsender_local_memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	UNIQUE (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS federationsender_local_memberships_user_id_idx
	ON federationsender_local_memberships (user_id);
`

const upsertLocalMembershipSQL = "" +
	"INSERT INTO federationsender_local_memberships (room_id, user_id) VALUES ($1, $2)" +
	" ON CONFLICT (room_id, user_id) DO NOTHING"

const deleteLocalMembershipSQL = "" +
	"DELETE FROM federationsender_local_memberships WHERE room_id = $1 AND user_id = $2"

const selectLocalMembersInRoomsSQL = "" +
	"SELECT DISTINCT user_id FROM federationsender_local_memberships WHERE room_id IN ($1)"

const selectRoomsForUserSQL = "" +
	"SELECT room_id FROM federationsender_local_memberships WHERE user_id = $1"

type localMembershipsStatements struct {
	db                        *sql.DB
	upsertLocalMembershipStmt *sql.Stmt
	deleteLocalMembershipStmt *sql.Stmt
	// selectLocalMembersInRoomsStmt is prepared at runtime due to variadic
	selectRoomsForUserStmt *sql.Stmt
}

func NewSQLiteLocalMembershipsTable(db *sql.DB) (s *localMembershipsStatements, err error) {
	s = &localMembershipsStatements{
		db: db,
	}
	_, err = s.db.Exec(localMembershipsSchema)
	if err != nil {
		return
	}
	return s, sqlutil.StatementList{
		{&s.upsertLocalMembershipStmt, upsertLocalMembershipSQL},
		{&s.deleteLocalMembershipStmt, deleteLocalMembershipSQL},
		{&s.selectRoomsForUserStmt, selectRoomsForUserSQL},
	}.Prepare(db)
}

func (s *localMembershipsStatements) UpsertLocalMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertLocalMembershipStmt).ExecContext(ctx, roomID, userID)
	return err
}

func (s *localMembershipsStatements) DeleteLocalMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteLocalMembershipStmt).ExecContext(ctx, roomID, userID)
	return err
}

func (s *localMembershipsStatements) SelectLocalMembersInRooms(
	ctx context.Context, txn *sql.Tx, roomIDs []string,
) ([]string, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	query := strings.Replace(selectLocalMembersInRoomsSQL, "($1)", sqlutil.QueryVariadic(len(roomIDs)), 1)
	rows, err := queryContext(ctx, s.db, txn, query, stringParams(roomIDs)...)
	if err != nil {
		return nil, err
	}
	return scanStrings(ctx, rows)
}

func (s *localMembershipsStatements) SelectRoomsForUser(
	ctx context.Context, txn *sql.Tx, userID string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt).QueryContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	return scanStrings(ctx, rows)
}
