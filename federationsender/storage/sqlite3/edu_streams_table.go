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
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/internal/sqlutil"
)

const eduStreamsSchema = `
-- Local users whose device keys changed. The ID is the stream position.
CREATE TABLE IF NOT EXISTS federationsender_device_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL
);

-- Local read receipts.
CREATE TABLE IF NOT EXISTS federationsender_receipts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS federationsender_receipts_room_id_idx
	ON federationsender_receipts (room_id, id);

-- Local presence updates.
CREATE TABLE IF NOT EXISTS federationsender_presence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	presence TEXT NOT NULL,
	status_msg TEXT,
	last_active_ts BIGINT NOT NULL
);

-- The last stream position handed to each destination.
CREATE TABLE IF NOT EXISTS federationsender_edu_positions (
	server_name TEXT NOT NULL,
	stream TEXT NOT NULL,
	position BIGINT NOT NULL,
	PRIMARY KEY (server_name, stream)
);
`

const insertDeviceChangeSQL = "" +
	"INSERT INTO federationsender_device_changes (user_id) VALUES ($1)"

const selectDeviceChangesAfterSQL = "" +
	"SELECT id, user_id FROM federationsender_device_changes" +
	" WHERE id > $1 AND user_id IN ($2) ORDER BY id ASC LIMIT $LIMIT"

const insertReceiptSQL = "" +
	"INSERT INTO federationsender_receipts (room_id, user_id, receipt_type, event_id, receipt_ts)" +
	" VALUES ($1, $2, $3, $4, $5)"

const selectReceiptsAfterSQL = "" +
	"SELECT id, room_id, user_id, receipt_type, event_id, receipt_ts FROM federationsender_receipts" +
	" WHERE id > $1 AND room_id IN ($2) ORDER BY id ASC LIMIT $LIMIT"

const insertPresenceSQL = "" +
	"INSERT INTO federationsender_presence (user_id, presence, status_msg, last_active_ts)" +
	" VALUES ($1, $2, $3, $4)"

const selectPresenceAfterSQL = "" +
	"SELECT id, user_id, presence, status_msg, last_active_ts FROM federationsender_presence" +
	" WHERE id > $1 AND user_id IN ($2) ORDER BY id ASC LIMIT $LIMIT"

const selectPositionSQL = "" +
	"SELECT position FROM federationsender_edu_positions WHERE server_name = $1 AND stream = $2"

const upsertPositionSQL = "" +
	"INSERT INTO federationsender_edu_positions (server_name, stream, position) VALUES ($1, $2, $3)" +
	" ON CONFLICT (server_name, stream) DO UPDATE SET position = $3"

type eduStreamsStatements struct {
	db                     *sql.DB
	insertDeviceChangeStmt *sql.Stmt
	insertReceiptStmt      *sql.Stmt
	insertPresenceStmt     *sql.Stmt
	selectPositionStmt     *sql.Stmt
	upsertPositionStmt     *sql.Stmt
	// the select*After statements are prepared at runtime due to variadic
}

func NewSQLiteEDUStreamsTable(db *sql.DB) (s *eduStreamsStatements, err error) {
	s = &eduStreamsStatements{
		db: db,
	}
	_, err = s.db.Exec(eduStreamsSchema)
	if err != nil {
		return
	}
	return s, sqlutil.StatementList{
		{&s.insertDeviceChangeStmt, insertDeviceChangeSQL},
		{&s.insertReceiptStmt, insertReceiptSQL},
		{&s.insertPresenceStmt, insertPresenceSQL},
		{&s.selectPositionStmt, selectPositionSQL},
		{&s.upsertPositionStmt, upsertPositionSQL},
	}.Prepare(db)
}

func (s *eduStreamsStatements) selectAfter(
	ctx context.Context, txn *sql.Tx, query string, values []string, after int64, limit int,
) (*sql.Rows, error) {
	// SQLite numbers "$n" parameters in order of appearance, so the limit
	// placeholder has to come after the list.
	query = strings.Replace(query, "($2)", sqlutil.QueryVariadicOffset(len(values), 1), 1)
	query = strings.Replace(query, "$LIMIT", fmt.Sprintf("$%d", len(values)+2), 1)
	params := append([]interface{}{after}, stringParams(values)...)
	params = append(params, limit)
	return queryContext(ctx, s.db, txn, query, params...)
}

func insertReturningID(ctx context.Context, txn *sql.Tx, stmt *sql.Stmt, params ...interface{}) (int64, error) {
	res, err := sqlutil.TxStmt(txn, stmt).ExecContext(ctx, params...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *eduStreamsStatements) InsertDeviceChange(
	ctx context.Context, txn *sql.Tx, userID string,
) (int64, error) {
	return insertReturningID(ctx, txn, s.insertDeviceChangeStmt, userID)
}

func (s *eduStreamsStatements) SelectDeviceChangesAfter(
	ctx context.Context, txn *sql.Tx, userIDs []string, after int64, limit int,
) ([]types.DeviceListChange, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.selectAfter(ctx, txn, selectDeviceChangesAfterSQL, userIDs, after, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectDeviceChangesAfter: rows.close() failed")
	var result []types.DeviceListChange
	for rows.Next() {
		var change types.DeviceListChange
		if err = rows.Scan(&change.ID, &change.UserID); err != nil {
			return nil, err
		}
		result = append(result, change)
	}
	return result, rows.Err()
}

func (s *eduStreamsStatements) InsertReceipt(
	ctx context.Context, txn *sql.Tx, r *types.Receipt,
) (int64, error) {
	return insertReturningID(ctx, txn, s.insertReceiptStmt, r.RoomID, r.UserID, r.Type, r.EventID, int64(r.Timestamp))
}

func (s *eduStreamsStatements) SelectReceiptsAfter(
	ctx context.Context, txn *sql.Tx, roomIDs []string, after int64, limit int,
) ([]types.Receipt, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	rows, err := s.selectAfter(ctx, txn, selectReceiptsAfterSQL, roomIDs, after, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectReceiptsAfter: rows.close() failed")
	var result []types.Receipt
	for rows.Next() {
		var r types.Receipt
		var ts int64
		if err = rows.Scan(&r.ID, &r.RoomID, &r.UserID, &r.Type, &r.EventID, &ts); err != nil {
			return nil, err
		}
		r.Timestamp = spec.Timestamp(ts)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *eduStreamsStatements) InsertPresence(
	ctx context.Context, txn *sql.Tx, p *types.Presence,
) (int64, error) {
	return insertReturningID(ctx, txn, s.insertPresenceStmt, p.UserID, p.Presence, p.StatusMsg, int64(p.LastActiveTS))
}

func (s *eduStreamsStatements) SelectPresenceAfter(
	ctx context.Context, txn *sql.Tx, userIDs []string, after int64, limit int,
) ([]types.Presence, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := s.selectAfter(ctx, txn, selectPresenceAfterSQL, userIDs, after, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectPresenceAfter: rows.close() failed")
	var result []types.Presence
	for rows.Next() {
		var p types.Presence
		var statusMsg sql.NullString
		var ts int64
		if err = rows.Scan(&p.ID, &p.UserID, &p.Presence, &statusMsg, &ts); err != nil {
			return nil, err
		}
		if statusMsg.Valid {
			p.StatusMsg = &statusMsg.String
		}
		p.LastActiveTS = spec.Timestamp(ts)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *eduStreamsStatements) SelectPosition(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, stream string,
) (pos int64, err error) {
	err = sqlutil.TxStmt(txn, s.selectPositionStmt).QueryRowContext(ctx, serverName, stream).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return
}

func (s *eduStreamsStatements) UpsertPosition(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, stream string, pos int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertPositionStmt).ExecContext(ctx, serverName, stream, pos)
	return err
}
