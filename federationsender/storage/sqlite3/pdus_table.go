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

	"github.com/matrix-org/fedsender/internal/sqlutil"
)

const pdusSchema = `
CREATE TABLE IF NOT EXISTS federationsender_pdus_json (
	-- The event ID of the PDU.
	event_id TEXT PRIMARY KEY,
	-- The PDU JSON as it should be sent.
	json TEXT NOT NULL
);
`

const insertPDUSQL = "" +
	"INSERT INTO federationsender_pdus_json (event_id, json) VALUES ($1, $2)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectPDUSQL = "" +
	"SELECT json FROM federationsender_pdus_json WHERE event_id = $1"

const deleteUnreferencedPDUSQL = "" +
	"DELETE FROM federationsender_pdus_json WHERE event_id = $1 AND NOT EXISTS (" +
	" SELECT 1 FROM federationsender_queue_requests WHERE event_type = 0 AND event_id = $1" +
	")"

type pdusStatements struct {
	db                        *sql.DB
	insertPDUStmt             *sql.Stmt
	selectPDUStmt             *sql.Stmt
	deleteUnreferencedPDUStmt *sql.Stmt
}

func NewSQLitePDUsTable(db *sql.DB) (s *pdusStatements, err error) {
	s = &pdusStatements{
		db: db,
	}
	_, err = s.db.Exec(pdusSchema)
	if err != nil {
		return
	}
	return s, sqlutil.StatementList{
		{&s.insertPDUStmt, insertPDUSQL},
		{&s.selectPDUStmt, selectPDUSQL},
		{&s.deleteUnreferencedPDUStmt, deleteUnreferencedPDUSQL},
	}.Prepare(db)
}

func (s *pdusStatements) InsertPDU(
	ctx context.Context, txn *sql.Tx, eventID string, json []byte,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertPDUStmt).ExecContext(ctx, eventID, string(json))
	return err
}

func (s *pdusStatements) SelectPDU(
	ctx context.Context, txn *sql.Tx, eventID string,
) ([]byte, error) {
	var json string
	err := sqlutil.TxStmt(txn, s.selectPDUStmt).QueryRowContext(ctx, eventID).Scan(&json)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(json), nil
}

func (s *pdusStatements) DeleteUnreferencedPDU(
	ctx context.Context, txn *sql.Tx, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteUnreferencedPDUStmt).ExecContext(ctx, eventID)
	return err
}
