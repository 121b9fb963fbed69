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

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/internal/sqlutil"
)

const queueRequestsSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_requests (
	-- Durable ID, also the queue order.
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	-- The destination lane, a server name or "+" and an appservice ID.
	kind TEXT NOT NULL,
	-- 0 for a PDU reference, 1 for an EDU.
	event_type INTEGER NOT NULL,
	-- The event ID of a PDU.
	event_id TEXT NOT NULL DEFAULT '',
	-- The serialised EDU.
	edu_json TEXT NOT NULL DEFAULT '',
	-- Whether the request is part of the transaction in flight.
	active BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS federationsender_queue_requests_kind_idx
	ON federationsender_queue_requests (kind, active, id);
`

const insertQueueRequestSQL = "" +
	"INSERT INTO federationsender_queue_requests (kind, event_type, event_id, edu_json)" +
	" VALUES ($1, $2, $3, $4)"

const selectActiveRequestsSQL = "" +
	"SELECT id, kind, event_type, event_id, edu_json FROM federationsender_queue_requests" +
	" WHERE active = TRUE ORDER BY id ASC"

const selectActiveRequestsForKindSQL = "" +
	"SELECT id, kind, event_type, event_id, edu_json FROM federationsender_queue_requests" +
	" WHERE kind = $1 AND active = TRUE ORDER BY id ASC"

const selectQueuedRequestsSQL = "" +
	"SELECT id, kind, event_type, event_id, edu_json FROM federationsender_queue_requests" +
	" WHERE kind = $1 AND active = FALSE ORDER BY id ASC LIMIT $2"

const selectQueuedKindsSQL = "" +
	"SELECT DISTINCT kind FROM federationsender_queue_requests WHERE active = FALSE"

const updateRequestsActiveSQL = "" +
	"UPDATE federationsender_queue_requests SET active = TRUE WHERE id IN ($1)"

const deleteRequestsSQL = "" +
	"DELETE FROM federationsender_queue_requests WHERE id IN ($1)"

const deleteActiveRequestsForKindSQL = "" +
	"DELETE FROM federationsender_queue_requests WHERE kind = $1 AND active = TRUE"

type queueRequestsStatements struct {
	db                     *sql.DB
	insertQueueRequestStmt *sql.Stmt
	// updateRequestsActiveStmt and deleteRequestsStmt are prepared at runtime due to variadic
	selectActiveRequestsStmt        *sql.Stmt
	selectActiveRequestsForKindStmt *sql.Stmt
	selectQueuedRequestsStmt        *sql.Stmt
	deleteActiveRequestsForKindStmt *sql.Stmt
	selectQueuedKindsStmt           *sql.Stmt
}

func NewSQLiteQueueRequestsTable(db *sql.DB) (s *queueRequestsStatements, err error) {
	s = &queueRequestsStatements{
		db: db,
	}
	_, err = s.db.Exec(queueRequestsSchema)
	if err != nil {
		return
	}
	return s, sqlutil.StatementList{
		{&s.insertQueueRequestStmt, insertQueueRequestSQL},
		{&s.selectActiveRequestsStmt, selectActiveRequestsSQL},
		{&s.selectActiveRequestsForKindStmt, selectActiveRequestsForKindSQL},
		{&s.selectQueuedRequestsStmt, selectQueuedRequestsSQL},
		{&s.deleteActiveRequestsForKindStmt, deleteActiveRequestsForKindSQL},
		{&s.selectQueuedKindsStmt, selectQueuedKindsSQL},
	}.Prepare(db)
}

func (s *queueRequestsStatements) InsertQueueRequest(
	ctx context.Context, txn *sql.Tx, kind api.OutgoingKind, event api.SendingEvent,
) (int64, error) {
	stmt := sqlutil.TxStmt(txn, s.insertQueueRequestStmt)
	res, err := stmt.ExecContext(ctx, kind.Key(), event.Type, event.EventID, string(event.EDU))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *queueRequestsStatements) SelectActiveRequests(
	ctx context.Context, txn *sql.Tx,
) ([]api.QueuedRequest, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectActiveRequestsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	return scanQueuedRequests(ctx, rows, true)
}

func (s *queueRequestsStatements) SelectActiveRequestsForKind(
	ctx context.Context, txn *sql.Tx, kind api.OutgoingKind,
) ([]api.QueuedRequest, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectActiveRequestsForKindStmt).QueryContext(ctx, kind.Key())
	if err != nil {
		return nil, err
	}
	return scanQueuedRequests(ctx, rows, true)
}

func (s *queueRequestsStatements) SelectQueuedRequests(
	ctx context.Context, txn *sql.Tx, kind api.OutgoingKind, limit int,
) ([]api.QueuedRequest, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectQueuedRequestsStmt).QueryContext(ctx, kind.Key(), limit)
	if err != nil {
		return nil, err
	}
	return scanQueuedRequests(ctx, rows, false)
}

func (s *queueRequestsStatements) UpdateRequestsActive(
	ctx context.Context, txn *sql.Tx, ids []int64,
) error {
	return s.execForIDs(ctx, txn, updateRequestsActiveSQL, ids)
}

func (s *queueRequestsStatements) DeleteRequests(
	ctx context.Context, txn *sql.Tx, ids []int64,
) error {
	return s.execForIDs(ctx, txn, deleteRequestsSQL, ids)
}

func (s *queueRequestsStatements) execForIDs(
	ctx context.Context, txn *sql.Tx, query string, ids []int64,
) error {
	if len(ids) == 0 {
		return nil
	}
	query = strings.Replace(query, "($1)", sqlutil.QueryVariadic(len(ids)), 1)
	params := make([]interface{}, len(ids))
	for k, v := range ids {
		params[k] = v
	}
	var err error
	if txn != nil {
		_, err = txn.ExecContext(ctx, query, params...)
	} else {
		_, err = s.db.ExecContext(ctx, query, params...)
	}
	if err != nil {
		return fmt.Errorf("execForIDs: %w", err)
	}
	return nil
}

func (s *queueRequestsStatements) SelectQueuedKinds(
	ctx context.Context, txn *sql.Tx,
) ([]api.OutgoingKind, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectQueuedKindsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectQueuedKinds: rows.close() failed")
	var result []api.OutgoingKind
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, err
		}
		kind, err := api.ParseOutgoingKind(key)
		if err != nil {
			return nil, fmt.Errorf("queued kind %q: %w", key, err)
		}
		result = append(result, kind)
	}
	return result, rows.Err()
}

func (s *queueRequestsStatements) DeleteActiveRequestsForKind(
	ctx context.Context, txn *sql.Tx, kind api.OutgoingKind,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteActiveRequestsForKindStmt).ExecContext(ctx, kind.Key())
	return err
}

func scanQueuedRequests(ctx context.Context, rows *sql.Rows, active bool) ([]api.QueuedRequest, error) {
	defer sqlutil.CloseAndLogIfError(ctx, rows, "scanQueuedRequests: rows.close() failed")
	var result []api.QueuedRequest
	for rows.Next() {
		var req api.QueuedRequest
		var kind, eduJSON string
		if err := rows.Scan(&req.ID, &kind, &req.Event.Type, &req.Event.EventID, &eduJSON); err != nil {
			return nil, err
		}
		var err error
		if req.Kind, err = api.ParseOutgoingKind(kind); err != nil {
			return nil, fmt.Errorf("request %d: %w", req.ID, err)
		}
		if eduJSON != "" {
			req.Event.EDU = []byte(eduJSON)
		}
		req.Active = active
		result = append(result, req)
	}
	return result, rows.Err()
}
