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

package sqlutil

import "database/sql"

// Writer serialises database writes for engines that can't cope with
// concurrent writers, e.g. SQLite.
//
// If both db and txn are supplied, f runs with txn. If only db is
// supplied, a new transaction is opened on db and handed to f. If
// neither is supplied, f runs with a nil transaction, which is useful
// for single prepared statements.
//
// Calling Do from inside f on the same Writer will deadlock.
type Writer interface {
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
