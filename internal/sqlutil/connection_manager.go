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

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/matrix-org/fedsender/setup/config"
)

// Connections hands out one *sql.DB and Writer per connection string, so
// components configured with the same database share a pool.
type Connections struct {
	globalConfig        config.DatabaseOptions
	existingConnections sync.Map
	mu                  sync.Mutex
}

type con struct {
	db     *sql.DB
	writer Writer
}

func NewConnectionManager(globalConfig config.DatabaseOptions) *Connections {
	return &Connections{
		globalConfig: globalConfig,
	}
}

func (c *Connections) Connection(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	// If no connectionString was provided, try the global one
	if dbProperties == nil || dbProperties.ConnectionString == "" {
		dbProperties = &c.globalConfig
		if dbProperties.ConnectionString == "" {
			return nil, nil, fmt.Errorf("no database connections configured")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.existingConnections.Load(dbProperties.ConnectionString); ok {
		ex := existing.(*con)
		return ex.db, ex.writer, nil
	}

	writer := NewDummyWriter()
	if dbProperties.ConnectionString.IsSQLite() {
		writer = NewExclusiveWriter()
	}
	db, err := Open(dbProperties)
	if err != nil {
		return nil, nil, err
	}
	c.existingConnections.Store(dbProperties.ConnectionString, &con{db: db, writer: writer})
	return db, writer, nil
}

// Close closes every database handed out by the manager.
func (c *Connections) Close() error {
	var firstErr error
	c.existingConnections.Range(func(_, value any) bool {
		if err := value.(*con).db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
