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

package httputil

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// healthResponse is returned on requests to /health
type healthResponse struct {
	Code       int    `json:"code"`
	FirstError string `json:"error"`
}

// HealthCheckHandler pings every database and reports the first failure.
func HealthCheckHandler(conns ...*sql.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		resp := &healthResponse{
			Code: http.StatusOK,
		}
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		rw.Header().Set("Content-Type", "application/json")
		if err := dbPingCheck(ctx, conns, resp); err != nil {
			rw.WriteHeader(resp.Code)
		}

		if err := json.NewEncoder(rw).Encode(resp); err != nil {
			logrus.WithError(err).Error("unable to encode health response")
		}
	}
}

func dbPingCheck(ctx context.Context, conns []*sql.DB, resp *healthResponse) error {
	// check every database connection
	for _, conn := range conns {
		if err := conn.PingContext(ctx); err != nil {
			resp.Code = http.StatusInternalServerError
			resp.FirstError = err.Error()
			return err
		}
	}
	return nil
}
