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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/matrix-org/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapHandlerInBasicAuth(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name     string
		auth     BasicAuth
		user     string
		password string
		want     int
	}{
		{name: "unprotected", want: http.StatusOK},
		{name: "no credentials", auth: BasicAuth{"metrics", "secret"}, want: http.StatusForbidden},
		{name: "wrong password", auth: BasicAuth{"metrics", "secret"}, user: "metrics", password: "nope", want: http.StatusForbidden},
		{name: "correct", auth: BasicAuth{"metrics", "secret"}, user: "metrics", password: "secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			WrapHandlerInBasicAuth(h, tt.auth).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMakeAdminAPI(t *testing.T) {
	h := MakeAdminAPI("test", func(*http.Request) util.JSONResponse {
		return util.JSONResponse{Code: http.StatusAccepted, JSON: map[string]string{"ok": "yes"}}
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"ok":"yes"}`, rec.Body.String())
}

func TestHealthCheckHandler(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectPing()
	rec := httptest.NewRecorder()
	HealthCheckHandler(db).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mock.ExpectPing().WillReturnError(assert.AnError)
	rec = httptest.NewRecorder()
	HealthCheckHandler(db).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"code":500,"error":"`+assert.AnError.Error()+`"}`, rec.Body.String())
	require.NoError(t, mock.ExpectationsWereMet())
}
