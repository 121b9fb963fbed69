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

package routing

import (
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/queue"
	"github.com/matrix-org/fedsender/federationsender/resolver"
)

type destinationsResponse struct {
	Destinations map[string]queue.DestinationStatus `json:"destinations"`
}

// Destinations implements GET /_fedsender/admin/destinations
func Destinations(req *http.Request, queues Queues) util.JSONResponse {
	statuses, err := queues.Status(req.Context())
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("queues.Status failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	res := destinationsResponse{
		Destinations: make(map[string]queue.DestinationStatus, len(statuses)),
	}
	for _, status := range statuses {
		res.Destinations[status.Kind] = status
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// RetryDestination implements POST /_fedsender/admin/destinations/{serverName}/retry
// The path segment is a queue kind, so application services are
// addressed with their "+" prefix.
func RetryDestination(req *http.Request, queues Queues, key string) util.JSONResponse {
	kind, err := api.ParseOutgoingKind(key)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	}
	if !kind.IsAppservice() {
		if _, _, ok := spec.ParseAndValidateServerName(kind.ServerName); !ok {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid server name"),
			}
		}
	}
	if err = queues.RetryServer(req.Context(), kind); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("queues.RetryServer failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

type resolveResponse struct {
	Host       string `json:"host"`
	Port       string `json:"port"`
	HostHeader string `json:"host_header"`
	Method     string `json:"method"`
}

// ResolveServer implements GET /_fedsender/admin/resolve/{serverName}
func ResolveServer(req *http.Request, res Resolver, serverName spec.ServerName) util.JSONResponse {
	if _, _, ok := spec.ParseAndValidateServerName(serverName); !ok {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Invalid server name"),
		}
	}
	dest := res.Resolve(req.Context(), serverName)
	response := resolveResponse{
		Host:       dest.Host,
		Port:       dest.Port,
		HostHeader: dest.HostHeader,
	}
	if _, method, ok := res.Cached(serverName); ok {
		response.Method = method.Name()
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: response,
	}
}

var _ Resolver = (*resolver.Resolver)(nil)
var _ Queues = (*queue.OutgoingQueues)(nil)
