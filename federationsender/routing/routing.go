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

// Package routing serves the federation sender's admin API.
package routing

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/queue"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/internal/httputil"
	"github.com/matrix-org/fedsender/setup/config"
)

const PathPrefixAdmin = "/_fedsender/admin"

// Queues is the part of the outgoing queues the admin API inspects.
type Queues interface {
	Status(ctx context.Context) ([]queue.DestinationStatus, error)
	RetryServer(ctx context.Context, kind api.OutgoingKind) error
}

// Resolver is the part of the resolver the admin API inspects.
type Resolver interface {
	Resolve(ctx context.Context, serverName spec.ServerName) resolver.ResolvedDestination
	Cached(serverName spec.ServerName) (resolver.ResolvedDestination, resolver.Method, bool)
}

// Setup registers the admin API, and /metrics if enabled, on router.
func Setup(
	router *mux.Router,
	cfg *config.Global,
	queues Queues,
	res Resolver,
	health http.Handler,
) {
	if cfg.Metrics.Enabled {
		router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{
			Username: cfg.Metrics.BasicAuth.Username,
			Password: cfg.Metrics.BasicAuth.Password,
		}))
	}
	if health != nil {
		router.Handle("/health", health).Methods(http.MethodGet)
	}

	adminMux := router.PathPrefix(PathPrefixAdmin).Subrouter()
	adminMux.Handle("/destinations",
		httputil.MakeAdminAPI("admin_destinations", func(req *http.Request) util.JSONResponse {
			return Destinations(req, queues)
		}),
	).Methods(http.MethodGet)
	adminMux.Handle("/destinations/{serverName}/retry",
		httputil.MakeAdminAPI("admin_retry", func(req *http.Request) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return RetryDestination(req, queues, vars["serverName"])
		}),
	).Methods(http.MethodPost)
	adminMux.Handle("/resolve/{serverName}",
		httputil.MakeAdminAPI("admin_resolve", func(req *http.Request) util.JSONResponse {
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return ResolveServer(req, res, spec.ServerName(vars["serverName"]))
		}),
	).Methods(http.MethodGet)
}
