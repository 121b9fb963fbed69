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
	"fmt"
	"net/http"
	"net/url"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BasicAuth is used for authorization on /metrics handlers
type BasicAuth struct {
	Username string
	Password string
}

var adminRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedsender",
		Name:      "admin_requests_total",
		Help:      "Total number of admin API requests",
	},
	[]string{"handler", "code"},
)

func init() {
	prometheus.MustRegister(adminRequests)
}

// MakeAdminAPI turns a util.JSONRequestHandler function into an http.Handler.
// Responses with a 5xx status are reported to Sentry.
func MakeAdminAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		hub := sentry.GetHubFromContext(req.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		// clone the hub, so extras don't leak between requests
		hub = hub.Clone()
		defer func() {
			if r := recover(); r != nil {
				hub.CaptureException(fmt.Errorf("%s panicked", req.URL.Path))
				// re-panic to return the 500
				panic(r)
			}
		}()
		res := f(req)
		if res.Code >= 500 {
			hub.Scope().SetExtra("response", res)
			hub.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, res.Code))
		}
		return res
	}
	return promhttp.InstrumentHandlerCounter(
		adminRequests.MustCurryWith(prometheus.Labels{"handler": metricsName}),
		util.MakeJSONAPI(util.NewJSONRequestHandler(h)),
	)
}

// WrapHandlerInBasicAuth adds basic auth to a handler. Only used for /metrics
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if b.Username == "" || b.Password == "" {
		logrus.Warn("Metrics are exposed without protection. Make sure you set up protection at proxy level.")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Serve without authorization if either Username or Password is unset
		if b.Username == "" || b.Password == "" {
			h.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()

		if !ok || user != b.Username || pass != b.Password {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// URLDecodeMapValues is a function that iterates through each of the items in a
// map, URL decodes the value, and returns a new map with the decoded values
// under the same key names
func URLDecodeMapValues(vmap map[string]string) (map[string]string, error) {
	decoded := make(map[string]string, len(vmap))
	for key, value := range vmap {
		decodedVal, err := url.PathUnescape(value)
		if err != nil {
			return make(map[string]string), err
		}
		decoded[key] = decodedVal
	}
	return decoded, nil
}
