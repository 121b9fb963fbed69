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

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pquerna/cachecontrol/cacheobject"
	"github.com/tidwall/gjson"
)

const (
	maxWellKnownSize     = 64 * 1024
	defaultWellKnownTTL  = time.Hour * 24
	maximumWellKnownTTL  = time.Hour * 48
	wellKnownPath        = "/.well-known/matrix/server"
	wellKnownServerField = `m\.server`
)

// fetchWellKnown returns the delegated server name and how long it may
// be cached for.
func (r *Resolver) fetchWellKnown(ctx context.Context, name string) (string, time.Duration, error) {
	if r.wellKnownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wellKnownTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+name+wellKnownPath, nil)
	if err != nil {
		return "", 0, fmt.Errorf("http.NewRequest: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("well-known returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWellKnownSize+1))
	if err != nil {
		return "", 0, fmt.Errorf("io.ReadAll: %w", err)
	}
	if len(body) > maxWellKnownSize {
		return "", 0, fmt.Errorf("well-known response larger than %d bytes", maxWellKnownSize)
	}
	if !gjson.ValidBytes(body) {
		return "", 0, fmt.Errorf("well-known response is not JSON")
	}
	result := gjson.GetBytes(body, wellKnownServerField)
	if result.Type != gjson.String {
		return "", 0, fmt.Errorf("well-known response has no m.server string")
	}
	target := result.Str
	if !validServerName(target) {
		return "", 0, fmt.Errorf("well-known m.server %q is not a valid server name", target)
	}
	return target, wellKnownTTL(resp.Header), nil
}

// wellKnownTTL applies Cache-Control to a delegation response.
func wellKnownTTL(header http.Header) time.Duration {
	directives, err := cacheobject.ParseResponseCacheControl(header.Get("Cache-Control"))
	if err != nil {
		return defaultWellKnownTTL
	}
	if directives.NoStore || directives.NoCachePresent {
		return 0
	}
	if directives.MaxAge < 0 {
		return defaultWellKnownTTL
	}
	ttl := time.Duration(directives.MaxAge) * time.Second
	if ttl > maximumWellKnownTTL {
		return maximumWellKnownTTL
	}
	return ttl
}

func validServerName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/ \t\r\n") {
		return false
	}
	_, _, valid := spec.ParseAndValidateServerName(spec.ServerName(name))
	return valid
}
