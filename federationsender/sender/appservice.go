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

package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/setup/config"
)

type appserviceTransaction struct {
	Events    []json.RawMessage `json:"events"`
	Ephemeral []ephemeralEvent  `json:"de.sorunome.msc2409.ephemeral,omitempty"`
}

type ephemeralEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// AppserviceSender pushes transactions to application services.
type AppserviceSender struct {
	client      *http.Client
	appservices map[string]config.AppService
}

func NewAppserviceSender(appservices []config.AppService, timeout time.Duration) *AppserviceSender {
	s := &AppserviceSender{
		client:      &http.Client{Timeout: timeout},
		appservices: make(map[string]config.AppService, len(appservices)),
	}
	for _, as := range appservices {
		s.appservices[as.ID] = as
	}
	return s
}

func (s *AppserviceSender) SendTransaction(
	ctx context.Context, kind api.OutgoingKind, _ *resolver.ResolvedDestination,
	txn *gomatrixserverlib.Transaction,
) error {
	as, ok := s.appservices[kind.AppserviceID]
	if !ok {
		return fmt.Errorf("unknown application service %q", kind.AppserviceID)
	}
	body := appserviceTransaction{Events: txn.PDUs}
	if body.Events == nil {
		body.Events = []json.RawMessage{}
	}
	for _, edu := range txn.EDUs {
		body.Ephemeral = append(body.Ephemeral, ephemeralEvent{Type: edu.Type, Content: json.RawMessage(edu.Content)})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}

	target := strings.TrimSuffix(as.URL, "/") + "/_matrix/app/v1/transactions/" + url.PathEscape(string(txn.TransactionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("http.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+as.HSToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		contents, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return gomatrix.HTTPError{
			Code:     resp.StatusCode,
			Message:  fmt.Sprintf("appservice %s: HTTP %d", as.ID, resp.StatusCode),
			Contents: contents,
		}
	}
	return nil
}
