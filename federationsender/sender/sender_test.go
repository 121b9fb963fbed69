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
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/setup/config"
)

const (
	localServer  = spec.ServerName("localhost")
	remoteServer = spec.ServerName("remote.test")
)

func newTestFederationSender(t *testing.T) (*FederationSender, *resolver.Overrides) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cfg := &config.FederationSender{
		Matrix: &config.Global{
			ServerName: localServer,
			KeyID:      "ed25519:test",
			PrivateKey: key,
		},
		DisableTLSValidation: true,
		RequestTimeout:       5 * time.Second,
	}
	overrides := resolver.NewOverrides()
	return NewFederationSender(cfg, overrides), overrides
}

func testTransaction() *gomatrixserverlib.Transaction {
	return &gomatrixserverlib.Transaction{
		TransactionID:  "txn1",
		Origin:         localServer,
		Destination:    remoteServer,
		OriginServerTS: 1234,
		PDUs:           []json.RawMessage{json.RawMessage(`{"event_id":"$e1"}`)},
		EDUs:           []gomatrixserverlib.EDU{{Type: "m.typing", Content: []byte(`{"typing":true}`)}},
	}
}

func serverHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestFederationSenderSendsSignedTransaction(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Inc()
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/federation/v1/send/txn1", r.URL.Path)
		assert.Equal(t, "remote.test", r.Host)
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "X-Matrix "), r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Authorization"), `origin="localhost"`)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var txn struct {
			Origin         string            `json:"origin"`
			OriginServerTS int64             `json:"origin_server_ts"`
			PDUs           []json.RawMessage `json:"pdus"`
			EDUs           []json.RawMessage `json:"edus"`
		}
		assert.NoError(t, json.Unmarshal(body, &txn))
		assert.Equal(t, "localhost", txn.Origin)
		assert.Equal(t, int64(1234), txn.OriginServerTS)
		assert.Len(t, txn.PDUs, 1)
		assert.Len(t, txn.EDUs, 1)
		_, _ = w.Write([]byte(`{"pdus":{"$e1":{"error":"rejected"}}}`))
	}))
	defer srv.Close()

	s, _ := newTestFederationSender(t)
	host, port := serverHostPort(t, srv)
	dest := &resolver.ResolvedDestination{
		Literal:    true,
		Host:       host,
		Port:       ":" + strconv.Itoa(port),
		HostHeader: "remote.test",
	}
	// a rejected PDU is not a delivery failure
	err := s.SendTransaction(context.Background(), api.FederationKind(remoteServer), dest, testTransaction())
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestFederationSenderDialsThroughOverrides(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "remote.test", r.Host)
		_, _ = w.Write([]byte(`{"pdus":{}}`))
	}))
	defer srv.Close()

	s, overrides := newTestFederationSender(t)
	host, port := serverHostPort(t, srv)
	overrides.Set("remote.test", []net.IP{net.ParseIP(host)}, uint16(port))
	dest := &resolver.ResolvedDestination{
		Host:       "remote.test",
		Port:       ":" + strconv.Itoa(port),
		HostHeader: "remote.test",
	}
	err := s.SendTransaction(context.Background(), api.FederationKind(remoteServer), dest, testTransaction())
	require.NoError(t, err)
}

func TestFederationSenderHTTPError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"errcode":"M_UNKNOWN"}`))
	}))
	defer srv.Close()

	s, _ := newTestFederationSender(t)
	host, port := serverHostPort(t, srv)
	dest := &resolver.ResolvedDestination{Literal: true, Host: host, Port: ":" + strconv.Itoa(port), HostHeader: host}
	err := s.SendTransaction(context.Background(), api.FederationKind(remoteServer), dest, testTransaction())
	var httpErr gomatrix.HTTPError
	require.True(t, errors.As(err, &httpErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, httpErr.Code)
	assert.JSONEq(t, `{"errcode":"M_UNKNOWN"}`, string(httpErr.Contents))

	err = s.SendTransaction(context.Background(), api.AppserviceKind("bridge"), nil, testTransaction())
	assert.Error(t, err)
}

func TestAppserviceSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/app/v1/transactions/txn1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{
			"events": [{"event_id":"$e1"}],
			"de.sorunome.msc2409.ephemeral": [{"type":"m.typing","content":{"typing":true}}]
		}`, string(body))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewAppserviceSender([]config.AppService{{ID: "bridge", URL: srv.URL + "/", HSToken: "secret"}}, time.Second)
	require.NoError(t, s.SendTransaction(context.Background(), api.AppserviceKind("bridge"), nil, testTransaction()))

	err := s.SendTransaction(context.Background(), api.AppserviceKind("unknown"), nil, testTransaction())
	assert.Error(t, err)
}

type countingSender struct {
	calls atomic.Int32
}

func (c *countingSender) SendTransaction(
	context.Context, api.OutgoingKind, *resolver.ResolvedDestination, *gomatrixserverlib.Transaction,
) error {
	c.calls.Inc()
	return nil
}

func TestDispatcher(t *testing.T) {
	federation, appservices := &countingSender{}, &countingSender{}
	d := NewDispatcher(federation, appservices)
	ctx := context.Background()
	require.NoError(t, d.SendTransaction(ctx, api.FederationKind(remoteServer), &resolver.ResolvedDestination{}, testTransaction()))
	require.NoError(t, d.SendTransaction(ctx, api.AppserviceKind("bridge"), nil, testTransaction()))
	require.NoError(t, d.SendTransaction(ctx, api.AppserviceKind("bridge"), nil, testTransaction()))
	assert.Equal(t, int32(1), federation.calls.Load())
	assert.Equal(t, int32(2), appservices.calls.Load())

	assert.Error(t, NewDispatcher(federation, nil).SendTransaction(ctx, api.AppserviceKind("bridge"), nil, testTransaction()))
}
