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

// Package sender performs the HTTP requests that deliver transactions to
// remote homeservers and application services.
package sender

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/setup/config"
)

const maxResponseSize = 1024 * 1024

type tlsServerNameKey struct{}

// FederationSender signs transactions with the server key and PUTs them
// to /_matrix/federation/v1/send.
type FederationSender struct {
	client  *http.Client
	origin  spec.ServerName
	keyID   gomatrixserverlib.KeyID
	key     ed25519.PrivateKey
	timeout time.Duration
}

// NewFederationSender creates a sender whose connections are dialled
// through the resolver's SRV overrides.
func NewFederationSender(cfg *config.FederationSender, overrides *resolver.Overrides) *FederationSender {
	skipVerify := cfg.DisableTLSValidation
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         overrides.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := overrides.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			serverName, _ := ctx.Value(tlsServerNameKey{}).(string)
			if serverName == "" {
				serverName, _, _ = net.SplitHostPort(addr)
			}
			tlsConn := tls.Client(conn, &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: skipVerify, // nolint:gosec
			})
			if err = tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close() // nolint: errcheck
				return nil, err
			}
			return tlsConn, nil
		},
	}
	return &FederationSender{
		client:  &http.Client{Transport: transport},
		origin:  cfg.Matrix.ServerName,
		keyID:   cfg.Matrix.KeyID,
		key:     cfg.Matrix.PrivateKey,
		timeout: cfg.RequestTimeout,
	}
}

func (s *FederationSender) SendTransaction(
	ctx context.Context, kind api.OutgoingKind, dest *resolver.ResolvedDestination,
	txn *gomatrixserverlib.Transaction,
) error {
	if dest == nil || kind.IsAppservice() {
		return fmt.Errorf("%s is not a federation destination", kind)
	}
	path := "/_matrix/federation/v1/send/" + url.PathEscape(string(txn.TransactionID))
	fedReq := fclient.NewFederationRequest(http.MethodPut, s.origin, kind.ServerName, path)
	if err := fedReq.SetContent(txn); err != nil {
		return fmt.Errorf("fedReq.SetContent: %w", err)
	}
	if err := fedReq.Sign(s.origin, s.keyID, s.key); err != nil {
		return fmt.Errorf("fedReq.Sign: %w", err)
	}
	req, err := fedReq.HTTPRequest()
	if err != nil {
		return fmt.Errorf("fedReq.HTTPRequest: %w", err)
	}
	req.URL.Scheme = "https"
	req.URL.Host = dest.Address()
	req.Host = dest.HostHeader

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, tlsServerNameKey{}, tlsServerName(dest))
	resp, err := s.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint: errcheck
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("io.ReadAll: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gomatrix.HTTPError{
			Code:     resp.StatusCode,
			Message:  fmt.Sprintf("PUT %s: HTTP %d", path, resp.StatusCode),
			Contents: body,
		}
	}
	logRejectedPDUs(kind, txn.TransactionID, body)
	return nil
}

// logRejectedPDUs reports PDUs the remote refused. The transaction still
// counts as delivered.
func logRejectedPDUs(kind api.OutgoingKind, txnID gomatrixserverlib.TransactionID, body []byte) {
	gjson.GetBytes(body, "pdus").ForEach(func(eventID, result gjson.Result) bool {
		if reason := result.Get("error"); reason.Exists() {
			logrus.WithFields(logrus.Fields{
				"destination": kind.String(),
				"txn_id":      txnID,
				"event_id":    eventID.Str,
			}).Warnf("Remote rejected PDU: %s", reason.String())
		}
		return true
	})
}

// tlsServerName is the host part of the Host header.
func tlsServerName(dest *resolver.ResolvedDestination) string {
	host := dest.HostHeader
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Trim(host, "[]")
}
