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

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/fedsender/federationsender/api"
)

// launch delivers the batch on a new goroutine. The goroutine works on
// copies and reports back through the completions channel.
func (oqs *OutgoingQueues) launch(ctx context.Context, kind api.OutgoingKind, b *batch, fresh bool) {
	items := append([]api.QueuedRequest(nil), b.items...)
	edus := append([]gomatrixserverlib.EDU(nil), b.edus...)
	created := b.created
	go func() {
		result := completion{kind: kind}
		result.edus, result.err = oqs.deliver(ctx, kind, items, edus, created.UnixNano(), fresh)
		select {
		case oqs.completions <- result:
		case <-ctx.Done():
		}
	}()
}

// deliver sends one transaction and returns the stream EDUs it carried,
// which a retry has to send again.
func (oqs *OutgoingQueues) deliver(
	ctx context.Context, kind api.OutgoingKind, items []api.QueuedRequest,
	edus []gomatrixserverlib.EDU, generation int64, fresh bool,
) ([]gomatrixserverlib.EDU, error) {
	if err := oqs.sem.Acquire(ctx, 1); err != nil {
		return edus, err
	}
	defer oqs.sem.Release(1)

	logger := log.WithField("destination", kind.String())
	if fresh && !kind.IsAppservice() && oqs.selector != nil {
		selected, err := oqs.selector.SelectEDUs(ctx, kind.ServerName)
		if err != nil {
			logger.WithError(err).Warn("Failed to select EDUs")
		}
		edus = append(edus, selected...)
	}

	txn, err := oqs.buildTransaction(ctx, kind, items, edus, generation)
	if err != nil {
		return edus, err
	}
	if len(txn.PDUs) == 0 && len(txn.EDUs) == 0 {
		return edus, nil
	}

	logger = logger.WithFields(log.Fields{
		"txn_id": txn.TransactionID,
		"pdus":   len(txn.PDUs),
		"edus":   len(txn.EDUs),
	})
	logger.Debug("Sending transaction")
	if kind.IsAppservice() {
		err = oqs.sender.SendTransaction(ctx, kind, nil, txn)
	} else {
		dest := oqs.resolver.Resolve(ctx, kind.ServerName)
		err = oqs.sender.SendTransaction(ctx, kind, &dest, txn)
	}
	if err != nil {
		return edus, err
	}
	logger.Debug("Transaction sent")
	return edus, nil
}

// buildTransaction loads the PDUs and EDUs of a batch. PDUs that are
// missing or malformed are skipped. The transaction ID is a hash of the
// batch, so a retry of the same batch reuses it.
func (oqs *OutgoingQueues) buildTransaction(
	ctx context.Context, kind api.OutgoingKind, items []api.QueuedRequest,
	edus []gomatrixserverlib.EDU, generation int64,
) (*gomatrixserverlib.Transaction, error) {
	logger := log.WithField("destination", kind.String())
	txn := &gomatrixserverlib.Transaction{
		Origin:         oqs.origin,
		Destination:    kind.ServerName,
		OriginServerTS: spec.AsTimestamp(oqs.now()),
		PDUs:           []json.RawMessage{},
		EDUs:           []gomatrixserverlib.EDU{},
	}

	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(generation))
	h.Write(buf[:]) // nolint: errcheck
	for _, item := range items {
		binary.BigEndian.PutUint64(buf[:], uint64(item.ID))
		h.Write(buf[:]) // nolint: errcheck
		switch item.Event.Type {
		case api.SendingPDU:
			pdu, err := oqs.db.GetPDU(ctx, item.Event.EventID)
			if err != nil {
				return nil, fmt.Errorf("oqs.db.GetPDU: %w", err)
			}
			if pdu == nil || !gjson.ValidBytes(pdu) {
				logger.WithField("event_id", item.Event.EventID).Warn("Missing or malformed PDU, skipping")
				continue
			}
			if gjson.GetBytes(pdu, "unsigned.transaction_id").Exists() {
				if pdu, err = sjson.DeleteBytes(pdu, "unsigned.transaction_id"); err != nil {
					logger.WithError(err).WithField("event_id", item.Event.EventID).Warn("Failed to strip transaction ID, skipping")
					continue
				}
			}
			txn.PDUs = append(txn.PDUs, pdu)
		case api.SendingEDU:
			var edu gomatrixserverlib.EDU
			if err := json.Unmarshal(item.Event.EDU, &edu); err != nil {
				logger.WithError(err).WithField("request_id", item.ID).Warn("Malformed EDU, skipping")
				continue
			}
			txn.EDUs = append(txn.EDUs, edu)
		}
	}
	for _, edu := range edus {
		data, err := json.Marshal(edu)
		if err != nil {
			logger.WithError(err).WithField("edu_type", edu.Type).Warn("Failed to marshal EDU, skipping")
			continue
		}
		h.Write(data) // nolint: errcheck
		txn.EDUs = append(txn.EDUs, edu)
	}
	txn.TransactionID = gomatrixserverlib.TransactionID(base64.RawURLEncoding.EncodeToString(h.Sum(nil)))
	return txn, nil
}
