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

package consumers

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

// OutputReceiptConsumer records read receipts of local users for the
// servers in the room.
type OutputReceiptConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	db         storage.Database
	queues     Queues
	serverName spec.ServerName
}

func NewOutputReceiptConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
	store storage.Database,
) *OutputReceiptConsumer {
	return &OutputReceiptConsumer{
		ctx:        process.Context(),
		jetstream:  js,
		durable:    cfg.Global.JetStream.Durable("FederationSenderReceiptConsumer"),
		topic:      cfg.Global.JetStream.TopicFor(jetstream.OutputReceiptEvent),
		db:         store,
		queues:     queues,
		serverName: cfg.Global.ServerName,
	}
}

func (t *OutputReceiptConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1, t.onMessage,
		nats.DeliverAll(), nats.ManualAck(), nats.HeadersOnly(),
	)
}

func (t *OutputReceiptConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	receipt := types.Receipt{
		UserID:  msg.Header.Get(jetstream.UserID),
		RoomID:  msg.Header.Get(jetstream.RoomID),
		EventID: msg.Header.Get(jetstream.EventID),
		Type:    msg.Header.Get(jetstream.Type),
	}
	// private receipts never leave the server
	if receipt.Type != types.MRead || !localUser(receipt.UserID, t.serverName) {
		return true
	}

	timestamp, err := strconv.ParseUint(msg.Header.Get(jetstream.Timestamp), 10, 64)
	if err != nil {
		log.WithError(err).Errorf("EDU output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	receipt.Timestamp = spec.Timestamp(timestamp)

	if _, err = t.db.StoreReceipt(ctx, &receipt); err != nil {
		log.WithError(err).WithField("room_id", receipt.RoomID).Error("failed to store receipt")
		return false
	}
	joined, err := t.db.GetJoinedHosts(ctx, receipt.RoomID)
	if err != nil {
		log.WithError(err).WithField("room_id", receipt.RoomID).Error("failed to get joined hosts for room")
		return false
	}
	t.queues.Flush(joined)
	return true
}
