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
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

// KeyChangeConsumer records device key changes of local users. The
// device list update EDUs are built when a transaction is started.
type KeyChangeConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	db         storage.Database
	queues     Queues
	serverName spec.ServerName
}

func NewKeyChangeConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
	store storage.Database,
) *KeyChangeConsumer {
	return &KeyChangeConsumer{
		ctx:        process.Context(),
		jetstream:  js,
		durable:    cfg.Global.JetStream.Durable("FederationSenderKeyChangeConsumer"),
		topic:      cfg.Global.JetStream.TopicFor(jetstream.OutputKeyChangeEvent),
		db:         store,
		queues:     queues,
		serverName: cfg.Global.ServerName,
	}
}

func (t *KeyChangeConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1, t.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

func (t *KeyChangeConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output api.OutputKeyChangeEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Error("key change output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if !localUser(output.UserID, t.serverName) {
		return true
	}
	logger := log.WithField("user_id", output.UserID)
	if _, err := t.db.StoreDeviceListChange(ctx, output.UserID); err != nil {
		logger.WithError(err).Error("failed to store device list change")
		return false
	}
	servers, err := t.db.ServersSharingRoomWith(ctx, output.UserID)
	if err != nil {
		logger.WithError(err).Error("failed to get servers sharing rooms")
		return false
	}
	t.queues.Flush(servers)
	return true
}
