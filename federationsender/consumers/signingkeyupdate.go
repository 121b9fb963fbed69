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
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

// SigningKeyUpdateConsumer sends cross-signing key updates of local
// users to every server sharing a room with them.
type SigningKeyUpdateConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	db         storage.Database
	queues     Queues
	serverName spec.ServerName
}

func NewSigningKeyUpdateConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
	store storage.Database,
) *SigningKeyUpdateConsumer {
	return &SigningKeyUpdateConsumer{
		ctx:        process.Context(),
		jetstream:  js,
		durable:    cfg.Global.JetStream.Durable("FederationSenderSigningKeyUpdateConsumer"),
		topic:      cfg.Global.JetStream.TopicFor(jetstream.InputSigningKeyUpdate),
		db:         store,
		queues:     queues,
		serverName: cfg.Global.ServerName,
	}
}

func (t *SigningKeyUpdateConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1, t.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

func (t *SigningKeyUpdateConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var update types.SigningKeyUpdateContent
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		log.WithError(err).Error("signing key update log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if !localUser(update.UserID, t.serverName) {
		return true
	}
	logger := log.WithField("user_id", update.UserID)
	servers, err := t.db.ServersSharingRoomWith(ctx, update.UserID)
	if err != nil {
		logger.WithError(err).Error("failed to get servers sharing rooms")
		return false
	}
	if len(servers) == 0 {
		return true
	}
	edu := &gomatrixserverlib.EDU{Type: types.MSigningKeyUpdate, Origin: string(t.serverName)}
	if edu.Content, err = json.Marshal(update); err != nil {
		logger.WithError(err).Error("failed to marshal EDU JSON")
		return true
	}
	if err = t.queues.SendEDU(ctx, edu, servers); err != nil {
		logger.WithError(err).Error("failed to send EDU")
		return false
	}
	return true
}
