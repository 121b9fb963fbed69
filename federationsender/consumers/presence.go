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

// OutputPresenceConsumer records presence changes of local users.
type OutputPresenceConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	db         storage.Database
	queues     Queues
	serverName spec.ServerName
}

func NewOutputPresenceConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
	store storage.Database,
) *OutputPresenceConsumer {
	return &OutputPresenceConsumer{
		ctx:        process.Context(),
		jetstream:  js,
		durable:    cfg.Global.JetStream.Durable("FederationSenderPresenceConsumer"),
		topic:      cfg.Global.JetStream.TopicFor(jetstream.OutputPresenceEvent),
		db:         store,
		queues:     queues,
		serverName: cfg.Global.ServerName,
	}
}

func (t *OutputPresenceConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1, t.onMessage,
		nats.DeliverAll(), nats.ManualAck(), nats.HeadersOnly(),
	)
}

func (t *OutputPresenceConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)
	if !localUser(userID, t.serverName) {
		return true
	}
	presence := msg.Header.Get(jetstream.Presence)
	switch presence {
	case "online", "unavailable", "offline":
	default:
		log.WithField("presence", presence).Error("EDU output log: unknown presence")
		return true
	}
	ts, err := strconv.ParseUint(msg.Header.Get(jetstream.LastActiveTS), 10, 64)
	if err != nil {
		log.WithError(err).Error("EDU output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	var statusMsg *string
	if data, ok := msg.Header[jetstream.StatusMsg]; ok && len(data) > 0 {
		status := msg.Header.Get(jetstream.StatusMsg)
		statusMsg = &status
	}

	if _, err = t.db.StorePresence(ctx, &types.Presence{
		UserID:       userID,
		Presence:     presence,
		StatusMsg:    statusMsg,
		LastActiveTS: spec.Timestamp(ts),
	}); err != nil {
		log.WithError(err).WithField("user_id", userID).Error("failed to store presence")
		return false
	}
	servers, err := t.db.ServersSharingRoomWith(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("failed to get servers sharing rooms")
		return false
	}
	t.queues.Flush(servers)
	return true
}
