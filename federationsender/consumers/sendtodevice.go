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
	"github.com/matrix-org/util"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/types"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

// OutputSendToDeviceConsumer forwards to-device messages from local
// users to remote users.
type OutputSendToDeviceConsumer struct {
	ctx        context.Context
	jetstream  nats.JetStreamContext
	durable    string
	topic      string
	queues     Queues
	serverName spec.ServerName
}

func NewOutputSendToDeviceConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
) *OutputSendToDeviceConsumer {
	return &OutputSendToDeviceConsumer{
		ctx:        process.Context(),
		jetstream:  js,
		durable:    cfg.Global.JetStream.Durable("FederationSenderSendToDeviceConsumer"),
		topic:      cfg.Global.JetStream.TopicFor(jetstream.OutputSendToDeviceEvent),
		queues:     queues,
		serverName: cfg.Global.ServerName,
	}
}

func (t *OutputSendToDeviceConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1, t.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

func (t *OutputSendToDeviceConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var ote api.OutputSendToDeviceEvent
	if err := json.Unmarshal(msg.Data, &ote); err != nil {
		log.WithError(err).Error("output log: message parse failed (expected send-to-device)")
		sentry.CaptureException(err)
		return true
	}
	if !localUser(ote.Sender, t.serverName) {
		return true
	}
	_, destServerName, err := gomatrixserverlib.SplitID('@', ote.UserID)
	if err != nil {
		log.WithError(err).WithField("user_id", ote.UserID).Error("failed to split user ID")
		return true
	}
	if destServerName == t.serverName {
		return true
	}

	edu := &gomatrixserverlib.EDU{Type: types.MDirectToDevice, Origin: string(t.serverName)}
	if edu.Content, err = json.Marshal(types.DirectToDeviceContent{
		Sender:    ote.Sender,
		Type:      ote.Type,
		MessageID: util.RandomString(32),
		Messages: map[string]map[string]json.RawMessage{
			ote.UserID: {ote.DeviceID: ote.Content},
		},
	}); err != nil {
		log.WithError(err).Error("failed to marshal EDU JSON")
		return true
	}
	log.WithFields(log.Fields{
		"sender":      ote.Sender,
		"destination": destServerName,
	}).Debug("Sending send-to-device message")
	if err = t.queues.SendEDU(ctx, edu, []spec.ServerName{destServerName}); err != nil {
		log.WithError(err).Error("failed to send EDU")
		return false
	}
	return true
}
