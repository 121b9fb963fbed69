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
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

// OutputRoomEventConsumer sends new room events to the servers in the
// room and to interested application services.
type OutputRoomEventConsumer struct {
	ctx         context.Context
	jetstream   nats.JetStreamContext
	durable     string
	topic       string
	db          storage.Database
	queues      Queues
	serverName  spec.ServerName
	appservices []config.AppService
}

func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.FedSender,
	js nats.JetStreamContext,
	queues Queues,
	store storage.Database,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:         process.Context(),
		jetstream:   js,
		durable:     cfg.Global.JetStream.Durable("FederationSenderRoomEventConsumer"),
		topic:       cfg.Global.JetStream.TopicFor(jetstream.OutputRoomEvent),
		db:          store,
		queues:      queues,
		serverName:  cfg.Global.ServerName,
		appservices: cfg.AppServices,
	}
}

func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1, s.onMessage,
		nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage queues the event, then records the room's new joined hosts.
// Servers that just left still get the event that removed them. The
// joined hosts are only replaced once the event is queued, so a
// redelivered message still reaches the servers that left.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output api.OutputRoomEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		log.WithError(err).Error("roomserver output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if output.RoomID == "" || output.EventID == "" || !gjson.ValidBytes(output.Event) {
		log.WithField("event_id", output.EventID).Error("roomserver output log: incomplete event")
		return true
	}
	logger := log.WithFields(log.Fields{
		"room_id":  output.RoomID,
		"event_id": output.EventID,
	})

	previous, err := s.db.GetJoinedHosts(ctx, output.RoomID)
	if err != nil {
		logger.WithError(err).Error("failed to get joined hosts")
		return false
	}

	ev := gjson.ParseBytes(output.Event)
	if ev.Get("type").Str == spec.MRoomMember {
		if stateKey := ev.Get("state_key"); stateKey.Exists() && localUser(stateKey.Str, s.serverName) {
			joined := ev.Get("content.membership").Str == spec.Join
			if err = s.db.SetLocalMembership(ctx, output.RoomID, stateKey.Str, joined); err != nil {
				logger.WithError(err).Error("failed to update local membership")
				return false
			}
		}
	}

	// only events from our own users leave over federation
	if localUser(ev.Get("sender").Str, s.serverName) {
		destinations := append(append([]spec.ServerName{}, previous...), output.JoinedHosts...)
		if err = s.queues.SendEvent(ctx, output.EventID, output.Event, destinations); err != nil {
			logger.WithError(err).Error("failed to send event")
			return false
		}
	}

	var interested []string
	for i := range s.appservices {
		if s.appservices[i].InterestedInRoom(output.RoomID) {
			interested = append(interested, s.appservices[i].ID)
		}
	}
	if err = s.queues.SendEventToAppservices(ctx, output.EventID, output.Event, interested); err != nil {
		logger.WithError(err).Error("failed to send event to application services")
		return false
	}

	if _, err = s.db.UpdateRoom(ctx, output.RoomID, output.JoinedHosts); err != nil {
		logger.WithError(err).Error("failed to update joined hosts")
		return false
	}
	return true
}
