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

package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gotest.tools/v3/poll"

	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/process"
)

func TestInProcessConsumer(t *testing.T) {
	pc := process.NewProcessContext()
	defer func() {
		pc.Shutdown()
		pc.WaitForComponentsToFinish()
	}()

	cfg := &config.JetStream{
		TopicPrefix: "Test",
		StoragePath: config.Path(t.TempDir()),
		InMemory:    true,
	}
	var natsInstance NATSInstance
	js, _, err := natsInstance.Prepare(pc, cfg)
	require.NoError(t, err)

	// a second Prepare reuses the connection
	js2, _, err := natsInstance.Prepare(pc, cfg)
	require.NoError(t, err)
	require.Equal(t, js, js2)

	subj := cfg.TopicFor(OutputTypingEvent)
	received := atomic.NewInt32(0)
	err = JetStreamConsumer(pc.Context(), js, subj, cfg.Durable("TestConsumer"), 1,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			received.Add(int32(len(msgs)))
			return true
		}, nats.DeliverAll(), nats.ManualAck(),
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msg := nats.NewMsg(subj)
		msg.Header.Set(RoomID, "!room:localhost")
		_, err = js.PublishMsg(msg)
		require.NoError(t, err)
	}

	poll.WaitOn(t, func(log poll.LogT) poll.Result {
		if received.Load() == 3 {
			return poll.Success()
		}
		return poll.Continue("waiting for messages: got %d", received.Load())
	}, poll.WithTimeout(10*time.Second), poll.WithDelay(50*time.Millisecond))
}
