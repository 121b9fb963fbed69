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
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// JetStreamConsumer starts a durable pull consumer on the given subject.
// f is called with between one and batch messages. Returning true acks the
// newest message (and with batch > 1, everything before it), false naks
// it. The consumer runs until ctx is done.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	if batch > 1 {
		opts = append(opts, nats.AckAll())
	}

	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("nats.PullSubscribe: %w", err)
	}
	log := logrus.WithContext(ctx).WithField("subject", subj)
	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					log.Warnf("Failed to unsubscribe %q", durable)
				}
				return
			default:
			}
			// NATS enforces its own fetch deadline regardless of ctx, so
			// a deadline error only means stop if our ctx is done too.
			msgs, err := sub.Fetch(batch, nats.Context(ctx))
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
					select {
					case <-ctx.Done():
						return
					default:
						continue
					}
				}
				sentry.CaptureException(err)
				log.WithError(err).Error("Failed to fetch messages")
				continue
			}
			if len(msgs) < 1 {
				continue
			}
			msg := msgs[len(msgs)-1] // most recent message, in case of AckAll
			if err = msg.InProgress(nats.Context(ctx)); err != nil {
				log.Warn(fmt.Errorf("msg.InProgress: %w", err))
				sentry.CaptureException(err)
				continue
			}
			if f(ctx, msgs) {
				if err = msg.AckSync(nats.Context(ctx)); err != nil {
					log.Warn(fmt.Errorf("msg.AckSync: %w", err))
					sentry.CaptureException(err)
				}
			} else {
				if err = msg.Nak(nats.Context(ctx)); err != nil {
					log.Warn(fmt.Errorf("msg.Nak: %w", err))
					sentry.CaptureException(err)
				}
			}
		}
	}()
	return nil
}
