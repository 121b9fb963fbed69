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

package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

type scopeKey struct{}

// ProcessContext ties the lifetime of every long-running component to a
// single cancellable context.
type ProcessContext struct {
	wg       *sync.WaitGroup    // components still running
	ctx      context.Context    // cancelled by Shutdown
	shutdown context.CancelFunc // stops the sender
	degraded atomic.Bool
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
		wg:       &sync.WaitGroup{},
	}
}

func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, scopeKey{}, "process")
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

func (b *ProcessContext) Shutdown() {
	b.shutdown()
}

func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded flags the process as unhealthy. Only the first call is reported.
func (b *ProcessContext) Degraded(reason error) {
	if b.degraded.CompareAndSwap(false, true) {
		logrus.WithError(reason).Warn("Federation sender is running in a degraded state")
		sentry.CaptureException(fmt.Errorf("process is running in a degraded state: %w", reason))
	}
}

func (b *ProcessContext) IsDegraded() bool {
	return b.degraded.Load()
}
