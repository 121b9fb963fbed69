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

package sender

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"

	"github.com/matrix-org/fedsender/federationsender/api"
	"github.com/matrix-org/fedsender/federationsender/resolver"
)

type Sender interface {
	SendTransaction(
		ctx context.Context, kind api.OutgoingKind, dest *resolver.ResolvedDestination,
		txn *gomatrixserverlib.Transaction,
	) error
}

// Dispatcher picks the sender for a kind.
type Dispatcher struct {
	federation  Sender
	appservices Sender
}

func NewDispatcher(federation, appservices Sender) *Dispatcher {
	return &Dispatcher{federation: federation, appservices: appservices}
}

func (d *Dispatcher) SendTransaction(
	ctx context.Context, kind api.OutgoingKind, dest *resolver.ResolvedDestination,
	txn *gomatrixserverlib.Transaction,
) error {
	s := d.federation
	if kind.IsAppservice() {
		s = d.appservices
	}
	if s == nil {
		return fmt.Errorf("no sender for %s", kind)
	}
	return s.SendTransaction(ctx, kind, dest, txn)
}
