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

package federationsender

import (
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/federationsender/consumers"
	"github.com/matrix-org/fedsender/federationsender/edus"
	"github.com/matrix-org/fedsender/federationsender/queue"
	"github.com/matrix-org/fedsender/federationsender/resolver"
	"github.com/matrix-org/fedsender/federationsender/routing"
	"github.com/matrix-org/fedsender/federationsender/sender"
	"github.com/matrix-org/fedsender/federationsender/storage"
	"github.com/matrix-org/fedsender/internal/caching"
	"github.com/matrix-org/fedsender/internal/httputil"
	"github.com/matrix-org/fedsender/internal/sqlutil"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/process"
)

// NewFederationSender sets up the federation sender component, starts its
// consumers and queues, and registers the admin API on router.
func NewFederationSender(
	processContext *process.ProcessContext,
	cfg *config.FedSender,
	cm *sqlutil.Connections,
	js nats.JetStreamContext,
	router *mux.Router,
) *queue.OutgoingQueues {
	fsCfg := &cfg.FederationSender

	caches, err := caching.NewRistrettoCache(caching.CacheSize(fsCfg.PDUCacheSize), cfg.Global.Metrics.Enabled)
	if err != nil {
		logrus.WithError(err).Panic("failed to create caches")
	}
	db, err := storage.NewDatabase(cm, fsCfg.DatabaseFor(), caches.FederationPDUs, cfg.Global.ServerName)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to federation sender db")
	}

	res, err := resolver.NewResolver(&fsCfg.Resolver, nil, nil)
	if err != nil {
		logrus.WithError(err).Panic("failed to create resolver")
	}
	dispatcher := sender.NewDispatcher(
		sender.NewFederationSender(fsCfg, res.Overrides()),
		sender.NewAppserviceSender(cfg.AppServices, fsCfg.RequestTimeout),
	)

	queues := queue.NewOutgoingQueues(
		db, processContext,
		cfg.Global.DisableFederation,
		cfg.Global.ServerName,
		res,
		edus.NewSelector(db, cfg.Global.ServerName, fsCfg.EDUs),
		dispatcher,
		fsCfg.MaxConcurrentTransactions,
	)
	queues.Start()

	starters := []struct {
		name  string
		start func() error
	}{
		{"room server", consumers.NewOutputRoomEventConsumer(processContext, cfg, js, queues, db).Start},
		{"receipts", consumers.NewOutputReceiptConsumer(processContext, cfg, js, queues, db).Start},
		{"presence", consumers.NewOutputPresenceConsumer(processContext, cfg, js, queues, db).Start},
		{"key change", consumers.NewKeyChangeConsumer(processContext, cfg, js, queues, db).Start},
		{"typing", consumers.NewOutputTypingConsumer(processContext, cfg, js, queues, db).Start},
		{"send-to-device", consumers.NewOutputSendToDeviceConsumer(processContext, cfg, js, queues).Start},
		{"signing key update", consumers.NewSigningKeyUpdateConsumer(processContext, cfg, js, queues, db).Start},
	}
	for _, s := range starters {
		if err = s.start(); err != nil {
			logrus.WithError(err).Panicf("failed to start %s consumer", s.name)
		}
	}

	conn, _, err := cm.Connection(fsCfg.DatabaseFor())
	if err != nil {
		logrus.WithError(err).Panic("failed to get database connection")
	}
	routing.Setup(router, &cfg.Global, queues, res, httputil.HealthCheckHandler(conn))
	return queues
}
