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

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/matrix-org/fedsender/federationsender"
	"github.com/matrix-org/fedsender/internal"
	"github.com/matrix-org/fedsender/internal/sqlutil"
	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/jetstream"
	"github.com/matrix-org/fedsender/setup/process"
)

var (
	configPath = flag.String("config", "fedsender.yaml", "The path to the config file. For more information, see the config file in this repository.")
	version    = flag.Bool("version", false, "Shows the current version and exits immediately.")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Println(internal.VersionString())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid config file: %s", err)
	}
	processCtx := process.NewProcessContext()

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging, "fedsender")

	logrus.Infof("fedsender version %s", internal.VersionString())
	if cfg.Global.DisableFederation {
		logrus.Warn("Federation is disabled, only application services will receive transactions")
	}

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			Release:          "fedsender@" + internal.VersionString(),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
	}

	cm := sqlutil.NewConnectionManager(cfg.Global.DatabaseOptions)
	natsInstance := jetstream.NATSInstance{}
	js, _, err := natsInstance.Prepare(processCtx, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to NATS")
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	federationsender.NewFederationSender(processCtx, cfg, cm, js, router)

	upCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedsender",
		Name:      "up",
		ConstLabels: map[string]string{
			"version": internal.VersionString(),
		},
	})
	upCounter.Add(1)
	prometheus.MustRegister(upCounter)

	serv := &http.Server{
		Addr:         string(cfg.FederationSender.Listen),
		WriteTimeout: time.Minute,
		Handler:      router,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}
	go func() {
		var shutdown atomic.Bool // RegisterOnShutdown can be called more than once
		logrus.Infof("Starting admin listener on %s", serv.Addr)
		processCtx.ComponentStarted()
		serv.RegisterOnShutdown(func() {
			if shutdown.CompareAndSwap(false, true) {
				processCtx.ComponentFinished()
				logrus.Infof("Stopped admin HTTP listener")
			}
		})
		if err := serv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	logrus.Warnf("Shutdown signal received")

	processCtx.Shutdown()
	_ = serv.Shutdown(context.Background())
	processCtx.WaitForComponentsToFinish()
	if err = cm.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close database connections")
	}
	if cfg.Global.Sentry.Enabled {
		if !sentry.Flush(time.Second * 5) {
			logrus.Warnf("failed to flush all Sentry events!")
		}
	}
	logrus.Warnf("fedsender is exiting now")
}
