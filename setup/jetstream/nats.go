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
	"fmt"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/setup/config"
	"github.com/matrix-org/fedsender/setup/process"
)

// NATSInstance owns the optional in-process NATS server and the client
// connection to whichever server is in use.
type NATSInstance struct {
	*natsserver.Server
	nc *nats.Conn
	js nats.JetStreamContext
	sync.Mutex
}

// Prepare connects to NATS and makes sure every stream the federation
// sender consumes exists. Without configured addresses an in-process
// server is started and shut down with the process.
func (s *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	s.Lock()
	defer s.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}
	if len(cfg.Addresses) != 0 {
		nc, err := nats.Connect(strings.Join(cfg.Addresses, ","))
		if err != nil {
			return nil, nil, fmt.Errorf("nats.Connect: %w", err)
		}
		return s.setup(cfg, nc)
	}
	if s.Server == nil {
		var err error
		s.Server, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "fedsender",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			NoSigs:          true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.SetLoggerV2(NewLogAdapter(), false, false, false)
		go func() {
			process.ComponentStarted()
			s.Start()
		}()
		go func() {
			<-process.WaitForShutdown()
			s.Shutdown()
			s.WaitForShutdown()
			process.ComponentFinished()
		}()
	}
	if !s.ReadyForConnections(time.Second * 10) {
		return nil, nil, fmt.Errorf("NATS did not start in time")
	}
	nc, err := nats.Connect("", nats.InProcessServer(s.Server))
	if err != nil {
		return nil, nil, fmt.Errorf("nats.Connect: %w", err)
	}
	return s.setup(cfg, nc)
}

func (s *NATSInstance) setup(cfg *config.JetStream, nc *nats.Conn) (nats.JetStreamContext, *nats.Conn, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.TopicFor(stream.Name)
		info, err := js.StreamInfo(name)
		if err != nil && err != nats.ErrStreamNotFound {
			return nil, nil, fmt.Errorf("js.StreamInfo(%q): %w", name, err)
		}
		if info != nil {
			continue
		}
		// Work on a copy, the package-level configs are shared.
		sc := *stream
		sc.Name = name
		sc.Subjects = []string{name}
		// If we're trying to keep everything in memory (e.g. unit tests)
		// then overwrite the storage policy.
		if cfg.InMemory {
			sc.Storage = nats.MemoryStorage
		}
		if _, err = js.AddStream(&sc); err != nil {
			logrus.WithError(err).WithField("stream", name).Error("Unable to add stream")
			return nil, nil, fmt.Errorf("js.AddStream(%q): %w", name, err)
		}
	}

	s.nc, s.js = nc, js
	return js, nc, nil
}
