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
	"flag"
	"fmt"
	"os"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"

	"github.com/matrix-org/fedsender/internal/caching"
	"github.com/matrix-org/fedsender/setup/config"
)

func main() {
	cfg, err := buildConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	j, err := yaml.Marshal(cfg)
	if err != nil {
		panic(err)
	}

	fmt.Println(string(j))
}

func buildConfig(fs *flag.FlagSet, args []string) (*config.FedSender, error) {
	defaultsForCI := fs.Bool("ci", false, "sane defaults for CI testing")
	serverName := fs.String("server", "", "The domain name of the server if not 'localhost'")
	dbURI := fs.String("db", "", "The DB URI to use for the federation sender database")
	natsURI := fs.String("nats", "", "The NATS server to connect to instead of running one in-process")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &config.FedSender{}
	cfg.Defaults(true)
	cfg.Logging = []config.LogrusHook{
		{
			Type:  "file",
			Level: "info",
			Params: map[string]interface{}{
				"path": "/var/log/fedsender",
			},
		},
	}
	if *serverName != "" {
		cfg.Global.ServerName = spec.ServerName(*serverName)
	}
	if *dbURI != "" {
		cfg.Global.DatabaseOptions.ConnectionString = config.DataSource(*dbURI)
		cfg.FederationSender.Database.ConnectionString = ""
	}
	if *natsURI != "" {
		cfg.Global.JetStream.Addresses = []string{*natsURI}
	}

	if *defaultsForCI {
		cfg.FederationSender.PDUCacheSize = int64(16 * caching.MB)
		cfg.FederationSender.DisableTLSValidation = true
		cfg.Logging[0].Level = "trace"
		cfg.Global.JetStream.InMemory = true
	}
	return cfg, nil
}
