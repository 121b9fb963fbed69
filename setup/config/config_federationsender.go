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

package config

import (
	"fmt"
	"time"
)

type FederationSender struct {
	Matrix *Global `yaml:"-"`

	// Database options for the durable queue. Falls back to global.database.
	Database DatabaseOptions `yaml:"database"`

	// Address for the admin and metrics HTTP listener. Empty disables it.
	Listen Address `yaml:"listen"`

	// Skip verifying remote TLS certificates. Only useful in test federations.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// How long to wait for a remote server to accept a transaction.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Maximum number of transactions being delivered at the same time.
	MaxConcurrentTransactions int `yaml:"max_concurrent_transactions"`

	// Bytes of PDU JSON cached in memory.
	PDUCacheSize int64 `yaml:"pdu_cache_size"`

	Resolver ResolverOptions `yaml:"resolver"`
	EDUs     EDULimits       `yaml:"edus"`
}

type ResolverOptions struct {
	// Timeout for fetching /.well-known/matrix/server.
	WellKnownTimeout time.Duration `yaml:"well_known_timeout"`
	// DNS servers to use for SRV lookups, host:port. Empty means /etc/resolv.conf.
	Nameservers []string `yaml:"nameservers"`
}

type EDULimits struct {
	// Maximum EDUs in one federation transaction.
	MaxPerTransaction int `yaml:"max_per_transaction"`
	// Maximum receipt entries considered per transaction.
	MaxReceipts int `yaml:"max_receipts"`
	// Maximum presence entries considered per transaction.
	MaxPresence int `yaml:"max_presence"`
}

func (c *FederationSender) Defaults(generate bool) {
	c.Database.Defaults(10)
	if generate {
		c.Database.ConnectionString = "file:fedsender.db"
		c.Listen = "localhost:7779"
	}
	c.RequestTimeout = time.Minute * 5
	c.MaxConcurrentTransactions = 64
	c.PDUCacheSize = 64 * 1024 * 1024
	c.Resolver.WellKnownTimeout = time.Second * 10
	c.EDUs.MaxPerTransaction = 100
	c.EDUs.MaxReceipts = 256
	c.EDUs.MaxPresence = 256
}

func (c *FederationSender) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "federation_sender.request_timeout", int64(c.RequestTimeout))
	checkPositive(configErrs, "federation_sender.max_concurrent_transactions", int64(c.MaxConcurrentTransactions))
	checkPositive(configErrs, "federation_sender.pdu_cache_size", c.PDUCacheSize)
	checkPositive(configErrs, "federation_sender.resolver.well_known_timeout", int64(c.Resolver.WellKnownTimeout))
	// device list notices are capped two below the EDU limit
	if c.EDUs.MaxPerTransaction < 3 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", "federation_sender.edus.max_per_transaction", c.EDUs.MaxPerTransaction))
	}
	checkPositive(configErrs, "federation_sender.edus.max_receipts", int64(c.EDUs.MaxReceipts))
	checkPositive(configErrs, "federation_sender.edus.max_presence", int64(c.EDUs.MaxPresence))
}

// DatabaseFor returns the database options to use, preferring the
// component's own connection string.
func (c *FederationSender) DatabaseFor() *DatabaseOptions {
	if c.Database.ConnectionString != "" || c.Matrix == nil {
		return &c.Database
	}
	return &c.Matrix.DatabaseOptions
}
