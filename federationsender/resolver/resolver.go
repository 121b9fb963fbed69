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

// Package resolver turns Matrix server names into the address, port and
// Host header to use for federation requests.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/setup/config"
)

// DefaultPort is used when neither the server name nor DNS names a port.
const DefaultPort = 8448

const maxBackoffMinutes = 60

var lookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedsender",
		Subsystem: "resolver",
		Name:      "lookups_total",
		Help:      "Number of server name resolutions, by the method that produced the result",
	},
	[]string{"method"},
)

func init() {
	prometheus.MustRegister(lookupsTotal)
}

// ResolvedDestination is where to send requests for a server name.
type ResolvedDestination struct {
	// Literal is true when Host is an IP address.
	Literal bool
	// Host to connect to, IPv6 addresses in brackets.
	Host string
	// Port with a leading colon, e.g. ":8448".
	Port string
	// HostHeader is the value for the Host header and the name the
	// remote certificate is validated against.
	HostHeader string
}

// Address is Host and Port joined, suitable for a URL or net.Dial.
func (d ResolvedDestination) Address() string {
	return d.Host + d.Port
}

// Resolver resolves and caches server names. Resolve never fails: when
// every lookup fails the server name is used with the default port.
type Resolver struct {
	client           *http.Client
	dns              DNSClient
	wellKnownTimeout time.Duration
	entries          *cache.Cache
	overrides        *Overrides
	now              func() time.Time
}

// NewResolver creates a resolver. A nil client gets a default HTTP
// client and a nil dnsClient queries the configured nameservers.
func NewResolver(cfg *config.ResolverOptions, client *http.Client, dnsClient DNSClient) (*Resolver, error) {
	if client == nil {
		client = &http.Client{}
	}
	if dnsClient == nil {
		var err error
		if dnsClient, err = NewDNSClient(cfg.Nameservers); err != nil {
			return nil, err
		}
	}
	return &Resolver{
		client:           client,
		dns:              dnsClient,
		wellKnownTimeout: cfg.WellKnownTimeout,
		entries:          cache.New(cache.NoExpiration, 0),
		overrides:        NewOverrides(),
		now:              time.Now,
	}, nil
}

// Overrides returns the hostname to IP table filled in by SRV lookups.
func (r *Resolver) Overrides() *Overrides {
	return r.overrides
}

// Resolve returns the destination for serverName, using the cached
// result while it is still valid.
func (r *Resolver) Resolve(ctx context.Context, serverName spec.ServerName) ResolvedDestination {
	name := string(serverName)
	now := r.now()
	cached, ok := r.cached(name)
	if ok {
		switch m := cached.Method.(type) {
		case IsIPOrHasPort:
			return cached.Destination
		case WellKnown:
			if now.Before(m.ExpiresAt) {
				return cached.Destination
			}
		case WellKnownSRV:
			if !now.Before(m.WellKnownExpiresAt) {
				break
			}
			if now.Before(m.SRVExpiresAt) {
				return cached.Destination
			}
			dest, srvExpiresAt := r.delegatedSRV(ctx, m.WellKnownHost, now)
			m.SRVExpiresAt = srvExpiresAt
			r.store(name, dest, m)
			return dest
		case SRV:
			if now.Before(m.RetryAt) {
				return cached.Destination
			}
		case LookupFailed:
			if now.Before(m.RetryAt) {
				return cached.Destination
			}
		}
	}
	return r.resolve(ctx, name, cached.Method, now)
}

func (r *Resolver) resolve(ctx context.Context, name string, previous Method, now time.Time) ResolvedDestination {
	if dest, ok := parseExplicit(name); ok {
		r.store(name, dest, IsIPOrHasPort{})
		return dest
	}

	logger := logrus.WithField("server_name", name)
	target, ttl, err := r.fetchWellKnown(ctx, name)
	if err == nil {
		if dest, ok := parseExplicit(target); ok {
			r.store(name, dest, WellKnown{ExpiresAt: now.Add(ttl)})
			return dest
		}
		dest, srvExpiresAt := r.delegatedSRV(ctx, target, now)
		r.store(name, dest, WellKnownSRV{
			SRVExpiresAt:       srvExpiresAt,
			WellKnownExpiresAt: now.Add(ttl),
			WellKnownHost:      target,
		})
		return dest
	}
	logger.WithError(err).Debug("No usable delegation, falling back to SRV")

	backoff := nextBackoff(previous)
	retryAt := now.Add(time.Duration(backoff) * time.Minute)
	dest, ttl, err := r.lookupSRV(ctx, name)
	if err != nil {
		logger.WithError(err).Debug("SRV lookup failed")
		dest = withDefaultPort(name)
		r.store(name, dest, LookupFailed{RetryAt: retryAt, BackoffMinutes: backoff})
		return dest
	}
	r.store(name, dest, SRV{SRVExpiresAt: now.Add(ttl), RetryAt: retryAt, BackoffMinutes: backoff})
	return dest
}

// delegatedSRV resolves a delegated hostname. With no SRV records the
// SRV part gets a zero expiry so it is looked up again next time.
func (r *Resolver) delegatedSRV(ctx context.Context, host string, now time.Time) (ResolvedDestination, time.Time) {
	dest, ttl, err := r.lookupSRV(ctx, host)
	switch {
	case errors.Is(err, errNoSRVRecords):
		return withDefaultPort(host), time.Time{}
	case err != nil:
		logrus.WithError(err).WithField("server_name", host).Debug("SRV lookup for delegated host failed")
		return withDefaultPort(host), now.Add(time.Minute)
	default:
		return dest, now.Add(ttl)
	}
}

// Cached returns the cached resolution for serverName, if any.
func (r *Resolver) Cached(serverName spec.ServerName) (ResolvedDestination, Method, bool) {
	e, ok := r.cached(string(serverName))
	return e.Destination, e.Method, ok
}

func (r *Resolver) cached(name string) (entry, bool) {
	v, ok := r.entries.Get(name)
	if !ok {
		return entry{}, false
	}
	return v.(entry), true
}

func (r *Resolver) store(name string, dest ResolvedDestination, method Method) {
	lookupsTotal.WithLabelValues(method.Name()).Inc()
	r.entries.Set(name, entry{Destination: dest, Method: method}, cache.NoExpiration)
}

func nextBackoff(previous Method) int {
	var minutes int
	switch m := previous.(type) {
	case SRV:
		minutes = m.BackoffMinutes
	case LookupFailed:
		minutes = m.BackoffMinutes
	}
	if minutes <= 0 {
		return 1
	}
	if minutes*2 > maxBackoffMinutes {
		return maxBackoffMinutes
	}
	return minutes * 2
}

// parseExplicit handles IP literals and names with an explicit port.
func parseExplicit(name string) (ResolvedDestination, bool) {
	if ip := net.ParseIP(name); ip != nil {
		// a bare IPv6 address has colons but no port
		return literal(ip, DefaultPort, name), true
	}
	host, port, valid := spec.ParseAndValidateServerName(spec.ServerName(name))
	if !valid {
		return ResolvedDestination{}, false
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if port < 0 {
			port = DefaultPort
		}
		return literal(ip, port, name), true
	}
	if port < 0 {
		return ResolvedDestination{}, false
	}
	return ResolvedDestination{
		Host:       host,
		Port:       ":" + strconv.Itoa(port),
		HostHeader: name,
	}, true
}

func literal(ip net.IP, port int, hostHeader string) ResolvedDestination {
	host := ip.String()
	if ip.To4() == nil {
		host = "[" + host + "]"
	}
	return ResolvedDestination{
		Literal:    true,
		Host:       host,
		Port:       ":" + strconv.Itoa(port),
		HostHeader: hostHeader,
	}
}

func withDefaultPort(host string) ResolvedDestination {
	return ResolvedDestination{
		Host:       host,
		Port:       ":" + strconv.Itoa(DefaultPort),
		HostHeader: host,
	}
}
