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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var errNoSRVRecords = errors.New("no SRV records")

// SRV service names, in order of preference.
var srvServices = []string{"_matrix-fed._tcp.", "_matrix._tcp."}

// DNSClient performs the DNS queries the resolver needs.
type DNSClient interface {
	LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type dnsClient struct {
	client      *dns.Client
	nameservers []string
}

// NewDNSClient queries the given nameservers (host:port), or the ones in
// /etc/resolv.conf when none are given.
func NewDNSClient(nameservers []string) (DNSClient, error) {
	if len(nameservers) == 0 {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dns.ClientConfigFromFile: %w", err)
		}
		for _, server := range conf.Servers {
			nameservers = append(nameservers, net.JoinHostPort(server, conf.Port))
		}
	}
	return &dnsClient{
		client:      &dns.Client{Timeout: 5 * time.Second},
		nameservers: nameservers,
	}, nil
}

func (c *dnsClient) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	err := fmt.Errorf("no nameservers configured")
	for _, ns := range c.nameservers {
		in, _, exchangeErr := c.client.ExchangeContext(ctx, msg, ns)
		if exchangeErr != nil {
			err = exchangeErr
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
			return in.Answer, nil
		case dns.RcodeNameError:
			return nil, nil
		default:
			err = fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
		}
	}
	return nil, err
}

// LookupSRV returns the SRV records for name ordered by priority.
func (c *dnsClient) LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	answer, err := c.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}
	var records []*dns.SRV
	for _, rr := range answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
	return records, nil
}

func (c *dnsClient) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answer, err := c.exchange(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		for _, rr := range answer {
			switch record := rr.(type) {
			case *dns.A:
				ips = append(ips, record.A)
			case *dns.AAAA:
				ips = append(ips, record.AAAA)
			}
		}
	}
	return ips, nil
}

// lookupSRV resolves host through SRV. The first target is resolved to
// IP addresses and registered as an override for host, so that requests
// keep using host for the Host header and TLS.
func (r *Resolver) lookupSRV(ctx context.Context, host string) (ResolvedDestination, time.Duration, error) {
	var records []*dns.SRV
	var lookupErr error
	for _, service := range srvServices {
		found, err := r.dns.LookupSRV(ctx, service+host)
		if err != nil {
			lookupErr = err
			continue
		}
		if len(found) > 0 {
			records = found
			break
		}
	}
	if len(records) == 0 {
		if lookupErr != nil {
			return ResolvedDestination{}, 0, lookupErr
		}
		return ResolvedDestination{}, 0, errNoSRVRecords
	}

	record := records[0]
	target := strings.TrimSuffix(record.Target, ".")
	port := ":" + strconv.Itoa(int(record.Port))
	ttl := time.Duration(record.Hdr.Ttl) * time.Second
	dest := ResolvedDestination{Host: target, Port: port, HostHeader: host}
	if ips, err := r.dns.LookupIP(ctx, target); err == nil && len(ips) > 0 {
		r.overrides.Set(host, ips, record.Port)
		dest.Host = host
	}
	return dest, ttl, nil
}
