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
	"fmt"
	"net"
	"strconv"

	"github.com/patrickmn/go-cache"
)

// Override is the address to dial for a hostname learned from SRV.
type Override struct {
	IPs  []net.IP
	Port uint16
}

// Overrides maps a hostname and the port its SRV record named to the
// IPs of the SRV target. The HTTP transport dials through it so TLS
// still sees the hostname. Dialing the same hostname on any other port
// goes to the hostname itself.
type Overrides struct {
	names  *cache.Cache
	dialer net.Dialer
}

func NewOverrides() *Overrides {
	return &Overrides{
		names: cache.New(cache.NoExpiration, 0),
	}
}

func overrideKey(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func (o *Overrides) Set(host string, ips []net.IP, port uint16) {
	o.names.Set(overrideKey(host, port), Override{IPs: ips, Port: port}, cache.NoExpiration)
}

func (o *Overrides) Lookup(host string, port uint16) (Override, bool) {
	v, ok := o.names.Get(overrideKey(host, port))
	if !ok {
		return Override{}, false
	}
	return v.(Override), true
}

// DialContext dials addr, replacing an overridden hostname and port
// with the SRV target's IPs.
func (o *Overrides) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return o.dialer.DialContext(ctx, network, addr)
	}
	override, ok := o.Lookup(host, uint16(port))
	if !ok {
		return o.dialer.DialContext(ctx, network, addr)
	}
	err = fmt.Errorf("no addresses for %s", addr)
	for _, ip := range override.IPs {
		conn, dialErr := o.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), portStr))
		if dialErr == nil {
			return conn, nil
		}
		err = dialErr
	}
	return nil, err
}
