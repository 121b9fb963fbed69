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

import "time"

// Method records how a cached resolution was produced and when it must
// be refreshed.
type Method interface {
	Name() string
}

// IsIPOrHasPort results never expire.
type IsIPOrHasPort struct{}

// WellKnown is a delegation to an IP literal or a host with a port.
type WellKnown struct {
	ExpiresAt time.Time
}

// WellKnownSRV is a delegation to a bare hostname followed by an SRV
// lookup. The two parts expire independently.
type WellKnownSRV struct {
	SRVExpiresAt       time.Time
	WellKnownExpiresAt time.Time
	WellKnownHost      string
}

// SRV is a direct SRV lookup after delegation failed.
type SRV struct {
	SRVExpiresAt   time.Time
	RetryAt        time.Time
	BackoffMinutes int
}

// LookupFailed means both delegation and SRV failed.
type LookupFailed struct {
	RetryAt        time.Time
	BackoffMinutes int
}

func (IsIPOrHasPort) Name() string { return "ip_or_port" }
func (WellKnown) Name() string     { return "well_known" }
func (WellKnownSRV) Name() string  { return "well_known_srv" }
func (SRV) Name() string           { return "srv" }
func (LookupFailed) Name() string  { return "lookup_failed" }

type entry struct {
	Destination ResolvedDestination
	Method      Method
}
