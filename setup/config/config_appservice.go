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
	"net/url"
	"regexp"
)

// AppService is an application service which receives transactions over
// its own queue lane.
type AppService struct {
	// Unique ID of the application service.
	ID string `yaml:"id"`
	// Base URL of the application service.
	URL string `yaml:"url"`
	// Token sent as a bearer token with every transaction.
	HSToken string `yaml:"hs_token"`
	// Rooms whose events are pushed to the application service.
	Rooms []RoomNamespace `yaml:"rooms"`
}

// RoomNamespace matches room IDs.
type RoomNamespace struct {
	Regex        string         `yaml:"regex"`
	RegexpObject *regexp.Regexp `yaml:"-"`
}

// InterestedInRoom reports whether any room namespace matches roomID.
func (a *AppService) InterestedInRoom(roomID string) bool {
	for _, ns := range a.Rooms {
		if ns.RegexpObject != nil && ns.RegexpObject.MatchString(roomID) {
			return true
		}
	}
	return false
}

func (a *AppService) Verify(configErrs *ConfigErrors, i int) {
	checkNotEmpty(configErrs, fmt.Sprintf("app_services[%d].id", i), a.ID)
	checkNotEmpty(configErrs, fmt.Sprintf("app_services[%d].hs_token", i), a.HSToken)
	u, err := url.Parse(a.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q", fmt.Sprintf("app_services[%d].url", i), a.URL))
	}
	for j := range a.Rooms {
		// namespaces are matched against the whole room ID
		re, err := regexp.Compile("^" + a.Rooms[j].Regex + "$")
		if err != nil {
			configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", fmt.Sprintf("app_services[%d].rooms[%d].regex", i, j), err))
			continue
		}
		a.Rooms[j].RegexpObject = re
	}
}
