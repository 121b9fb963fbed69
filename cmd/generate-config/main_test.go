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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/matrix-org/fedsender/setup/config"
)

func TestBuildConfig(t *testing.T) {
	tsts := []struct {
		Name string
		Args []string
	}{
		{"defaults", nil},
		{"ci", []string{"-ci"}},
		{"postgres", []string{"-server", "example.org", "-db", "postgres://user@localhost/fedsender?sslmode=disable"}},
	}
	for _, tst := range tsts {
		t.Run(tst.Name, func(t *testing.T) {
			cfg, err := buildConfig(flag.NewFlagSet("main_test", flag.ContinueOnError), tst.Args)
			require.NoError(t, err)

			var ss config.ConfigErrors
			cfg.Verify(&ss)
			for _, s := range ss {
				t.Errorf("Verify: %s", s)
			}

			// the output must load back into the same shape
			out, err := yaml.Marshal(cfg)
			require.NoError(t, err)
			var back config.FedSender
			require.NoError(t, yaml.Unmarshal(out, &back))
			assert.Equal(t, cfg.Global.ServerName, back.Global.ServerName)
			assert.Equal(t, cfg.Version, back.Version)
		})
	}
}
