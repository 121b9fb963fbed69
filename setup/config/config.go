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
	"bytes"
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/matrix-org/gomatrixserverlib"
	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
const Version = 1

// FedSender contains all the config used by the federation sender.
type FedSender struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	Global           Global           `yaml:"global"`
	FederationSender FederationSender `yaml:"federation_sender"`

	// Application services which receive transactions from this server.
	AppServices []AppService `yaml:"app_services"`

	// The config for logging informations. Each hook will be added to logrus.
	Logging []LogrusHook `yaml:"logging"`
}

// A Path on the filesystem.
type Path string

// A DataSource for opening a database, either postgres://... or file:...
type DataSource string

func (d DataSource) IsSQLite() bool {
	return strings.HasPrefix(string(d), "file:")
}

func (d DataSource) IsPostgres() bool {
	return strings.HasPrefix(string(d), "postgres:") || strings.HasPrefix(string(d), "postgresql:")
}

// An Address to listen on.
type Address string

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently "file" and "std" are supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this configErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized configErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// configErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Load a yaml config file for the federation sender. The private key
// path is resolved relative to the current working directory.
func Load(configPath string) (*FedSender, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(".")
	if err != nil {
		return nil, err
	}
	// Pass the current working directory and os.ReadFile so that they can
	// be mocked in the tests
	return loadConfig(basePath, configData, os.ReadFile)
}

func loadConfig(
	basePath string,
	configData []byte,
	readFile func(string) ([]byte, error),
) (*FedSender, error) {
	var c FedSender
	c.Defaults(false)

	var err error
	if err = yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if err = c.check(); err != nil {
		return nil, err
	}

	privateKeyPath := absPath(basePath, c.Global.PrivateKeyPath)
	privateKeyData, err := readFile(privateKeyPath)
	if err != nil {
		return nil, err
	}
	if c.Global.KeyID, c.Global.PrivateKey, err = readKeyPEM(privateKeyPath, privateKeyData); err != nil {
		return nil, err
	}

	c.Wiring()
	return &c, nil
}

// Defaults fills in every section with its default values. When generate
// is set, values suitable for tests and sample configs are filled in too.
func (c *FedSender) Defaults(generate bool) {
	c.Version = Version
	c.Global.Defaults(generate)
	c.FederationSender.Defaults(generate)
	c.Logging = []LogrusHook{
		{
			Type:  "std",
			Level: "info",
		},
	}
}

func (c *FedSender) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.FederationSender.Verify(configErrs)
	seen := make(map[string]struct{}, len(c.AppServices))
	for i := range c.AppServices {
		c.AppServices[i].Verify(configErrs, i)
		if _, ok := seen[c.AppServices[i].ID]; ok {
			configErrs.Add(fmt.Sprintf("duplicate app service ID %q", c.AppServices[i].ID))
		}
		seen[c.AppServices[i].ID] = struct{}{}
	}
	for i, hook := range c.Logging {
		checkNotEmpty(configErrs, fmt.Sprintf("logging[%d].type", i), hook.Type)
		checkNotEmpty(configErrs, fmt.Sprintf("logging[%d].level", i), hook.Level)
	}
}

// Wiring sets up back-references between sections once loading is done.
func (c *FedSender) Wiring() {
	c.FederationSender.Matrix = &c.Global
	c.Global.JetStream.Matrix = &c.Global
}

func (c *FedSender) check() error {
	if c.Version != Version {
		return ConfigErrors([]string{fmt.Sprintf(
			"unknown config version %d, expected %d", c.Version, Version,
		)})
	}
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if configErrs != nil {
		return configErrs
	}
	return nil
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero excluded)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

func absPath(dir string, path Path) string {
	if filepath.IsAbs(string(path)) {
		// filepath.Join cleans the path so we should clean the absolute paths as well for consistency.
		return filepath.Clean(string(path))
	}
	return filepath.Join(dir, string(path))
}

func readKeyPEM(path string, data []byte) (gomatrixserverlib.KeyID, ed25519.PrivateKey, error) {
	for {
		var keyBlock *pem.Block
		keyBlock, data = pem.Decode(data)
		if data == nil || keyBlock == nil {
			return "", nil, fmt.Errorf("no matrix private key PEM data in %q", path)
		}
		if keyBlock.Type == "MATRIX PRIVATE KEY" {
			keyID := keyBlock.Headers["Key-ID"]
			if keyID == "" {
				return "", nil, fmt.Errorf("missing key ID in PEM data in %q", path)
			}
			if !strings.HasPrefix(keyID, "ed25519:") {
				return "", nil, fmt.Errorf("key ID %q doesn't start with \"ed25519:\" in %q", keyID, path)
			}
			_, privKey, err := ed25519.GenerateKey(bytes.NewReader(keyBlock.Bytes))
			if err != nil {
				return "", nil, err
			}
			return gomatrixserverlib.KeyID(keyID), privKey, nil
		}
	}
}
