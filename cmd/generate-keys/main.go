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

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedsender/setup/config"
)

const usage = `Usage: %s

Generate the signing key used by the federation sender.

Arguments:

`

var privateKeyFile = flag.String("private-key", "", "An Ed25519 private key to generate for use for object signing")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *privateKeyFile == "" {
		flag.Usage()
		return
	}
	if err := config.NewMatrixKey(*privateKeyFile); err != nil {
		logrus.WithError(err).Fatal("failed to generate private key")
	}
	fmt.Printf("Created private key file: %s\n", *privateKeyFile)
}
