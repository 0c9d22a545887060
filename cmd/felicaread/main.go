// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

// Command felicaread reads ride history from FeliCa transit cards through a
// PN532, a libnfc device or a phone relaying over websocket.
package main

import (
	"os"

	felica "github.com/ZaparooProject/go-felica"
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	defer func() {
		_ = felica.CloseSessionLog()
	}()

	if err := newRootCmd(newApp()).Execute(); err != nil {
		return 1
	}
	return 0
}
