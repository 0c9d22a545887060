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

package remote

import (
	"fmt"

	"github.com/grandcat/zeroconf"
)

// mDNS registration of the relay.
const (
	ServiceType = "_felica-relay._tcp"
	Domain      = "local."
	Path        = "/ws"
)

// Advertise announces the relay on the local network so phones can find
// it. The returned function withdraws the announcement.
func Advertise(name string, port int) (shutdown func(), err error) {
	srv, err := zeroconf.Register(name, ServiceType, Domain, port, txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return srv.Shutdown, nil
}

func txtRecords() []string {
	return []string{
		"version=1",
		"protocol=websocket",
		"path=" + Path,
	}
}
