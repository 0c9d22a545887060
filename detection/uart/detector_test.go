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

package uart

import (
	"context"
	"testing"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func ports() []*enumerator.PortDetails {
	return []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523", SerialNumber: "A1"},
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "0403", PID: "6015", Product: "USB Serial"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0043", Product: "NFC reader"},
		{Name: "/dev/ttyS0"},
	}
}

func newTestDetector(answering ...string) (*detector, *[]string) {
	var probed []string
	d := &detector{
		listPorts: func() ([]*enumerator.PortDetails, error) { return ports(), nil },
		probe: func(_ context.Context, path string, _ detection.Mode) bool {
			probed = append(probed, path)
			for _, a := range answering {
				if a == path {
					return true
				}
			}
			return false
		},
	}
	return d, &probed
}

func paths(devices []detection.DeviceInfo) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.Path
	}
	return out
}

func TestDetect_Passive(t *testing.T) {
	t.Parallel()

	d, probed := newTestDetector()
	devices, err := d.Detect(context.Background(), &detection.Options{Mode: detection.Passive})
	require.NoError(t, err)

	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, paths(devices))
	assert.Empty(t, *probed, "passive mode never opens a port")
	assert.Equal(t, "1A86:7523", devices[0].Metadata["vidpid"])
	assert.Equal(t, "A1", devices[0].Metadata["serial"])
	assert.Equal(t, detection.Medium, devices[1].Confidence)
}

func TestDetect_Safe(t *testing.T) {
	t.Parallel()

	d, probed := newTestDetector("/dev/ttyUSB1")
	devices, err := d.Detect(context.Background(), &detection.Options{Mode: detection.Safe})
	require.NoError(t, err)

	assert.Len(t, *probed, 4)
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0"}, paths(devices))
	assert.Equal(t, detection.High, devices[1].Confidence, "answering port")
	assert.Equal(t, detection.Medium, devices[0].Confidence)
}

func TestDetect_Filters(t *testing.T) {
	t.Parallel()

	d, probed := newTestDetector()
	devices, err := d.Detect(context.Background(), &detection.Options{
		Mode:        detection.Safe,
		Blocklist:   []string{"1A86:7523"},
		IgnorePaths: []string{"/dev/ttyACM0"},
	})
	require.ErrorIs(t, err, detection.ErrNoDevicesFound)
	assert.Empty(t, devices)
	assert.NotContains(t, *probed, "/dev/ttyUSB0", "blocked ports are not probed")
}

func TestIsLikelyReader(t *testing.T) {
	t.Parallel()

	assert.True(t, isLikelyReader("10C4:EA60", ""))
	assert.True(t, isLikelyReader("", "PN532 NFC Module"))
	assert.False(t, isLikelyReader("2341:0043", "Arduino Uno"))
}
