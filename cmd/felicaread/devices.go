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

package main

import (
	"fmt"
	"strings"

	"github.com/ZaparooProject/go-felica/detection"
	"github.com/spf13/cobra"
)

func newDevicesCmd(a *app) *cobra.Command {
	var (
		mode   string
		ignore []string
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List readers attached to this host",
		Long: "Lists serial ports and I2C buses with a PN532 and the devices libnfc " +
			"can open. Safe mode asks each candidate for its firmware version.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := detection.DefaultOptions()
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			opts.Mode = m
			opts.IgnorePaths = ignore
			opts.CacheTTL = 0
			if a.transport != "" || a.getenv(envTransport) != "" {
				kind, err := a.transportKind()
				if err != nil {
					return err
				}
				opts.Transports = []string{kind}
			}

			devices, err := a.discover(cmd.Context(), &opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				_, _ = fmt.Fprintln(out, d)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "safe", "Detection mode: passive, safe or full")
	cmd.Flags().StringSliceVar(&ignore, "ignore", nil, "Device paths to skip")
	return cmd
}

func parseMode(s string) (detection.Mode, error) {
	switch strings.ToLower(s) {
	case "passive":
		return detection.Passive, nil
	case "safe":
		return detection.Safe, nil
	case "full":
		return detection.Full, nil
	default:
		return 0, fmt.Errorf("unknown detection mode %q (want passive, safe or full)", s)
	}
}
