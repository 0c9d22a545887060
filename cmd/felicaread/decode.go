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
	"encoding/hex"
	"fmt"
	"strings"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "decode HEX [HEX...]",
		Short: "Decode history blocks given in hex",
		Long: "Decodes 16 byte history blocks without a reader. Spaces, colons and " +
			"dashes between the hex digits are ignored.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records := make([]felica.HistoryRecord, 0, len(args))
			for i, arg := range args {
				block, err := parseBlock(arg)
				if err != nil {
					return fmt.Errorf("block %d: %w", i, err)
				}
				rec, err := felica.DecodeHistory(block)
				if err != nil {
					return fmt.Errorf("block %d: %w", i, err)
				}
				records = append(records, rec)
			}
			return printRecords(cmd.OutOrStdout(), asJSON, readJSON{}, 0, records)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// parseBlock decodes hex, ignoring common separators.
func parseBlock(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}
