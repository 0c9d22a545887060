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
	"context"
	"encoding/json"
	"fmt"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/pkg/ndef"
	"github.com/spf13/cobra"
)

func newNDEFCmd(a *app) *cobra.Command {
	var (
		wait    time.Duration
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "ndef",
		Short: "Read the NDEF message of a Type 3 Tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context(), cmd)
			defer stop()
			return a.runNDEF(ctx, cmd, wait, timeout, asJSON)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for a card (0 waits forever)")
	cmd.Flags().DurationVar(&timeout, "timeout", felica.DefaultCommandTimeout, "Per-command timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the records as JSON")
	return cmd
}

func (a *app) runNDEF(ctx context.Context, cmd *cobra.Command, wait, timeout time.Duration, asJSON bool) error {
	r, err := a.openReader(ctx, ndef.SystemCode)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()

	tag, err := waitForTag(ctx, r, wait, a.pollInterval)
	if err != nil {
		return err
	}

	opts := []felica.Option{felica.WithCommandTimeout(timeout)}
	if t := a.tracer(); t != nil {
		opts = append(opts, felica.WithTracer(t))
	}
	msg, info, err := ndef.Read(ctx, tag, opts...)
	if err != nil {
		return fmt.Errorf("ndef read failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		return enc.Encode(msg.Records)
	}
	_, _ = fmt.Fprintf(out, "NDEF v%d.%d, %d bytes\n", info.Version>>4, info.Version&0x0F, info.Length)
	for i, rec := range msg.Records {
		_, _ = fmt.Fprintf(out, "%3d  %s\n", i, rec)
	}
	return nil
}
