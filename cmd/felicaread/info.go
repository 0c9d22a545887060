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
	"fmt"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	var (
		system string
		wait   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "List the systems and services of the next card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context(), cmd)
			defer stop()

			code, err := parseCode("system", system)
			if err != nil {
				return err
			}
			return a.runInfo(ctx, cmd, felica.SystemCode(code), wait)
		},
	}
	cmd.Flags().StringVar(&system, "system", felica.DefaultSystemCode.String(), "System code sent when polling")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for a card (0 waits forever)")
	return cmd
}

func (a *app) runInfo(ctx context.Context, cmd *cobra.Command, system felica.SystemCode, wait time.Duration) (err error) {
	r, err := a.openReader(ctx, system)
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

	opts := []felica.Option{felica.WithSystemCode(system)}
	if t := a.tracer(); t != nil {
		opts = append(opts, felica.WithTracer(t))
	}
	s := felica.NewSession(opts...)
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := s.Open(ctx, tag); err != nil {
		return err
	}
	id, err := s.Poll(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "IDm %s\nPMm %s\n", id.IDmHex(), id.PMmHex())
	if id.HasSystemCode {
		_, _ = fmt.Fprintf(out, "System %s\n", id.SystemCode)
	}

	systems, err := s.RequestSystemCodes(ctx)
	if err != nil {
		return err
	}
	for _, sc := range systems {
		_, _ = fmt.Fprintf(out, "  system %s\n", sc)
	}

	services, err := s.SearchServiceCodes(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if svc.IsArea {
			_, _ = fmt.Fprintf(out, "  area    0x%04X-0x%04X\n", svc.Code, svc.AreaEnd)
			continue
		}
		_, _ = fmt.Fprintf(out, "  service 0x%04X\n", svc.Code)
	}
	return nil
}
