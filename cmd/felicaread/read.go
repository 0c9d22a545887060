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

func newReadCmd(a *app) *cobra.Command {
	var (
		flags readFlags
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read the next card presented to the reader",
		Long: "Waits for a card, reads one history block (or --history blocks) and " +
			"prints the decoded records.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context(), cmd)
			defer stop()
			return a.runRead(ctx, cmd, &flags, wait)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "How long to wait for a card (0 waits forever)")
	return cmd
}

func (a *app) runRead(ctx context.Context, cmd *cobra.Command, flags *readFlags, wait time.Duration) error {
	trace := felica.NewTraceBuffer("felicaread", 32)
	var tracer felica.Tracer = trace
	if a.debug {
		tracer = felica.MultiTracer(trace, felica.DebugTracer{})
	}
	opts, err := flags.readerOptions(tracer)
	if err != nil {
		return err
	}
	system, _ := flags.systemCode()

	r, err := a.openReader(ctx, system)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			felica.Debugf("failed to close reader: %v", err)
		}
	}()

	if !flags.json {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Waiting for a card...")
	}
	tag, err := waitForTag(ctx, r, wait, a.pollInterval)
	if err != nil {
		return err
	}

	result := readJSON{}
	if id, ok := tag.(felica.Identified); ok {
		result.IDm = fmt.Sprintf("%X", id.IDm())
	}

	rd := felica.NewReader(opts...)
	first := flags.block
	var records []felica.HistoryRecord
	if flags.history > 0 {
		first = 0
		records, err = rd.ReadHistory(ctx, tag, flags.history)
	} else {
		var rec felica.HistoryRecord
		rec, err = rd.Read(ctx, tag)
		records = []felica.HistoryRecord{rec}
	}
	if err != nil {
		if a.debug {
			printTrace(cmd.ErrOrStderr(), trace.WrapError(err))
		}
		return fmt.Errorf("read failed: %w", err)
	}

	return printRecords(cmd.OutOrStdout(), flags.json, result, first, records)
}
