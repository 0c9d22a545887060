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
	"errors"
	"fmt"
	"io"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/polling"
	"github.com/spf13/cobra"
)

type watchFlags struct {
	readFlags
	interval time.Duration
	removal  time.Duration
	retries  int
}

func (f *watchFlags) register(cmd *cobra.Command) {
	f.readFlags.register(cmd)
	defaults := polling.DefaultConfig()
	flags := cmd.Flags()
	flags.DurationVar(&f.interval, "interval", defaults.PollInterval, "Poll interval")
	flags.DurationVar(&f.removal, "removal", defaults.CardRemovalTimeout,
		"How long a card must be gone before it is read again")
	flags.IntVar(&f.retries, "retries", defaults.Retry.MaxAttempts, "Read attempts per presentation")
}

// pollingConfig builds the monitor configuration from the flags.
func (f *watchFlags) pollingConfig() *polling.Config {
	cfg := polling.DefaultConfig()
	if f.interval > 0 {
		cfg.PollInterval = f.interval
	}
	if f.removal > 0 {
		cfg.CardRemovalTimeout = f.removal
	}
	if f.retries > 0 {
		cfg.Retry.MaxAttempts = f.retries
	}
	cfg.History = f.history
	return cfg
}

func newWatchCmd(a *app) *cobra.Command {
	var flags watchFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Read every card presented until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context(), cmd)
			defer stop()
			return a.runWatch(ctx, cmd, &flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func (a *app) runWatch(ctx context.Context, cmd *cobra.Command, flags *watchFlags) error {
	opts, err := flags.readerOptions(a.tracer())
	if err != nil {
		return err
	}
	system, _ := flags.systemCode()

	r, err := a.openReader(ctx, system)
	if err != nil {
		return err
	}

	m := polling.NewMonitor(r, felica.NewReader(opts...), flags.pollingConfig())
	recoverer := polling.NewDefaultRecoverer(r, func(ctx context.Context) (felica.Detector, error) {
		return a.openReader(ctx, system)
	}, 0, 0)
	m.SetRecoverer(recoverer)
	defer func() {
		if c, ok := recoverer.Detector().(io.Closer); ok {
			_ = c.Close()
		}
	}()

	if !flags.json {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Watching for cards. Press Ctrl+C to stop...")
	}
	return runMonitor(ctx, cmd, m, &flags.readFlags)
}

// runMonitor prints monitor events until ctx ends. Interruption is not an
// error.
func runMonitor(ctx context.Context, cmd *cobra.Command, m *polling.Monitor, flags *readFlags) error {
	out := cmd.OutOrStdout()
	m.SetOnRead(eventPrinter(out, flags))
	if !flags.json {
		m.SetOnRemoved(func(idm []byte) {
			_, _ = fmt.Fprintf(out, "Card %X removed\n", idm)
		})
	}

	err := m.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// eventPrinter returns a callback writing each event as text or as one
// JSON line.
func eventPrinter(w io.Writer, flags *readFlags) func(polling.Event) {
	return func(ev polling.Event) {
		result := readJSON{ID: ev.ID.String()}
		if ev.IDm != nil {
			result.IDm = fmt.Sprintf("%X", ev.IDm)
		}

		records := ev.Records
		first := 0
		if records == nil && ev.Err == nil {
			records = []felica.HistoryRecord{ev.Record}
			first = flags.block
		}
		if ev.Err != nil {
			result.Error = ev.Err.Error()
			records = nil
		}

		if !flags.json {
			_, _ = fmt.Fprintf(w, "%s read %s (%d attempts)\n",
				ev.At.Format("15:04:05"), ev.ID, ev.Attempts)
		}
		if err := printRecords(w, flags.json, result, first, records); err != nil {
			felica.Debugf("failed to print event: %v", err)
		}
	}
}

// tracer returns the frame tracer for --debug.
func (a *app) tracer() felica.Tracer {
	if a.debug {
		return felica.DebugTracer{}
	}
	return nil
}
