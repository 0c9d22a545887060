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
	"net"
	"net/http"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/polling"
	"github.com/ZaparooProject/go-felica/remote"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

type relayFlags struct {
	listen    string
	name      string
	watch     watchFlags
	advertise bool
}

func newRelayCmd(a *app) *cobra.Command {
	var flags relayFlags

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Read cards presented to phones connected over websocket",
		Long: "Serves the phone relay on " + remote.Path + " and reads every card a " +
			"connected phone reports. With --advertise the relay is announced over mDNS " +
			"as " + remote.ServiceType + ".",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context(), cmd)
			defer stop()
			return a.runRelay(ctx, cmd, &flags)
		},
	}
	flags.watch.register(cmd)
	cmd.Flags().StringVar(&flags.listen, "listen", ":8765", "Address to serve the relay on")
	cmd.Flags().BoolVar(&flags.advertise, "advertise", false, "Announce the relay over mDNS")
	cmd.Flags().StringVar(&flags.name, "name", "felicaread", "mDNS instance name")
	return cmd
}

func (a *app) runRelay(ctx context.Context, cmd *cobra.Command, flags *relayFlags) error {
	opts, err := flags.watch.readerOptions(a.tracer())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", flags.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", flags.listen, err)
	}

	srv := remote.NewServer()
	mux := http.NewServeMux()
	mux.Handle(remote.Path, srv)
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(ln)
	}()
	defer func() {
		_ = srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			felica.Debugf("relay shutdown: %v", err)
		}
	}()

	addr := ln.Addr().String()
	if flags.advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		shutdown, err := remote.Advertise(flags.name, port)
		if err != nil {
			return fmt.Errorf("failed to advertise relay: %w", err)
		}
		defer shutdown()
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Relay listening on ws://%s%s\n", addr, remote.Path)

	m := polling.NewMonitor(srv, felica.NewReader(opts...), flags.watch.pollingConfig())
	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- runMonitor(ctx, cmd, m, &flags.watch.readFlags)
	}()

	select {
	case err := <-monitorErr:
		return err
	case err := <-serveErr:
		m.Stop()
		<-monitorErr
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server: %w", err)
	}
}
