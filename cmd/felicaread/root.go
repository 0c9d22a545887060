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
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/ZaparooProject/go-felica/detection"
	_ "github.com/ZaparooProject/go-felica/detection/i2c"
	_ "github.com/ZaparooProject/go-felica/detection/libnfc"
	_ "github.com/ZaparooProject/go-felica/detection/spi"
	_ "github.com/ZaparooProject/go-felica/detection/uart"
	"github.com/spf13/cobra"
)

// Environment fallbacks for the persistent flags.
const (
	envDevice    = "FELICA_DEVICE"
	envTransport = "FELICA_TRANSPORT"
)

const (
	transportUART   = "uart"
	transportI2C    = "i2c"
	transportSPI    = "spi"
	transportLibNFC = "libnfc"
)

// app holds the persistent flags and the hooks tests replace.
type app struct {
	getenv       func(string) string
	open         openFunc
	discover     func(ctx context.Context, opts *detection.Options) ([]detection.DeviceInfo, error)
	transport    string
	device       string
	logDir       string
	pollInterval time.Duration
	debug        bool
}

func newApp() *app {
	return &app{
		getenv:       os.Getenv,
		open:         openReader,
		discover:     detection.DetectAll,
		pollInterval: 100 * time.Millisecond,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "felicaread",
		Short: "Read FeliCa transit card history",
		Long: "Reads the balance and ride history of Suica, ICOCA, PiTaPa and other " +
			"Cyberne transit cards from a PN532, a libnfc device or a phone relay.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.transport, "transport", "t", "",
		"Reader transport: uart, i2c, spi or libnfc (default: $FELICA_TRANSPORT or uart)")
	flags.StringVarP(&a.device, "device", "d", "",
		"Serial port, I2C bus, SPI port or libnfc connstring (default: $FELICA_DEVICE, else detected)")
	flags.BoolVar(&a.debug, "debug", false, "Print debug output and frame traces")
	flags.StringVar(&a.logDir, "log", "", "Write a session log into this directory")
	flags.Lookup("log").NoOptDefVal = "."

	root.AddCommand(
		newReadCmd(a),
		newWatchCmd(a),
		newRelayCmd(a),
		newInfoCmd(a),
		newNDEFCmd(a),
		newDecodeCmd(),
		newDevicesCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.debug {
		felica.SetDebugEnabled(true)
	}
	if a.logDir != "" {
		path, err := felica.InitSessionLog(a.logDir)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Session log: %s\n", path)
	}
	return nil
}

// transportKind resolves --transport, then $FELICA_TRANSPORT, then uart.
func (a *app) transportKind() (string, error) {
	kind := a.transport
	if kind == "" {
		kind = a.getenv(envTransport)
	}
	if kind == "" {
		return transportUART, nil
	}

	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case transportUART, transportI2C, transportSPI, transportLibNFC:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want uart, i2c, spi or libnfc)", kind)
	}
}

// devicePath resolves --device, then $FELICA_DEVICE.
func (a *app) devicePath() string {
	if a.device != "" {
		return a.device
	}
	return a.getenv(envDevice)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			_, _ = fmt.Fprint(cmd.ErrOrStderr(), "\nShutting down gracefully...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
