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
	"strconv"
	"strings"
	"time"

	felica "github.com/ZaparooProject/go-felica"
	"github.com/spf13/cobra"
)

// readFlags are shared by the commands that read cards.
type readFlags struct {
	service string
	system  string
	block   int
	history int
	timeout time.Duration
	json    bool
}

func (f *readFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.service, "service", felica.DefaultServiceCode.String(), "Service code holding the history")
	flags.StringVar(&f.system, "system", felica.DefaultSystemCode.String(), "System code sent when polling")
	flags.IntVar(&f.block, "block", felica.DefaultBlock, "Block to read when --history is not set")
	flags.IntVar(&f.history, "history", 0, "Read this many history blocks instead of one")
	flags.DurationVar(&f.timeout, "timeout", felica.DefaultCommandTimeout, "Timeout of each card command")
	flags.BoolVar(&f.json, "json", false, "Print JSON")
}

func (f *readFlags) systemCode() (felica.SystemCode, error) {
	code, err := parseCode("system", f.system)
	return felica.SystemCode(code), err
}

// readerOptions converts the flags into reader options.
func (f *readFlags) readerOptions(tracer felica.Tracer) ([]felica.Option, error) {
	system, err := f.systemCode()
	if err != nil {
		return nil, err
	}
	service, err := parseCode("service", f.service)
	if err != nil {
		return nil, err
	}
	if f.block < 0 || f.block > 0xFFFF {
		return nil, fmt.Errorf("block %d out of range", f.block)
	}
	if f.history < 0 {
		return nil, fmt.Errorf("history count %d is negative", f.history)
	}

	opts := []felica.Option{
		felica.WithSystemCode(system),
		felica.WithServiceCode(felica.ServiceCode(service)),
		felica.WithBlock(f.block),
		felica.WithCommandTimeout(f.timeout),
	}
	if tracer != nil {
		opts = append(opts, felica.WithTracer(tracer))
	}
	return opts, nil
}

// parseCode parses a 16-bit code written in hex, with or without 0x.
func parseCode(name, s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s code %q: want four hex digits", name, s)
	}
	return uint16(v), nil
}
