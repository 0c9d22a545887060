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
	"encoding/json"
	"fmt"
	"io"

	felica "github.com/ZaparooProject/go-felica"
)

type recordJSON struct {
	Date     string `json:"date,omitempty"`
	Terminal string `json:"terminal,omitempty"`
	Process  string `json:"process,omitempty"`
	Entry    string `json:"entry,omitempty"`
	Exit     string `json:"exit,omitempty"`
	Block    int    `json:"block"`
	Serial   uint32 `json:"serial,omitempty"`
	Balance  uint16 `json:"balance"`
}

type readJSON struct {
	ID      string       `json:"id,omitempty"`
	IDm     string       `json:"idm,omitempty"`
	Error   string       `json:"error,omitempty"`
	Records []recordJSON `json:"records"`
}

func newRecordJSON(block int, rec felica.HistoryRecord) recordJSON {
	out := recordJSON{Block: block, Balance: rec.Balance}
	if !rec.Complete() {
		return out
	}
	if date, ok := rec.Date(); ok {
		out.Date = date.Format("2006-01-02")
	}
	out.Terminal = rec.TerminalName()
	out.Process = rec.ProcessName()
	out.Entry = fmt.Sprintf("%02X-%02X", rec.EntryLine, rec.EntryStation)
	out.Exit = fmt.Sprintf("%02X-%02X", rec.ExitLine, rec.ExitStation)
	out.Serial = rec.Serial
	return out
}

// printRecords writes records numbered from first, as text or one JSON
// document.
func printRecords(w io.Writer, asJSON bool, result readJSON, first int, records []felica.HistoryRecord) error {
	if asJSON {
		result.Records = make([]recordJSON, len(records))
		for i, rec := range records {
			result.Records[i] = newRecordJSON(first+i, rec)
		}
		enc := json.NewEncoder(w)
		return enc.Encode(result)
	}

	if result.IDm != "" {
		_, _ = fmt.Fprintf(w, "IDm %s\n", result.IDm)
	}
	if result.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", result.Error)
	}
	for i, rec := range records {
		_, _ = fmt.Fprintf(w, "%3d  %s\n", first+i, rec.Summary())
	}
	return nil
}

// printTrace writes the frames carried by err, if any.
func printTrace(w io.Writer, err error) {
	if te := felica.GetTrace(err); te != nil {
		_, _ = fmt.Fprint(w, te.FormatTrace())
	}
}
