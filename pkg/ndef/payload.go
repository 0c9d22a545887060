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

package ndef

import (
	"errors"
	"unicode/utf16"
)

const (
	textUTF16Flag    = 0x80
	textLangCodeMask = 0x3F
)

var (
	errTextTruncated = errors.New("ndef: text payload truncated")
	errURIEmpty      = errors.New("ndef: URI payload too short")
	errURIPrefix     = errors.New("ndef: invalid URI prefix code")
)

// URI identifier codes of the NFC Forum URI record type.
var uriPrefixes = [...]string{
	"",
	"http://www.",
	"https://www.",
	"http://",
	"https://",
	"tel:",
	"mailto:",
	"ftp://anonymous:anonymous@",
	"ftp://ftp.",
	"ftps://",
	"sftp://",
	"smb://",
	"nfs://",
	"ftp://",
	"dav://",
	"news:",
	"telnet://",
	"imap:",
	"rtsp://",
	"urn:",
	"pop:",
	"sip:",
	"sips:",
	"tftp:",
	"btspp://",
	"btl2cap://",
	"btgoep://",
	"tcpobex://",
	"irdaobex://",
	"file://",
	"urn:epc:id:",
	"urn:epc:tag:",
	"urn:epc:pat:",
	"urn:epc:raw:",
	"urn:epc:",
	"urn:nfc:",
}

// decodeText splits a text record payload: status byte, language code,
// then UTF-8 or big-endian UTF-16 text.
func decodeText(payload []byte) (text, lang string, err error) {
	if len(payload) < 1 {
		return "", "", errTextTruncated
	}
	status := payload[0]
	n := int(status & textLangCodeMask)
	if len(payload) < 1+n {
		return "", "", errTextTruncated
	}
	lang = string(payload[1 : 1+n])
	body := payload[1+n:]

	if status&textUTF16Flag == 0 {
		return string(body), lang, nil
	}
	if len(body)%2 != 0 {
		return "", "", errTextTruncated
	}
	units := make([]uint16, len(body)/2)
	for i := range units {
		units[i] = uint16(body[2*i])<<8 | uint16(body[2*i+1])
	}
	return string(utf16.Decode(units)), lang, nil
}

// decodeURI expands the identifier code of a URI record payload.
func decodeURI(payload []byte) (string, error) {
	if len(payload) < 1 {
		return "", errURIEmpty
	}
	code := int(payload[0])
	if code >= len(uriPrefixes) {
		return "", errURIPrefix
	}
	return uriPrefixes[code] + string(payload[1:]), nil
}
