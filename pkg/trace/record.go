/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package trace implements the capture file wire format: a stream of
// length-prefixed records. Each frame is a 4-byte little-endian length
// followed by that many bytes of a CBOR-encoded record envelope.
package trace

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// RecordType identifies the shape of a record's payload fields.
type RecordType uint8

const (
	// RecordRaw carries opaque bytes the analysis layer does not
	// interpret.
	RecordRaw RecordType = 0

	// RecordInternedString registers a string under an intern ID.
	// Later records reference the string by ID instead of repeating it.
	RecordInternedString RecordType = 1

	// RecordNetworkEvent is one network request. The requested URL is
	// an intern reference.
	RecordNetworkEvent RecordType = 2

	// RecordProcessDied reports an application process exit with a
	// reason.
	RecordProcessDied RecordType = 3

	// RecordTombstone reports a native crash tombstone written during
	// the capture window.
	RecordTombstone RecordType = 4

	// RecordProcessFork reports a fork/exec of a child process.
	RecordProcessFork RecordType = 5

	// RecordUSBAttach reports a USB device attach event.
	RecordUSBAttach RecordType = 6
)

// Record is the decoded envelope of one frame. Field presence depends
// on Type; integer CBOR keys keep frames compact.
type Record struct {
	Type        RecordType `cbor:"1,keyasint"`
	TimestampNs int64      `cbor:"2,keyasint,omitempty"`

	// InternID names this record's string (RecordInternedString) or
	// references an earlier one (RecordNetworkEvent URL).
	InternID uint64 `cbor:"3,keyasint,omitempty"`
	Str      string `cbor:"4,keyasint,omitempty"`

	// Process fields (RecordProcessDied, RecordProcessFork).
	PID    int32  `cbor:"5,keyasint,omitempty"`
	PPID   int32  `cbor:"6,keyasint,omitempty"`
	Name   string `cbor:"7,keyasint,omitempty"`
	Reason string `cbor:"8,keyasint,omitempty"`

	Raw []byte `cbor:"9,keyasint,omitempty"`
}

// Packet is one decoded record together with its position within the
// source file. Seq is monotonically non-decreasing within a file and is
// used only to detect truncation, never for ordering across devices.
type Packet struct {
	Seq    int
	Offset int64
	Record Record
}

// encMode and decMode are configured once. Deterministic encoding keeps
// identical records byte-identical, which the trace store relies on for
// overwrite detection in tests.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("trace: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("trace: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalRecord encodes a record envelope to CBOR.
func MarshalRecord(rec *Record) ([]byte, error) {
	return encMode.Marshal(rec)
}

// UnmarshalRecord decodes a CBOR record envelope.
func UnmarshalRecord(data []byte, rec *Record) error {
	return decMode.Unmarshal(data, rec)
}
