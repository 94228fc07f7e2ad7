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

package trace

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer frames records onto a byte stream. It exists for fixtures and
// for the companion on-device recorder; the production capture engine
// writes the same format natively.
type Writer struct {
	w io.Writer
}

// NewWriter creates a record writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord encodes rec and writes one length-prefixed frame.
func (wr *Writer) WriteRecord(rec *Record) error {
	body, err := MarshalRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	var lenBuf [lengthPrefixSize]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := wr.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := wr.w.Write(body); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}

	return nil
}
