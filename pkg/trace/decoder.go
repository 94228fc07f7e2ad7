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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const (
	lengthPrefixSize = 4

	// maxRecordLength caps a single record. Capture engines rotate
	// files at gigabyte scale but individual records stay small; a
	// length above this is corruption, not data.
	maxRecordLength = 64 << 20
)

// zstdMagic is the zstd frame magic number. A capture file beginning
// with it is decompressed transparently.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Mode selects how the decoder treats the end of the stream.
type Mode int

const (
	// ModeFinalized reads a complete file. Malformed or truncated
	// frames are classified as decode errors and skipped.
	ModeFinalized Mode = iota

	// ModeLive reads a file that may still be written. Decoding stops
	// silently at the last complete record; a trailing partial frame is
	// deferred, not reported.
	ModeLive
)

// DecodeError describes one malformed frame recovered by skipping.
type DecodeError struct {
	Offset int64
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
}

// Decoder reads length-prefixed records from a capture file as a
// stream. It never buffers more than one record; restarting from the
// beginning means opening a new Decoder.
type Decoder struct {
	r    *bufio.Reader
	mode Mode
	// size is the total stream size in bytes, or -1 when unknown
	// (compressed input).
	size int64
	off  int64
	seq  int
	done bool
	// tail is set after a frame claimed bytes past end of file. The
	// remaining bytes belong to the same truncated fragment, so further
	// decode errors are folded into the one already reported until a
	// complete record decodes again.
	tail    bool
	decErrs []DecodeError
	closers []io.Closer
}

// NewDecoder decodes records from r. size is the total number of bytes
// r will yield, or a negative value when unknown.
func NewDecoder(r io.Reader, size int64, mode Mode) *Decoder {
	return &Decoder{
		r:    bufio.NewReader(r),
		mode: mode,
		size: size,
	}
}

// Open opens a capture file for decoding, transparently decompressing
// zstd-compressed files.
func Open(path string, mode Mode) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	br := bufio.NewReader(f)

	magic, err := br.Peek(len(zstdMagic))
	if err == nil && string(magic) == string(zstdMagic) {
		zr, zerr := zstd.NewReader(br)
		if zerr != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open compressed trace file: %w", zerr)
		}

		rc := zr.IOReadCloser()
		d := NewDecoder(rc, -1, mode)
		d.closers = append(d.closers, rc, f)

		return d, nil
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat trace file: %w", err)
	}

	d := &Decoder{
		r:    br,
		mode: mode,
		size: st.Size(),
	}
	d.closers = append(d.closers, f)

	return d, nil
}

// Close releases the underlying file, if any.
func (d *Decoder) Close() error {
	var errs []error

	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// DecodeErrors returns the malformed frames encountered so far. In
// ModeLive it is always empty.
func (d *Decoder) DecodeErrors() []DecodeError {
	return d.decErrs
}

func (d *Decoder) recordErr(offset int64, reason string) {
	if d.mode != ModeFinalized || d.tail {
		return
	}

	d.decErrs = append(d.decErrs, DecodeError{Offset: offset, Reason: reason})
}

// Next returns the next decoded packet. It returns io.EOF once the
// stream is exhausted; malformed frames in ModeFinalized are recorded
// via DecodeErrors and skipped.
func (d *Decoder) Next() (Packet, error) {
	for {
		if d.done {
			return Packet{}, io.EOF
		}

		var lenBuf [lengthPrefixSize]byte

		n, err := io.ReadFull(d.r, lenBuf[:])

		switch {
		case errors.Is(err, io.EOF):
			d.done = true
			return Packet{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			// Partial length prefix: a writer may still be appending.
			d.done = true
			d.recordErr(d.off, fmt.Sprintf("truncated length prefix (%d of %d bytes)", n, lengthPrefixSize))

			return Packet{}, io.EOF
		case err != nil:
			return Packet{}, fmt.Errorf("read length prefix: %w", err)
		}

		frameOff := d.off
		d.off += lengthPrefixSize
		length := int64(binary.LittleEndian.Uint32(lenBuf[:]))

		if length > maxRecordLength {
			// Resynchronize right after the malformed length field.
			d.recordErr(frameOff, fmt.Sprintf("record length %d exceeds cap %d", length, int64(maxRecordLength)))
			continue
		}

		if d.size >= 0 && d.off+length > d.size {
			if d.mode == ModeLive {
				// The writer has not flushed the full record yet.
				d.done = true
				return Packet{}, io.EOF
			}

			d.recordErr(frameOff, fmt.Sprintf("record length %d exceeds remaining %d bytes", length, d.size-d.off))
			d.tail = true

			continue
		}

		body := make([]byte, length)

		if _, err := io.ReadFull(d.r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.done = true
				d.recordErr(frameOff, "truncated record body")

				return Packet{}, io.EOF
			}

			return Packet{}, fmt.Errorf("read record body: %w", err)
		}

		d.off += length

		var rec Record

		if err := UnmarshalRecord(body, &rec); err != nil {
			d.recordErr(frameOff, "undecodable record: "+err.Error())
			continue
		}

		d.tail = false

		pkt := Packet{Seq: d.seq, Offset: frameOff, Record: rec}
		d.seq++

		return pkt, nil
	}
}

// ReadAll drains the decoder and returns every decodable packet.
func (d *Decoder) ReadAll() ([]Packet, error) {
	var packets []Packet

	for {
		pkt, err := d.Next()
		if errors.Is(err, io.EOF) {
			return packets, nil
		}

		if err != nil {
			return packets, err
		}

		packets = append(packets, pkt)
	}
}
